package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShippingAddressMissing = errors.New("shipping address is required")
)

// ShippingAddress is the structured destination stored with an order.
type ShippingAddress struct {
	Name    string  `json:"name"`
	Street  string  `json:"street"`
	Street2 *string `json:"street2,omitempty"`
	City    string  `json:"city"`
	State   string  `json:"state"`
	Zip     string  `json:"zip"`
	Country string  `json:"country"`
	Phone   *string `json:"phone,omitempty"`
}

// MissingFields lists required fields that are blank.
func (a ShippingAddress) MissingFields() []string {
	missing := []string{}
	for _, f := range []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"street", a.Street},
		{"city", a.City},
		{"state", a.State},
		{"zip", a.Zip},
		{"country", a.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// NormalizeShippingAddress accepts either a JSON object or a JSON string that
// itself contains an object, and returns the canonical serialized form that
// is persisted on the order row.
func NormalizeShippingAddress(raw json.RawMessage) (string, ShippingAddress, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", ShippingAddress{}, ErrShippingAddressMissing
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return "", ShippingAddress{}, fmt.Errorf("shipping address: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return "", ShippingAddress{}, ErrShippingAddressMissing
		}
		trimmed = []byte(inner)
	}

	if trimmed[0] != '{' {
		return "", ShippingAddress{}, errors.New("shipping address must be an object")
	}

	var addr ShippingAddress
	if err := json.Unmarshal(trimmed, &addr); err != nil {
		return "", ShippingAddress{}, fmt.Errorf("shipping address: %w", err)
	}
	if missing := addr.MissingFields(); len(missing) > 0 {
		return "", addr, fmt.Errorf("shipping address missing %s", strings.Join(missing, ", "))
	}

	encoded, err := json.Marshal(addr)
	if err != nil {
		return "", addr, err
	}
	return string(encoded), addr, nil
}

// ParseShippingAddress decodes a persisted address string.
func ParseShippingAddress(stored string) (*ShippingAddress, error) {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return nil, ErrShippingAddressMissing
	}
	var addr ShippingAddress
	if err := json.Unmarshal([]byte(stored), &addr); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	return &addr, nil
}
