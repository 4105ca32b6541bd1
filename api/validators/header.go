package validators

import (
	"net/http"
	"strings"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

const maxIdempotencyKeyLen = 255

// IdempotencyKey returns the trimmed Idempotency-Key header. An absent header
// yields an empty key; presence is enforced by the idempotency middleware.
func IdempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key is too long").
			WithDetails(map[string]any{"maxLength": maxIdempotencyKeyLen})
	}
	return key, nil
}
