package cart

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/types"
)

// ReplaceCartRequest is the PUT /api/v1/cart body.
type ReplaceCartRequest struct {
	Items []CartItemRequest `json:"items" validate:"required,dive"`
}

// CartItemRequest identifies one line. Price is accepted for client
// compatibility and ignored; the stored snapshot comes from the catalog.
type CartItemRequest struct {
	ProductID string       `json:"productId" validate:"required"`
	VariantID *string      `json:"variantId,omitempty"`
	Quantity  int          `json:"quantity"`
	Price     *types.Money `json:"price,omitempty"`
}

// CartItemDTO is a cart line enriched for display.
type CartItemDTO struct {
	ProductID    uuid.UUID   `json:"productId"`
	VariantID    *uuid.UUID  `json:"variantId"`
	Quantity     int         `json:"quantity"`
	Price        types.Money `json:"price"`
	ProductName  string      `json:"productName"`
	ProductImage *string     `json:"productImage"`
}

// CartView is what Fetch returns; Version feeds the ETag header.
type CartView struct {
	Items   []CartItemDTO
	Version int64
}

// ReplaceResult acknowledges a successful replace.
type ReplaceResult struct {
	Message string `json:"message"`
	Version int64  `json:"version"`
}
