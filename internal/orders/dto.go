package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

// Actor is the authenticated caller of an order operation.
type Actor struct {
	UserID uuid.UUID
	Role   enums.UserRole
}

func (a Actor) IsAdmin() bool {
	return a.Role == enums.UserRoleAdmin
}

// PlaceOrderRequest is the POST /api/v1/orders body. Money fields accept
// numbers or strings.
type PlaceOrderRequest struct {
	Items           []PlaceOrderItem `json:"items" validate:"required,min=1,dive"`
	Subtotal        decimal.Decimal  `json:"subtotal" validate:"gte=0"`
	Shipping        decimal.Decimal  `json:"shipping" validate:"gte=0"`
	Tax             decimal.Decimal  `json:"tax" validate:"gte=0"`
	Total           decimal.Decimal  `json:"total" validate:"gte=0"`
	ShippingAddress json.RawMessage  `json:"shippingAddress" validate:"required"`
}

type PlaceOrderItem struct {
	ProductID string          `json:"productId" validate:"required"`
	VariantID *string         `json:"variantId,omitempty"`
	Quantity  int             `json:"quantity" validate:"gte=1"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
}

// UpdateStatusRequest is the PATCH body for admin status changes.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// OrderDTO is the enriched order returned by every read.
type OrderDTO struct {
	ID                 uuid.UUID              `json:"id"`
	UserID             uuid.UUID              `json:"userId"`
	Subtotal           types.Money            `json:"subtotal"`
	Shipping           types.Money            `json:"shipping"`
	Tax                types.Money            `json:"tax"`
	Total              types.Money            `json:"total"`
	Status             enums.OrderStatus      `json:"status"`
	ShippingAddress    *types.ShippingAddress `json:"shippingAddress"`
	ShippingAddressRaw *string                `json:"shippingAddressRaw,omitempty"`
	Items              []OrderItemDTO         `json:"items"`
	CustomerName       *string                `json:"customerName,omitempty"`
	CustomerEmail      *string                `json:"customerEmail,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

type OrderItemDTO struct {
	ID           uuid.UUID   `json:"id"`
	ProductID    uuid.UUID   `json:"productId"`
	VariantID    *uuid.UUID  `json:"variantId"`
	Quantity     int         `json:"quantity"`
	Price        types.Money `json:"price"`
	ProductName  *string     `json:"productName,omitempty"`
	ProductImage *string     `json:"productImage,omitempty"`
}

// OrderListDTO is one page of orders.
type OrderListDTO struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// PlaceOrderResult distinguishes a new order from an idempotent replay.
type PlaceOrderResult struct {
	Order   *OrderDTO
	Created bool
}
