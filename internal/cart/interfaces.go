package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// CartRepository defines the persistence surface required by the cart service.
type CartRepository interface {
	WithTx(tx *gorm.DB) CartRepository
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error)
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
	InsertItems(ctx context.Context, userID uuid.UUID, items []models.CartItem) error
	CurrentVersion(ctx context.Context, userID uuid.UUID) (int64, error)
	BumpVersion(ctx context.Context, userID uuid.UUID, expected *int64) (int64, error)
}

// CatalogReader is the slice of the product repository the cart needs.
type CatalogReader interface {
	FindProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error)
	FindVariantsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.ProductVariant, error)
	FirstImages(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]string, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}
