package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// ErrInsufficientStock is returned when a conditional decrement matched no row.
var ErrInsufficientStock = errors.New("insufficient stock")

type conflictRecorder interface {
	IncStockConflict()
}

// Ledger owns every write to products.stock and product_variants.stock.
type Ledger struct {
	db      *gorm.DB
	metrics conflictRecorder
}

func NewLedger(db *gorm.DB, metrics conflictRecorder) *Ledger {
	return &Ledger{db: db, metrics: metrics}
}

// DecrementVariant removes qty units from a variant only if that many remain.
func (l *Ledger) DecrementVariant(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, qty int) error {
	return l.decrement(ctx, tx, &models.ProductVariant{}, variantID, qty)
}

// DecrementProduct removes qty units from the product aggregate counter.
func (l *Ledger) DecrementProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	return l.decrement(ctx, tx, &models.Product{}, productID, qty)
}

func (l *Ledger) decrement(ctx context.Context, tx *gorm.DB, model any, id uuid.UUID, qty int) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if qty <= 0 {
		return fmt.Errorf("decrement quantity must be positive, got %d", qty)
	}
	res := tx.WithContext(ctx).
		Model(model).
		Where("id = ? AND stock >= ?", id, qty).
		UpdateColumn("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if l.metrics != nil {
			l.metrics.IncStockConflict()
		}
		return ErrInsufficientStock
	}
	return nil
}

// TargetKind selects which counter SetStock writes.
type TargetKind string

const (
	TargetProduct TargetKind = "product"
	TargetVariant TargetKind = "variant"
)

type StockTarget struct {
	Kind TargetKind
	ID   uuid.UUID
}

// StockLevel is returned after an admin adjustment.
type StockLevel struct {
	ID    uuid.UUID  `json:"id"`
	Kind  TargetKind `json:"kind"`
	Stock int        `json:"stock"`
}

// SetStock overwrites a counter with an absolute value.
func (l *Ledger) SetStock(ctx context.Context, target StockTarget, stock int) (*StockLevel, error) {
	if stock < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock must be zero or greater")
	}
	if target.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "target id is required")
	}

	var model any
	switch target.Kind {
	case TargetProduct:
		model = &models.Product{}
	case TargetVariant:
		model = &models.ProductVariant{}
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown stock target")
	}

	res := l.db.WithContext(ctx).
		Model(model).
		Where("id = ?", target.ID).
		Update("stock", stock)
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "set stock")
	}
	if res.RowsAffected == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s not found", target.Kind))
	}
	return &StockLevel{ID: target.ID, Kind: target.Kind, Stock: stock}, nil
}
