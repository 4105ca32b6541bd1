package inventory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

type countingRecorder struct {
	conflicts int
}

func (c *countingRecorder) IncStockConflict() { c.conflicts++ }

func stockOf(t *testing.T, db *gorm.DB, model any, id uuid.UUID) int {
	t.Helper()
	var stock int
	require.NoError(t, db.Model(model).Where("id = ?", id).Select("stock").Scan(&stock).Error)
	return stock
}

func TestDecrementProductAndVariant(t *testing.T) {
	db := dbtest.Open(t)
	p := dbtest.MustCreateProduct(t, db, "Mug", "9.99", 5)
	v := dbtest.MustCreateVariant(t, db, p.ID, "Blue", "", 3)
	ledger := NewLedger(db, nil)

	ctx := context.Background()
	require.NoError(t, ledger.DecrementVariant(ctx, db, v.ID, 2))
	require.NoError(t, ledger.DecrementProduct(ctx, db, p.ID, 2))

	require.Equal(t, 1, stockOf(t, db, &models.ProductVariant{}, v.ID))
	require.Equal(t, 3, stockOf(t, db, &models.Product{}, p.ID))
}

func TestDecrementRefusesToGoNegative(t *testing.T) {
	db := dbtest.Open(t)
	p := dbtest.MustCreateProduct(t, db, "Mug", "9.99", 1)
	recorder := &countingRecorder{}
	ledger := NewLedger(db, recorder)

	err := ledger.DecrementProduct(context.Background(), db, p.ID, 2)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 1, recorder.conflicts)
	require.Equal(t, 1, stockOf(t, db, &models.Product{}, p.ID))

	err = ledger.DecrementProduct(context.Background(), db, uuid.New(), 1)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestDecrementRequiresTxAndPositiveQty(t *testing.T) {
	ledger := NewLedger(nil, nil)
	require.Error(t, ledger.DecrementProduct(context.Background(), nil, uuid.New(), 1))

	db := dbtest.Open(t)
	require.Error(t, NewLedger(db, nil).DecrementVariant(context.Background(), db, uuid.New(), 0))
}

func TestSetStock(t *testing.T) {
	db := dbtest.Open(t)
	p := dbtest.MustCreateProduct(t, db, "Mug", "9.99", 1)
	v := dbtest.MustCreateVariant(t, db, p.ID, "Red", "11.00", 0)
	ledger := NewLedger(db, nil)
	ctx := context.Background()

	level, err := ledger.SetStock(ctx, StockTarget{Kind: TargetProduct, ID: p.ID}, 40)
	require.NoError(t, err)
	require.Equal(t, 40, level.Stock)
	require.Equal(t, 40, stockOf(t, db, &models.Product{}, p.ID))

	_, err = ledger.SetStock(ctx, StockTarget{Kind: TargetVariant, ID: v.ID}, 0)
	require.NoError(t, err)

	_, err = ledger.SetStock(ctx, StockTarget{Kind: TargetVariant, ID: v.ID}, -1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = ledger.SetStock(ctx, StockTarget{Kind: TargetProduct, ID: uuid.New()}, 3)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
