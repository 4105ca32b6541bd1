package cart

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// ErrVersionConflict means the stored cart version moved past the expected one.
var ErrVersionConflict = errors.New("cart version conflict")

// Repository exposes persistence operations for a user's cart rows and the
// version counter guarding them.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) CartRepository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// ListByUser returns the user's cart rows in insertion order.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	var rows []models.CartItem
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteByUser removes every cart row for the user.
func (r *Repository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.CartItem{}).Error
}

// InsertItems bulk-inserts rows for the user.
func (r *Repository) InsertItems(ctx context.Context, userID uuid.UUID, items []models.CartItem) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].UserID = userID
		if items[i].ID == uuid.Nil {
			items[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

// CurrentVersion returns the stored version, or 0 when the user never wrote.
func (r *Repository) CurrentVersion(ctx context.Context, userID uuid.UUID) (int64, error) {
	var row models.CartVersion
	err := r.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Version, nil
}

// BumpVersion increments the counter and returns the new value. With a
// non-nil expected value the increment only happens if the stored version
// still matches; otherwise ErrVersionConflict is returned.
func (r *Repository) BumpVersion(ctx context.Context, userID uuid.UUID, expected *int64) (int64, error) {
	db := r.db.WithContext(ctx)

	if expected != nil && *expected > 0 {
		res := db.Model(&models.CartVersion{}).
			Where("user_id = ? AND version = ?", userID, *expected).
			UpdateColumn("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, ErrVersionConflict
		}
		return *expected + 1, nil
	}

	row := models.CartVersion{UserID: userID, Version: 1}
	if expected != nil {
		// version 0 means no row yet; whoever inserts first wins.
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, ErrVersionConflict
		}
		return row.Version, nil
	}

	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"version":    gorm.Expr("cart_versions.version + 1"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}
	return r.CurrentVersion(ctx, userID)
}
