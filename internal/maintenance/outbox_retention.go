package maintenance

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const defaultOutboxRetention = 30 * 24 * time.Hour

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type deliveredEventPurger interface {
	DeleteDeliveredBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Outbox    deliveredEventPurger
	Retention time.Duration
	Now       func() time.Time
}

// OutboxRetention deletes published and terminal outbox rows older than the
// retention window. Undelivered rows are left for the publisher.
type OutboxRetention struct {
	logg      *logger.Logger
	db        txRunner
	outbox    deliveredEventPurger
	retention time.Duration
	now       func() time.Time
}

func NewOutboxRetention(params OutboxRetentionParams) (*OutboxRetention, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultOutboxRetention
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &OutboxRetention{
		logg:      params.Logger,
		db:        params.DB,
		outbox:    params.Outbox,
		retention: retention,
		now:       now,
	}, nil
}

func (t *OutboxRetention) Name() string { return "outbox-retention" }

func (t *OutboxRetention) Run(ctx context.Context) error {
	cutoff := t.now().UTC().Add(-t.retention)
	var deleted int64
	err := t.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := t.outbox.DeleteDeliveredBefore(ctx, tx, cutoff)
		deleted = rows
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	t.logg.Info(t.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "maintenance.outbox_purged")
	return nil
}
