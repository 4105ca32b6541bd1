// Package relay moves committed outbox rows to Pub/Sub. Each poll claims a
// batch inside one transaction, publishes the rows in order and records the
// outcome of every row before committing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
	"github.com/angelmondragon/storefront-backend/pkg/pubsub"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type outcome string

const (
	outcomePublished outcome = "published"
	outcomeRetry     outcome = "retry"
	outcomeTerminal  outcome = "terminal"
)

type txRunner interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type sink interface {
	Ping(context.Context) error
	Publish(ctx context.Context, topic string, msg pubsub.Message) (string, error)
}

type store interface {
	ClaimPending(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(tx *gorm.DB, id uuid.UUID) error
	MarkFailed(tx *gorm.DB, id uuid.UUID, cause error) error
	MarkTerminal(tx *gorm.DB, id uuid.UUID, cause error) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type observer interface {
	ObserveEvent(eventType, outcome string)
	ObserveBatch(time.Duration)
}

type Params struct {
	Logger   *logger.Logger
	DB       txRunner
	Sink     sink
	Store    store
	Registry resolver
	Metrics  observer

	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	PublishTimeout time.Duration
}

type Relay struct {
	logg     *logger.Logger
	db       txRunner
	sink     sink
	store    store
	registry resolver
	metrics  observer

	batchSize      int
	pollInterval   time.Duration
	maxAttempts    int
	publishTimeout time.Duration
}

func positive[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

func New(p Params) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.Sink == nil:
		return nil, errors.New("pubsub sink is required")
	case p.Store == nil:
		return nil, errors.New("outbox store is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	}
	return &Relay{
		logg:           p.Logger,
		db:             p.DB,
		sink:           p.Sink,
		store:          p.Store,
		registry:       p.Registry,
		metrics:        p.Metrics,
		batchSize:      positive(p.BatchSize, defaultBatchSize),
		pollInterval:   positive(p.PollInterval, defaultPollInterval),
		maxAttempts:    positive(p.MaxAttempts, defaultMaxAttempts),
		publishTimeout: positive(p.PublishTimeout, defaultPublishTimeout),
	}, nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll; an empty one sleeps for the poll interval. Batch errors back
// off exponentially up to maxBackoff.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := r.sink.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub ping failed: %w", err)
	}

	delay := r.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats, err := r.drain(ctx)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox.batch_failed", err)
			delay = nextBackoff(delay)
		case stats.claimed > 0 && stats.settled == stats.claimed:
			delay = r.pollInterval
			continue
		default:
			delay = r.pollInterval
		}
		if err := sleep(ctx, withJitter(delay)); err != nil {
			return err
		}
	}
}

// batchStats counts claimed rows and the ones that left the pending set.
// Retried and deferred rows are claimed but not settled.
type batchStats struct {
	claimed int
	settled int
}

// drain handles one batch.
func (r *Relay) drain(ctx context.Context) (batchStats, error) {
	start := time.Now()
	var stats batchStats
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.store.ClaimPending(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return err
		}
		stats.claimed = len(rows)
		// rows behind a retry for the same aggregate stay pending so the
		// ordering key never sees them first.
		held := make(map[uuid.UUID]struct{})
		for _, row := range rows {
			if _, ok := held[row.AggregateID]; ok {
				r.logg.Debug(r.logg.WithFields(ctx, rowFields(row)), "outbox.publish_deferred")
				continue
			}
			result, err := r.deliver(ctx, tx, row)
			if err != nil {
				return err
			}
			if result == outcomeRetry {
				held[row.AggregateID] = struct{}{}
				continue
			}
			stats.settled++
		}
		return nil
	})
	if stats.claimed > 0 && r.metrics != nil {
		r.metrics.ObserveBatch(time.Since(start))
	}
	return stats, err
}

// deliver publishes one row and records the outcome. It only returns an
// error when the outcome itself could not be stored.
func (r *Relay) deliver(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) (outcome, error) {
	fields := rowFields(row)
	resolved, err := r.registry.Resolve(row)
	if err == nil {
		fields["topic"] = resolved.Descriptor.Topic
		fields["event_id"] = resolved.Envelope.EventID
		err = r.publish(ctx, row, resolved)
	}
	result := r.classify(row, err)
	logCtx := r.logg.WithFields(ctx, fields)

	switch result {
	case outcomePublished:
		err = r.store.MarkPublished(tx, row.ID)
		r.logg.Debug(logCtx, "outbox.published")
	case outcomeRetry:
		r.logg.Warn(r.logg.WithField(logCtx, "error", err.Error()), "outbox.publish_retry")
		err = r.store.MarkFailed(tx, row.ID, err)
	case outcomeTerminal:
		r.logg.Warn(r.logg.WithField(logCtx, "error", err.Error()), "outbox.publish_abandoned")
		err = r.store.MarkTerminal(tx, row.ID, err)
	}
	if err != nil {
		return result, fmt.Errorf("record %s outcome for %s: %w", result, row.ID, err)
	}
	if r.metrics != nil {
		r.metrics.ObserveEvent(string(row.EventType), string(result))
	}
	return result, nil
}

// classify turns a publish error into an outcome. Rows run out of retries
// when the attempt about to be recorded reaches maxAttempts.
func (r *Relay) classify(row models.OutboxEvent, err error) outcome {
	switch {
	case err == nil:
		return outcomePublished
	case registry.IsPermanent(err):
		return outcomeTerminal
	case row.AttemptCount+1 >= r.maxAttempts:
		return outcomeTerminal
	default:
		return outcomeRetry
	}
}

// publish sends the stored envelope unchanged. The aggregate id is the
// ordering key so one order's events arrive in commit order.
func (r *Relay) publish(ctx context.Context, row models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	publishCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	_, err := r.sink.Publish(publishCtx, resolved.Descriptor.Topic, pubsub.Message{
		Data:        row.Payload,
		OrderingKey: row.AggregateID.String(),
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"occurred_at":    resolved.Envelope.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	})
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.InvalidArgument:
		return registry.Permanent(err)
	}
	return err
}

func rowFields(row models.OutboxEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      row.ID.String(),
		"event_type":     string(row.EventType),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID.String(),
		"attempt_count":  row.AttemptCount,
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current time.Duration) time.Duration {
	return min(current*2, maxBackoff)
}

func withJitter(d time.Duration) time.Duration {
	return d + rand.N(jitterWindow)
}
