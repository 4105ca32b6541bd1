package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
	"github.com/angelmondragon/storefront-backend/pkg/pubsub"
)

func orderRow(t *testing.T, attempts int) models.OutboxEvent {
	t.Helper()
	orderID := uuid.New()
	data, err := json.Marshal(outbox.OrderPlacedEvent{OrderID: orderID, Status: enums.OrderStatusPending})
	require.NoError(t, err)
	payload, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	require.NoError(t, err)
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderPlaced,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Payload:       payload,
		AttemptCount:  attempts,
		CreatedAt:     time.Now(),
	}
}

func newTestRelay(t *testing.T, st *fakeStore, sk *fakeSink, maxAttempts int) (*Relay, *fakeMetrics) {
	t.Helper()
	reg, err := registry.NewEventRegistry(config.PubSubConfig{OrdersTopic: "orders-topic"})
	require.NoError(t, err)
	m := &fakeMetrics{outcomes: map[string]int{}}
	r, err := New(Params{
		Logger:       logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard}),
		DB:           fakeDB{},
		Sink:         sk,
		Store:        st,
		Registry:     reg,
		Metrics:      m,
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  maxAttempts,
	})
	require.NoError(t, err)
	return r, m
}

func TestDrainContinuesAfterFailure(t *testing.T) {
	rows := []models.OutboxEvent{orderRow(t, 0), orderRow(t, 0)}
	st := &fakeStore{rows: rows}
	sk := &fakeSink{errs: []error{errors.New("transient"), nil}}
	r, m := newTestRelay(t, st, sk, 5)

	stats, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.claimed)
	require.Equal(t, 1, stats.settled)
	require.Equal(t, []uuid.UUID{rows[0].ID}, st.failed)
	require.Equal(t, []uuid.UUID{rows[1].ID}, st.published)
	require.Equal(t, 1, m.outcomes["retry"])
	require.Equal(t, 1, m.outcomes["published"])
	require.Equal(t, 1, m.batches)
}

func TestRetryHoldsLaterEventsForSameOrder(t *testing.T) {
	first := orderRow(t, 0)
	second := orderRow(t, 0)
	second.AggregateID = first.AggregateID
	other := orderRow(t, 0)
	st := &fakeStore{rows: []models.OutboxEvent{first, second, other}}
	sk := &fakeSink{errs: []error{errors.New("transient")}}
	r, m := newTestRelay(t, st, sk, 5)

	stats, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.claimed)
	require.Equal(t, 1, stats.settled)
	require.Equal(t, []uuid.UUID{first.ID}, st.failed)
	require.Equal(t, []uuid.UUID{other.ID}, st.published)
	require.Len(t, sk.sent, 2)
	require.Equal(t, other.AggregateID.String(), sk.sent[1].OrderingKey)
	require.Equal(t, 1, m.outcomes["retry"])
}

func TestTerminalEventDoesNotHoldLaterEvents(t *testing.T) {
	first := orderRow(t, 4)
	second := orderRow(t, 0)
	second.AggregateID = first.AggregateID
	st := &fakeStore{rows: []models.OutboxEvent{first, second}}
	sk := &fakeSink{errs: []error{errors.New("transient")}}
	r, _ := newTestRelay(t, st, sk, 5)

	stats, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.settled)
	require.Equal(t, []uuid.UUID{first.ID}, st.terminal)
	require.Equal(t, []uuid.UUID{second.ID}, st.published)
}

func TestPublishCarriesAttributesAndOrderingKey(t *testing.T) {
	row := orderRow(t, 0)
	sk := &fakeSink{}
	r, _ := newTestRelay(t, &fakeStore{rows: []models.OutboxEvent{row}}, sk, 5)

	_, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, sk.sent, 1)

	msg := sk.sent[0]
	require.Equal(t, "orders-topic", sk.topics[0])
	require.Equal(t, "order_placed", msg.Attributes["event_type"])
	require.Equal(t, row.AggregateID.String(), msg.Attributes["aggregate_id"])
	require.Equal(t, row.AggregateID.String(), msg.OrderingKey)
	require.NotEmpty(t, msg.Attributes["event_id"])
	require.JSONEq(t, string(row.Payload), string(msg.Data))
}

func TestUnresolvableRowIsTerminal(t *testing.T) {
	row := orderRow(t, 0)
	row.Payload = json.RawMessage(`{"version":1}`)
	st := &fakeStore{rows: []models.OutboxEvent{row}}
	sk := &fakeSink{}
	r, m := newTestRelay(t, st, sk, 5)

	_, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{row.ID}, st.terminal)
	require.Empty(t, sk.sent)
	require.Equal(t, 1, m.outcomes["terminal"])
}

func TestLastAttemptIsTerminal(t *testing.T) {
	st := &fakeStore{rows: []models.OutboxEvent{orderRow(t, 1)}}
	r, _ := newTestRelay(t, st, &fakeSink{errs: []error{errors.New("transient")}}, 2)

	_, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, st.terminal, 1)
	require.Empty(t, st.failed)
}

func TestMissingTopicIsTerminal(t *testing.T) {
	st := &fakeStore{rows: []models.OutboxEvent{orderRow(t, 0)}}
	r, _ := newTestRelay(t, st, &fakeSink{errs: []error{status.Error(codes.NotFound, "topic missing")}}, 5)

	_, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, st.terminal, 1)
}

func TestOutcomeStoreFailureAbortsBatch(t *testing.T) {
	st := &fakeStore{rows: []models.OutboxEvent{orderRow(t, 0)}, markErr: errors.New("db gone")}
	r, _ := newTestRelay(t, st, &fakeSink{}, 5)

	_, err := r.drain(context.Background())
	require.ErrorContains(t, err, "record published outcome")
}

func TestEmptyBatchClaimsNothing(t *testing.T) {
	r, m := newTestRelay(t, &fakeStore{}, &fakeSink{}, 5)
	stats, err := r.drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.claimed)
	require.Zero(t, m.batches)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _ := newTestRelay(t, &fakeStore{}, &fakeSink{}, 5)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRunFailsFastWhenSinkIsDown(t *testing.T) {
	r, _ := newTestRelay(t, &fakeStore{}, &fakeSink{pingErr: errors.New("no credentials")}, 5)
	require.ErrorContains(t, r.Run(context.Background()), "pubsub ping failed")
}

func TestBackoffAndJitter(t *testing.T) {
	require.Equal(t, 200*time.Millisecond, nextBackoff(100*time.Millisecond))
	require.Equal(t, maxBackoff, nextBackoff(8*time.Second))

	base := 100 * time.Millisecond
	for range 20 {
		got := withJitter(base)
		require.GreaterOrEqual(t, got, base)
		require.Less(t, got, base+jitterWindow)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	require.Error(t, err)
}

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return fn(nil) }

type fakeSink struct {
	errs    []error
	pingErr error
	sent    []pubsub.Message
	topics  []string
}

func (f *fakeSink) Ping(context.Context) error { return f.pingErr }

func (f *fakeSink) Publish(_ context.Context, topic string, msg pubsub.Message) (string, error) {
	f.sent = append(f.sent, msg)
	f.topics = append(f.topics, topic)
	if len(f.errs) == 0 {
		return "server-id", nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return "server-id", err
}

type fakeStore struct {
	rows      []models.OutboxEvent
	markErr   error
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
}

func (f *fakeStore) ClaimPending(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	return f.rows, nil
}

func (f *fakeStore) MarkPublished(_ *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return f.markErr
}

func (f *fakeStore) MarkFailed(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return f.markErr
}

func (f *fakeStore) MarkTerminal(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.terminal = append(f.terminal, id)
	return f.markErr
}

type fakeMetrics struct {
	outcomes map[string]int
	batches  int
}

func (f *fakeMetrics) ObserveEvent(_, outcome string) { f.outcomes[outcome]++ }
func (f *fakeMetrics) ObserveBatch(time.Duration)     { f.batches++ }
