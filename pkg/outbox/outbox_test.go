package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:outbox_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(models.All()...))
	return conn
}

func TestEmitWritesEnvelope(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil, true)

	orderID := uuid.New()
	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &ActorRef{UserID: uuid.New(), Role: enums.UserRoleCustomer},
			Data:          OrderPlacedEvent{OrderID: orderID, Status: enums.OrderStatusPending},
		})
	})
	require.NoError(t, err)

	rows, err := repo.FindByAggregate(orderID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, enums.EventOrderPlaced, rows[0].EventType)
	require.Nil(t, rows[0].PublishedAt)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	require.Equal(t, 1, envelope.Version)
	require.NotEmpty(t, envelope.EventID)

	var data OrderPlacedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	require.Equal(t, orderID, data.OrderID)
}

func TestEmitRolledBackWithTransaction(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil, true)
	orderID := uuid.New()

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Data:          map[string]string{"k": "v"},
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	rows, err := repo.FindByAggregate(orderID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestEmitDisabledIsNoop(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil, false)
	orderID := uuid.New()

	require.NoError(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     enums.EventOrderPlaced,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
	}))
	rows, err := repo.FindByAggregate(orderID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := NewService(NewRepository(nil), nil, true)
	err := svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventOrderPlaced})
	require.Error(t, err)
}

func TestFetchAndMarkLifecycle(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, repo.Insert(conn, models.OutboxEvent{
			ID:            ids[i],
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{"version":1,"data":{}}`),
		}))
	}

	require.NoError(t, repo.MarkPublished(conn, ids[0]))
	require.NoError(t, repo.MarkTerminal(conn, ids[1], errors.New("bad payload")))
	require.NoError(t, repo.MarkFailed(conn, ids[2], errors.New("broker down")))

	rows, err := repo.ClaimPending(conn, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ids[2], rows[0].ID)
	require.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].LastError)
	require.Equal(t, "broker down", *rows[0].LastError)

	rows, err = repo.ClaimPending(conn, 10, 1)
	require.NoError(t, err)
	require.Empty(t, rows, "rows at max attempts are skipped")
}

func TestEmitRejectsIncompleteEvent(t *testing.T) {
	conn := openTestDB(t)
	svc := NewService(NewRepository(conn), nil, true)

	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
		})
	})
	require.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"version":1,"eventId":"e-1","occurredAt":"2026-03-01T00:00:00Z","data":{"a":1}}`))
	require.NoError(t, err)
	require.Equal(t, "e-1", env.EventID)
	require.JSONEq(t, `{"a":1}`, string(env.Data))

	_, err = DecodeEnvelope([]byte(`{"version":1,"eventId":"e-1","data":null}`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"version":1,"data":{}}`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestDeleteDeliveredBeforeKeepsPendingRows(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)

	published, terminal, pending := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{published, terminal, pending} {
		require.NoError(t, repo.Insert(conn, models.OutboxEvent{
			ID:            id,
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{"version":1,"data":{}}`),
		}))
	}
	require.NoError(t, repo.MarkPublished(conn, published))
	require.NoError(t, repo.MarkTerminal(conn, terminal, errors.New("bad payload")))

	deleted, err := repo.DeleteDeliveredBefore(context.Background(), conn, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, deleted, "recent rows are retained")

	deleted, err = repo.DeleteDeliveredBefore(context.Background(), conn, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, conn.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, pending, remaining[0].ID)
}
