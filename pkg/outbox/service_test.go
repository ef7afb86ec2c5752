package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
)

func TestEmitWritesEnvelope(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(NewRepository(db), nil)
	orderID := uuid.New()
	userID := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:   enums.EventOrderCreated,
			AggregateID: orderID,
			Actor:       UserActor(userID),
			Data:        payloads.OrderCreatedEvent{OrderID: orderID, OrderNumber: "ORD-1-abc", TotalMinor: 1000},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, enums.AggregateOrder, row.AggregateType)
	require.Equal(t, orderID, row.AggregateID)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &envelope))
	require.Equal(t, row.ID.String(), envelope.EventID)
	require.Equal(t, CurrentVersion, envelope.Version)
	require.NotNil(t, envelope.Actor)
	require.Equal(t, enums.ActorUser, envelope.Actor.Actor)

	var data payloads.OrderCreatedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	require.Equal(t, int64(1000), data.TotalMinor)
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(NewRepository(db), nil)

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:   enums.EventOrderPaid,
			AggregateID: uuid.New(),
			Data:        payloads.OrderPaidEvent{},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEmitRejectsInvalidEvents(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(NewRepository(db), nil)

	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventOrderPaid, AggregateID: uuid.New()}))
	require.Error(t, svc.Emit(context.Background(), db, DomainEvent{EventType: "nope", AggregateID: uuid.New()}))
	require.Error(t, svc.Emit(context.Background(), db, DomainEvent{EventType: enums.EventOrderPaid}))
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	db := dbtest.New(t)
	repo := NewRepository(db)
	svc := NewService(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Emit(ctx, db, DomainEvent{
			EventType:   enums.EventOrderStatusChanged,
			AggregateID: uuid.New(),
			Data:        payloads.OrderStatusChangedEvent{To: enums.OrderStatusShipped},
		}))
	}

	rows, err := repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.NoError(t, repo.MarkPublishedTx(db, rows[0].ID))
	require.NoError(t, repo.MarkFailedTx(db, rows[1].ID, errors.New("publish timeout")))
	require.NoError(t, repo.MarkTerminalTx(db, rows[2].ID, 3, errors.New("bad payload")))

	pending, err := repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, rows[1].ID, pending[0].ID)
	require.Equal(t, 1, pending[0].AttemptCount)
	require.NotNil(t, pending[0].LastError)

	stuck, err := repo.CountStuck(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), stuck)

	deleted, err := repo.DeletePublishedBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
}
