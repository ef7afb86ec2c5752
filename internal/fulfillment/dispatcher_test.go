package fulfillment

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	dbpkg "github.com/angelmondragon/fulfillment-core/pkg/db"
	"github.com/angelmondragon/fulfillment-core/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/retry"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type stubVendor struct {
	mu        sync.Mutex
	failures  int
	err       error
	calls     int
	requests  []shipping.ShipmentRequest
	track     *shipping.TrackingInfo
	trackErr  error
	onCreate  func()
	cancelled []string
	cancelErr error
}

func (v *stubVendor) CreateShipment(_ context.Context, req shipping.ShipmentRequest) (*shipping.ShipmentRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.onCreate != nil {
		v.onCreate()
	}
	v.calls++
	v.requests = append(v.requests, req)
	if v.err != nil && (v.failures < 0 || v.calls <= v.failures) {
		return nil, v.err
	}
	return &shipping.ShipmentRef{
		VendorOrderID:    "SR-" + req.OrderNumber,
		VendorShipmentID: "SHP-1",
		Status:           "NEW",
		AWB:              "AWB123",
		Carrier:          "Delhivery",
		TrackingURL:      "https://track.example/AWB123",
	}, nil
}

func (v *stubVendor) CancelShipment(_ context.Context, vendorOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, vendorOrderID)
	return v.cancelErr
}

func (v *stubVendor) TrackShipment(_ context.Context, _ string) (*shipping.TrackingInfo, error) {
	return v.track, v.trackErr
}

func (v *stubVendor) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type dispatchFixture struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	supervisor *retry.Supervisor
	vendor     *stubVendor
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	db := dbtest.New(t)
	logg := logger.New(logger.Options{ServiceName: "fulfillment-test", Output: io.Discard})
	tx := dbpkg.Wrap(db)
	emitter := outbox.NewService(outbox.NewRepository(db), logg)
	repo := orders.NewRepository(db)
	status, err := orders.NewService(repo, tx, emitter, logg, 7*24*time.Hour)
	require.NoError(t, err)
	sup, err := retry.NewSupervisor(retry.Policy{Attempts: 3, Base: time.Millisecond}, logg, nil, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	f := &dispatchFixture{db: db, supervisor: sup, vendor: &stubVendor{}}
	f.dispatcher, err = NewDispatcher(DispatcherParams{
		Supervisor: sup,
		Client:     f.vendor,
		Orders:     repo,
		Status:     status,
		Tx:         tx,
		Outbox:     emitter,
		Logger:     logg,
	})
	require.NoError(t, err)
	return f
}

func (f *dispatchFixture) await(t *testing.T) retry.Result {
	t.Helper()
	select {
	case res := <-f.supervisor.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for supervised task")
	}
	return retry.Result{}
}

func (f *dispatchFixture) reload(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, f.db.First(&order, "id = ?", id).Error)
	return order
}

func (f *dispatchFixture) events(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func TestScheduleBooksShipmentAndMovesToProcessing(t *testing.T) {
	f := newDispatchFixture(t)
	order := dbtest.SeedOrder(t, f.db, nil)

	f.dispatcher.Schedule(context.Background(), &order)
	res := f.await(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, order.ID.String(), res.Key)
	f.dispatcher.handleResult(context.Background(), res)

	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusProcessing, stored.Status)
	require.NotNil(t, stored.Shipment)
	assert.Equal(t, "AWB123", stored.Shipment.AWB)
	require.NotNil(t, stored.VendorOrderID)
	assert.Equal(t, "SR-"+order.OrderNumber, *stored.VendorOrderID)
	assert.False(t, stored.NeedsReconciliation)
	assert.Equal(t, int64(1), f.events(t, enums.EventShipmentCreated))
	assert.Equal(t, int64(1), f.events(t, enums.EventOrderStatusChanged))

	require.Len(t, f.vendor.requests, 1)
	assert.Equal(t, order.TotalMinor, f.vendor.requests[0].CollectableMinor)
	assert.False(t, f.vendor.requests[0].Prepaid)
}

func TestScheduleRetriesTransientFailures(t *testing.T) {
	f := newDispatchFixture(t)
	f.vendor.err = errors.New("vendor 503")
	f.vendor.failures = 2
	order := dbtest.SeedOrder(t, f.db, nil)

	f.dispatcher.Schedule(context.Background(), &order)
	res := f.await(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, enums.OrderStatusProcessing, f.reload(t, order.ID).Status)
}

func TestExhaustedShipmentLeavesOperatorNote(t *testing.T) {
	f := newDispatchFixture(t)
	f.vendor.err = errors.New("wrong pickup location")
	f.vendor.failures = -1
	order := dbtest.SeedOrder(t, f.db, nil)

	f.dispatcher.Schedule(context.Background(), &order)
	res := f.await(t)
	require.Error(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	f.dispatcher.handleResult(context.Background(), res)

	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusConfirmed, stored.Status)
	assert.True(t, stored.NeedsReconciliation)
	require.Len(t, stored.OperatorNotes, 1)
	assert.Contains(t, stored.OperatorNotes[0].Message, "after 3 attempts")
	assert.Contains(t, stored.OperatorNotes[0].Hint, "pickup")
	assert.Equal(t, int64(1), f.events(t, enums.EventShipmentFailed))
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	f := newDispatchFixture(t)
	f.vendor.err = pkgerrors.New(pkgerrors.CodeValidation, "phone must have 10 digits")
	f.vendor.failures = -1
	order := dbtest.SeedOrder(t, f.db, nil)

	f.dispatcher.Schedule(context.Background(), &order)
	res := f.await(t)
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	f.dispatcher.handleResult(context.Background(), res)

	stored := f.reload(t, order.ID)
	require.Len(t, stored.OperatorNotes, 1)
	assert.Contains(t, stored.OperatorNotes[0].Hint, "phone")
}

func TestScheduleSkipsCancelledOrder(t *testing.T) {
	f := newDispatchFixture(t)
	order := dbtest.SeedOrder(t, f.db, nil)
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", order.ID).Update("status", enums.OrderStatusCancelled).Error)

	f.dispatcher.Schedule(context.Background(), &order)
	res := f.await(t)
	require.ErrorIs(t, res.Err, errNotShippable)
	f.dispatcher.handleResult(context.Background(), res)

	assert.Zero(t, f.vendor.callCount())
	assert.Empty(t, f.reload(t, order.ID).OperatorNotes)
}

func TestBookingAfterCancelIsCancelledWithVendor(t *testing.T) {
	f := newDispatchFixture(t)
	order := dbtest.SeedOrder(t, f.db, nil)
	f.vendor.onCreate = func() {
		assert.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", order.ID).Update("status", enums.OrderStatusCancelled).Error)
	}

	f.dispatcher.Schedule(context.Background(), &order)
	require.NoError(t, f.await(t).Err)

	vendorID := "SR-" + order.OrderNumber
	assert.Equal(t, []string{vendorID}, f.vendor.cancelled)
	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
	require.NotNil(t, stored.Shipment)
	assert.Equal(t, shipping.StatusCanceled, stored.Shipment.VendorStatus)
	assert.False(t, stored.NeedsReconciliation)
	require.Len(t, stored.OperatorNotes, 2)
	assert.Contains(t, stored.OperatorNotes[1].Message, "cancelled")
	assert.Zero(t, f.events(t, enums.EventShipmentCreated))
}

func TestBookingAfterCancelFlagsWhenVendorCancelFails(t *testing.T) {
	f := newDispatchFixture(t)
	f.vendor.cancelErr = errors.New("vendor 500")
	order := dbtest.SeedOrder(t, f.db, nil)
	f.vendor.onCreate = func() {
		assert.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", order.ID).Update("status", enums.OrderStatusCancelled).Error)
	}

	f.dispatcher.Schedule(context.Background(), &order)
	require.NoError(t, f.await(t).Err)

	vendorID := "SR-" + order.OrderNumber
	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
	assert.True(t, stored.NeedsReconciliation)
	require.NotNil(t, stored.Shipment)
	assert.Equal(t, vendorID, stored.Shipment.VendorOrderID)
	require.Len(t, stored.OperatorNotes, 2)
	assert.Contains(t, stored.OperatorNotes[1].Message, "vendor cancellation failed")
	assert.Contains(t, stored.OperatorNotes[1].Hint, vendorID)
}

func TestRetryShipment(t *testing.T) {
	f := newDispatchFixture(t)

	booked := dbtest.SeedOrder(t, f.db, func(o *models.Order) {
		o.Shipment = &types.Shipment{VendorOrderID: "SR-9"}
	})
	_, err := f.dispatcher.RetryShipment(context.Background(), booked.ID)
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))

	cancelled := dbtest.SeedOrder(t, f.db, func(o *models.Order) { o.Status = enums.OrderStatusCancelled })
	_, err = f.dispatcher.RetryShipment(context.Background(), cancelled.ID)
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeIneligible))

	_, err = f.dispatcher.RetryShipment(context.Background(), uuid.New())
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

	pending := dbtest.SeedOrder(t, f.db, nil)
	_, err = f.dispatcher.RetryShipment(context.Background(), pending.ID)
	require.NoError(t, err)
	require.NoError(t, f.await(t).Err)
	assert.Equal(t, enums.OrderStatusProcessing, f.reload(t, pending.ID).Status)
}

func TestBuildShipmentRequestCollectable(t *testing.T) {
	cases := []struct {
		method      enums.PaymentMethod
		token       int64
		collectable int64
		prepaid     bool
	}{
		{enums.PaymentMethodCOD, 0, 200000, false},
		{enums.PaymentMethodCODToken, 10000, 190000, false},
		{enums.PaymentMethodOnline, 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.method), func(t *testing.T) {
			req := BuildShipmentRequest(&models.Order{
				OrderNumber:      "ORD-1",
				PaymentMethod:    tc.method,
				SubtotalMinor:    200000,
				TotalMinor:       200000,
				TokenAmountMinor: tc.token,
			})
			assert.Equal(t, tc.collectable, req.CollectableMinor)
			assert.Equal(t, tc.prepaid, req.Prepaid)
			assert.Equal(t, int64(200000), req.SubtotalMinor)
		})
	}
}

func TestTracking(t *testing.T) {
	f := newDispatchFixture(t)
	order := dbtest.SeedOrder(t, f.db, func(o *models.Order) {
		o.Status = enums.OrderStatusShipped
		o.Shipment = &types.Shipment{VendorOrderID: "SR-1", VendorShipmentID: "SHP-1", AWB: "AWB1"}
	})
	f.vendor.track = &shipping.TrackingInfo{Status: "IN TRANSIT", AWB: "AWB1"}

	view, err := f.dispatcher.Tracking(context.Background(), orders.Viewer{UserID: order.UserID}, order.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Live)
	assert.Equal(t, "IN TRANSIT", view.Live.Status)

	f.vendor.trackErr = errors.New("vendor down")
	view, err = f.dispatcher.Tracking(context.Background(), orders.Viewer{UserID: order.UserID}, order.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Live)
	assert.Equal(t, "AWB1", view.Shipment.AWB)

	_, err = f.dispatcher.Tracking(context.Background(), orders.Viewer{UserID: uuid.New()}, order.ID)
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))
}
