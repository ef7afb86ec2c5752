package cancellation

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

	"github.com/angelmondragon/fulfillment-core/internal/inventory"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	dbpkg "github.com/angelmondragon/fulfillment-core/pkg/db"
	"github.com/angelmondragon/fulfillment-core/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type stubGateway struct {
	mu         sync.Mutex
	payments   map[string]*gateway.Payment
	refunds    []int64
	fetches    int
	refundErr  error
	refundSeen string
}

func (g *stubGateway) FetchPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	payment, ok := g.payments[paymentID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return payment, nil
}

func (g *stubGateway) Refund(_ context.Context, paymentID string, amountMinor int64, _ string) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, amountMinor)
	g.refundSeen = paymentID
	return &gateway.Refund{ID: "rfnd_1", PaymentID: paymentID, AmountMinor: amountMinor, Status: "processed"}, nil
}

type stubCanceller struct {
	cancelled []string
	err       error
}

func (c *stubCanceller) CancelShipment(_ context.Context, vendorOrderID string) error {
	c.cancelled = append(c.cancelled, vendorOrderID)
	return c.err
}

// failingEmitter rejects one event type to simulate a local write failure.
type failingEmitter struct {
	outbox.Emitter
	fail enums.OutboxEventType
}

func (f failingEmitter) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if event.EventType == f.fail {
		return errors.New("outbox unavailable")
	}
	return f.Emitter.Emit(ctx, tx, event)
}

type fixture struct {
	db       *gorm.DB
	svc      *service
	gateway  *stubGateway
	shipping *stubCanceller
}

func newFixture(t *testing.T, emitterWrap func(outbox.Emitter) outbox.Emitter) *fixture {
	t.Helper()
	db := dbtest.New(t)
	logg := logger.New(logger.Options{ServiceName: "cancellation-test", Output: io.Discard})
	tx := dbpkg.Wrap(db)
	var emitter outbox.Emitter = outbox.NewService(outbox.NewRepository(db), logg)
	if emitterWrap != nil {
		emitter = emitterWrap(emitter)
	}
	repo := orders.NewRepository(db)
	status, err := orders.NewService(repo, tx, emitter, logg, 7*24*time.Hour)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		gateway:  &stubGateway{payments: map[string]*gateway.Payment{}},
		shipping: &stubCanceller{},
	}
	svc, err := NewService(Deps{
		Tx:       tx,
		Orders:   repo,
		Status:   status,
		Ledger:   inventory.NewLedger(db, logg, nil),
		Gateway:  f.gateway,
		Shipping: f.shipping,
		Outbox:   emitter,
		Logger:   logg,
	})
	require.NoError(t, err)
	f.svc = svc.(*service)
	return f
}

func (f *fixture) seedCOD(t *testing.T, mutate func(*models.Order)) models.Order {
	t.Helper()
	order := dbtest.SeedOrder(t, f.db, mutate)
	dbtest.SeedStock(t, f.db, order.Items[0].ProductID, order.Items[0].Size, 3)
	return order
}

func (f *fixture) seedPaid(t *testing.T, mutate func(*models.Order)) models.Order {
	t.Helper()
	paymentID := "pay_" + uuid.NewString()[:8]
	order := f.seedCOD(t, func(o *models.Order) {
		intentID := "order_" + paymentID
		o.PaymentMethod = enums.PaymentMethodOnline
		o.PaymentStatus = enums.PaymentStatusCompleted
		o.Status = enums.OrderStatusPaid
		o.GatewayIntentID = &intentID
		o.GatewayPaymentID = &paymentID
		if mutate != nil {
			mutate(o)
		}
	})
	f.gateway.payments[paymentID] = &gateway.Payment{
		ID:          paymentID,
		Status:      gateway.PaymentStatusCaptured,
		AmountMinor: order.TotalMinor,
		Captured:    true,
	}
	if order.PaymentMethod == enums.PaymentMethodCODToken {
		f.gateway.payments[paymentID].AmountMinor = order.TokenAmountMinor
	}
	return order
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, f.db.First(&order, "id = ?", id).Error)
	return order
}

func (f *fixture) stock(t *testing.T, order models.Order) int {
	t.Helper()
	qty, err := inventory.NewLedger(f.db, nil, nil).Available(context.Background(), order.Items[0].ProductID, order.Items[0].Size)
	require.NoError(t, err)
	return qty
}

func (f *fixture) events(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func requireReason(t *testing.T, err error, code pkgerrors.Code, reason string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, pkgerrors.Is(err, code), "got %v", err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, reason, details["reason"])
}

func TestCancelCODRestocksWithoutRefund(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedCOD(t, nil)

	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "changed my mind")
	require.NoError(t, err)
	assert.Nil(t, res.Refund)
	assert.Equal(t, enums.OrderStatusCancelled, res.Order.Status)

	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
	require.NotNil(t, stored.CancellationReason)
	assert.Equal(t, "changed my mind", *stored.CancellationReason)
	assert.NotNil(t, stored.CancelledAt)
	assert.Equal(t, 5, f.stock(t, order))
	assert.Equal(t, int64(1), f.events(t, enums.EventOrderCanceled))
	assert.Zero(t, f.events(t, enums.EventRefundIssued))
	assert.Zero(t, f.gateway.fetches)
}

func TestCancelGates(t *testing.T) {
	f := newFixture(t, nil)

	order := f.seedCOD(t, nil)
	_, err := f.svc.Cancel(context.Background(), uuid.New(), order.ID, "")
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))

	_, err = f.svc.Cancel(context.Background(), order.UserID, uuid.New(), "")
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

	delivered := f.seedCOD(t, func(o *models.Order) { o.Status = enums.OrderStatusDelivered })
	_, err = f.svc.Cancel(context.Background(), delivered.UserID, delivered.ID, "")
	requireReason(t, err, pkgerrors.CodeIneligible, "order_closed")

	shipped := f.seedCOD(t, func(o *models.Order) { o.Status = enums.OrderStatusShipped })
	_, err = f.svc.Cancel(context.Background(), shipped.UserID, shipped.ID, "")
	requireReason(t, err, pkgerrors.CodeIneligible, "order_closed")
}

func TestCancelWindowBoundary(t *testing.T) {
	f := newFixture(t, nil)
	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	late := f.seedCOD(t, func(o *models.Order) { o.CancellationDeadline = deadline })
	f.svc.now = func() time.Time { return deadline.Add(time.Nanosecond) }
	_, err := f.svc.Cancel(context.Background(), late.UserID, late.ID, "")
	requireReason(t, err, pkgerrors.CodeIneligible, "cancellation_window_expired")

	onTime := f.seedCOD(t, func(o *models.Order) { o.CancellationDeadline = deadline })
	f.svc.now = func() time.Time { return deadline }
	res, err := f.svc.Cancel(context.Background(), onTime.UserID, onTime.ID, "")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, res.Order.Status)
}

func TestCancelCancelsVendorShipmentWhenAllowed(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedCOD(t, func(o *models.Order) {
		vendorID := "SR-100"
		o.VendorOrderID = &vendorID
		o.Shipment = &types.Shipment{VendorOrderID: vendorID, VendorStatus: "NEW"}
	})

	_, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"SR-100"}, f.shipping.cancelled)
	assert.Empty(t, f.reload(t, order.ID).OperatorNotes)
}

func TestCancelSkipsVendorOnceProcessing(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedCOD(t, func(o *models.Order) {
		vendorID := "SR-200"
		o.Status = enums.OrderStatusProcessing
		o.VendorOrderID = &vendorID
		o.Shipment = &types.Shipment{VendorOrderID: vendorID, VendorStatus: "PICKUP SCHEDULED"}
	})

	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, res.Order.Status)
	assert.Empty(t, f.shipping.cancelled)

	stored := f.reload(t, order.ID)
	require.Len(t, stored.OperatorNotes, 1)
	assert.Contains(t, stored.OperatorNotes[0].Message, "vendor cancellation skipped")
}

func TestCancelCapturedRefundsFullAmount(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, nil)

	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "ordered by mistake")
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, order.TotalMinor, res.Refund.AmountMinor)
	assert.Equal(t, enums.RefundStatusProcessed, res.Refund.Status)
	assert.Equal(t, enums.ActorUser, res.Refund.Actor)
	assert.Equal(t, []int64{order.TotalMinor}, f.gateway.refunds)

	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
	assert.Equal(t, enums.PaymentStatusRefunded, stored.PaymentStatus)
	require.NotNil(t, stored.GatewayRefundID)
	assert.Equal(t, "rfnd_1", *stored.GatewayRefundID)
	assert.NotNil(t, stored.RefundedAt)
	assert.Equal(t, 5, f.stock(t, order))
	assert.Equal(t, int64(1), f.events(t, enums.EventRefundIssued))
	assert.Equal(t, int64(1), f.events(t, enums.EventOrderCanceled))

	_, err = f.svc.Cancel(context.Background(), order.UserID, order.ID, "again")
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeIneligible))
	assert.Len(t, f.gateway.refunds, 1)
}

func TestCancelTokenOrderRefundsTokenOnly(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, func(o *models.Order) {
		o.PaymentMethod = enums.PaymentMethodCODToken
		o.PaymentStatus = enums.PaymentStatusPartiallyPaid
		o.Status = enums.OrderStatusConfirmed
		o.TokenAmountMinor = 10000
	})

	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Refund.AmountMinor)
	assert.Equal(t, []int64{10000}, f.gateway.refunds)
}

func TestCancelRefusesPendingRefundClaim(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, func(o *models.Order) {
		o.Refund = &types.Refund{Status: enums.RefundStatusPending, Actor: enums.ActorUser, CreatedAt: time.Now()}
	})

	_, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	requireReason(t, err, pkgerrors.CodeIneligible, "refund_exists")
	assert.Zero(t, f.gateway.fetches)
	assert.Empty(t, f.gateway.refunds)
}

func TestCancelReleasesClaimWhenGatewayRefuses(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, nil)
	f.gateway.refundErr = pkgerrors.New(pkgerrors.CodeValidation, "gateway refund rejected")

	_, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	stored := f.reload(t, order.ID)
	assert.Nil(t, stored.Refund)
	assert.False(t, stored.NeedsReconciliation)
	assert.Equal(t, enums.OrderStatusPaid, stored.Status)
	assert.Equal(t, 3, f.stock(t, order))

	f.gateway.refundErr = nil
	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.NoError(t, err)
	assert.NotNil(t, res.Refund)
}

func TestCancelKeepsClaimWhenRefundOutcomeUnknown(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, nil)
	f.gateway.refundErr = pkgerrors.Wrap(pkgerrors.CodeDependency, context.DeadlineExceeded, "execute gateway refund")

	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Message, *order.GatewayPaymentID)

	stored := f.reload(t, order.ID)
	require.NotNil(t, stored.Refund)
	assert.Equal(t, enums.RefundStatusPending, stored.Refund.Status)
	assert.True(t, stored.NeedsReconciliation)
	require.Len(t, stored.OperatorNotes, 1)
	assert.Contains(t, stored.OperatorNotes[0].Hint, *order.GatewayPaymentID)
	assert.Equal(t, enums.OrderStatusPaid, stored.Status)
	assert.Equal(t, 3, f.stock(t, order))

	// The gateway recovers; the held claim still blocks a second refund call.
	f.gateway.refundErr = nil
	_, err = f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	requireReason(t, err, pkgerrors.CodeIneligible, "refund_exists")
	admin := uuid.New()
	_, err = f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: order.ID, Reason: "retry"})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeIneligible))
	assert.Empty(t, f.gateway.refunds)
}

func TestAdminRefundKeepsClaimWhenRefundOutcomeUnknown(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, func(o *models.Order) { o.Status = enums.OrderStatusDelivered })
	f.gateway.refundErr = pkgerrors.New(pkgerrors.CodeDependency, "gateway status 502")
	admin := uuid.New()

	res, err := f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: order.ID, Reason: "damaged"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	stored := f.reload(t, order.ID)
	require.NotNil(t, stored.Refund)
	assert.Equal(t, enums.ActorAdmin, stored.Refund.Actor)
	assert.True(t, stored.NeedsReconciliation)

	f.gateway.refundErr = nil
	_, err = f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: order.ID, Reason: "damaged"})
	requireReason(t, err, pkgerrors.CodeIneligible, "refund_exists")
	assert.Empty(t, f.gateway.refunds)
}

func TestCancelConcurrentRequestsRefundOnce(t *testing.T) {
	f := newFixture(t, nil)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	order := f.seedPaid(t, nil)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, pkgerrors.Is(err, pkgerrors.CodeIneligible), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	f.gateway.mu.Lock()
	assert.Equal(t, []int64{order.TotalMinor}, f.gateway.refunds)
	f.gateway.mu.Unlock()

	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
	assert.Equal(t, 5, f.stock(t, order))
	assert.Equal(t, int64(1), f.events(t, enums.EventRefundIssued))
}

func TestCancelRejectsUncapturedGatewayPayment(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, nil)
	f.gateway.payments[*order.GatewayPaymentID].Status = gateway.PaymentStatusRefunded

	_, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	requireReason(t, err, pkgerrors.CodeIneligible, "payment_not_captured")
	assert.Nil(t, f.reload(t, order.ID).Refund)
	assert.Empty(t, f.gateway.refunds)
}

func TestCancelFlagsReconciliationWhenLocalWriteFails(t *testing.T) {
	f := newFixture(t, func(e outbox.Emitter) outbox.Emitter {
		return failingEmitter{Emitter: e, fail: enums.EventRefundIssued}
	})
	order := f.seedPaid(t, nil)

	res, err := f.svc.Cancel(context.Background(), order.UserID, order.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.NotNil(t, res.Refund)

	stored := f.reload(t, order.ID)
	assert.True(t, stored.NeedsReconciliation)
	assert.Equal(t, enums.OrderStatusPaid, stored.Status)
	assert.Equal(t, enums.PaymentStatusRefunded, stored.PaymentStatus)
	require.NotNil(t, stored.GatewayRefundID)
	require.Len(t, stored.OperatorNotes, 1)
	assert.Len(t, f.gateway.refunds, 1)
}

func TestAdminRefund(t *testing.T) {
	f := newFixture(t, nil)
	order := f.seedPaid(t, func(o *models.Order) { o.Status = enums.OrderStatusDelivered })
	admin := uuid.New()

	over := order.TotalMinor + 1
	_, err := f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: order.ID, Reason: "damaged", AmountMinor: &over})
	requireReason(t, err, pkgerrors.CodeValidation, "amount_exceeds_refundable")
	assert.Nil(t, f.reload(t, order.ID).Refund)

	partial := int64(40000)
	res, err := f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: order.ID, Reason: "damaged", AmountMinor: &partial})
	require.NoError(t, err)
	assert.Equal(t, partial, res.Refund.AmountMinor)
	assert.Equal(t, enums.ActorAdmin, res.Refund.Actor)

	stored := f.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusDelivered, stored.Status)
	assert.Equal(t, enums.PaymentStatusRefunded, stored.PaymentStatus)
	assert.Equal(t, 3, f.stock(t, order))

	_, err = f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: order.ID, Reason: "again"})
	requireReason(t, err, pkgerrors.CodeIneligible, "refund_exists")
	assert.Len(t, f.gateway.refunds, 1)
}

func TestAdminRefundRejectsOpenOrUnpaidOrders(t *testing.T) {
	f := newFixture(t, nil)
	admin := uuid.New()

	open := f.seedPaid(t, nil)
	_, err := f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: open.ID, Reason: "x"})
	requireReason(t, err, pkgerrors.CodeIneligible, "order_not_refundable")

	cod := f.seedCOD(t, func(o *models.Order) { o.Status = enums.OrderStatusCancelled })
	_, err = f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: cod.ID, Reason: "x"})
	requireReason(t, err, pkgerrors.CodeIneligible, "payment_not_captured")

	_, err = f.svc.AdminRefund(context.Background(), AdminRefundInput{AdminID: admin, OrderID: cod.ID})
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestRefundableAmount(t *testing.T) {
	cases := []struct {
		name     string
		order    models.Order
		captured int64
		want     int64
	}{
		{"online full", models.Order{PaymentMethod: enums.PaymentMethodOnline, TotalMinor: 185000}, 185000, 185000},
		{"online capped at total", models.Order{PaymentMethod: enums.PaymentMethodOnline, TotalMinor: 1000}, 1500, 1000},
		{"token capped at token", models.Order{PaymentMethod: enums.PaymentMethodCODToken, TotalMinor: 200000, TokenAmountMinor: 10000}, 10000, 10000},
		{"token capped at captured", models.Order{PaymentMethod: enums.PaymentMethodCODToken, TotalMinor: 200000, TokenAmountMinor: 10000}, 5000, 5000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RefundableAmount(&tc.order, &gateway.Payment{AmountMinor: tc.captured})
			assert.Equal(t, tc.want, got)
		})
	}
}
