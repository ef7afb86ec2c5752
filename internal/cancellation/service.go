package cancellation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/inventory"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

const defaultReason = "cancelled by customer"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// PaymentGateway is the slice of the gateway client used for refunds.
type PaymentGateway interface {
	FetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	Refund(ctx context.Context, paymentID string, amountMinor int64, reason string) (*gateway.Refund, error)
}

// ShipmentCanceller cancels a booked shipment with the vendor.
type ShipmentCanceller interface {
	CancelShipment(ctx context.Context, vendorOrderID string) error
}

// Service cancels orders and issues refunds.
type Service interface {
	Cancel(ctx context.Context, userID, orderID uuid.UUID, reason string) (*Result, error)
	AdminRefund(ctx context.Context, input AdminRefundInput) (*Result, error)
}

// AdminRefundInput describes a manual refund. A nil AmountMinor refunds the
// full refundable amount.
type AdminRefundInput struct {
	AdminID     uuid.UUID
	OrderID     uuid.UUID
	Reason      string
	AmountMinor *int64
}

// Result is the outcome of a cancellation or refund. Degraded is set when the
// local record could not be completed or the gateway outcome is unknown; the
// order is then flagged for reconciliation.
type Result struct {
	Order    *models.Order
	Refund   *types.Refund
	Degraded bool
	Message  string
}

// Deps groups the collaborators of the service.
type Deps struct {
	Tx       txRunner
	Orders   orders.Repository
	Status   orders.Service
	Ledger   inventory.Ledger
	Gateway  PaymentGateway
	Shipping ShipmentCanceller
	Outbox   outbox.Emitter
	Logger   *logger.Logger
	Metrics  *metrics.FulfillmentMetrics
}

type service struct {
	tx       txRunner
	orders   orders.Repository
	status   orders.Service
	ledger   inventory.Ledger
	gateway  PaymentGateway
	shipping ShipmentCanceller
	outbox   outbox.Emitter
	logg     *logger.Logger
	metrics  *metrics.FulfillmentMetrics
	now      func() time.Time
}

// NewService wires the cancellation service. Shipping and Metrics may be nil.
func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case deps.Status == nil:
		return nil, fmt.Errorf("orders service required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("inventory ledger required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("payment gateway required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		tx:       deps.Tx,
		orders:   deps.Orders,
		status:   deps.Status,
		ledger:   deps.Ledger,
		gateway:  deps.Gateway,
		shipping: deps.Shipping,
		outbox:   deps.Outbox,
		logg:     deps.Logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}, nil
}

// Cancel runs the customer cancellation. Gates are checked in order: owner,
// open status, cancellation deadline, no refund on record. A captured payment
// is refunded before the order is cancelled locally.
func (s *service) Cancel(ctx context.Context, userID, orderID uuid.UUID, reason string) (*Result, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultReason
	}
	ctx = s.logg.WithOrderID(s.logg.WithUserID(ctx, userID.String()), orderID.String())

	order, err := s.load(ctx, s.orders, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkCancellable(order, userID); err != nil {
		return nil, err
	}
	if hasCapturedPayment(order) {
		return s.cancelCaptured(ctx, order.ID, userID, reason)
	}
	return s.cancelLocal(ctx, order, userID, reason)
}

func (s *service) load(ctx context.Context, repo orders.Repository, orderID uuid.UUID) (*models.Order, error) {
	order, err := repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *service) lock(ctx context.Context, repo orders.Repository, orderID uuid.UUID) (*models.Order, error) {
	order, err := repo.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *service) checkCancellable(order *models.Order, userID uuid.UUID) error {
	if order.UserID != userID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	if order.Status.IsClosed() || !orders.CanTransition(order.Status, enums.OrderStatusCancelled) {
		return pkgerrors.New(pkgerrors.CodeIneligible, "order can no longer be cancelled").
			WithDetails(map[string]any{"reason": "order_closed", "status": order.Status})
	}
	if s.now().After(order.CancellationDeadline) {
		return pkgerrors.New(pkgerrors.CodeIneligible, "cancellation window has expired").
			WithDetails(map[string]any{"reason": "cancellation_window_expired", "deadline": order.CancellationDeadline})
	}
	return checkNoRefund(order)
}

func checkNoRefund(order *models.Order) error {
	if order.Refund != nil || order.GatewayRefundID != nil {
		return pkgerrors.New(pkgerrors.CodeIneligible, "a refund has already been recorded for this order").
			WithDetails(map[string]any{"reason": "refund_exists"})
	}
	return nil
}

func hasCapturedPayment(order *models.Order) bool {
	return order.PaymentStatus.Captured() && order.GatewayPaymentID != nil && *order.GatewayPaymentID != ""
}

// cancelLocal cancels an order that holds no captured money.
func (s *service) cancelLocal(ctx context.Context, order *models.Order, userID uuid.UUID, reason string) (*Result, error) {
	notes := s.cancelShipment(ctx, order)

	var cancelled *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, s.orders.WithTx(tx), order.ID)
		if err != nil {
			return err
		}
		if err := s.checkCancellable(locked, userID); err != nil {
			return err
		}
		if err := s.markCancelled(ctx, tx, locked, outbox.UserActor(userID), reason, notes, 0); err != nil {
			return err
		}
		cancelled = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "order cancelled")
	return &Result{Order: cancelled}, nil
}

// markCancelled moves the locked order to cancelled, restores its stock and
// queues order_canceled, all inside tx.
func (s *service) markCancelled(ctx context.Context, tx *gorm.DB, order *models.Order, actor *outbox.ActorRef, reason string, notes types.OperatorNotes, refundMinor int64) error {
	if _, err := s.status.TransitionTx(ctx, tx, order, orders.TransitionInput{
		OrderID: order.ID,
		To:      enums.OrderStatusCancelled,
		Actor:   actor,
		Reason:  reason,
		Mutate: func(o *models.Order) {
			o.CancellationReason = &reason
			o.OperatorNotes = append(o.OperatorNotes, notes...)
		},
	}); err != nil {
		return err
	}
	if err := s.restock(ctx, tx, order); err != nil {
		return err
	}
	cancelledAt := s.now().UTC()
	if order.CancelledAt != nil {
		cancelledAt = *order.CancelledAt
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:   enums.EventOrderCanceled,
		AggregateID: order.ID,
		Actor:       actor,
		Data: payloads.OrderCanceledEvent{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			CanceledAt:  cancelledAt,
			Reason:      reason,
			RefundMinor: refundMinor,
		},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order canceled")
	}
	return nil
}

func (s *service) restock(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	ledger := s.ledger.WithTx(tx)
	for _, item := range order.Items {
		if err := ledger.Increment(ctx, item.ProductID, item.Size, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// cancelShipment asks the vendor to drop a booked shipment. It never fails
// the cancellation; the outcome is returned as operator notes.
func (s *service) cancelShipment(ctx context.Context, order *models.Order) types.OperatorNotes {
	if order.Shipment == nil || order.Shipment.VendorOrderID == "" {
		return nil
	}
	now := s.now().UTC()
	vendorStatus := order.Shipment.VendorStatus
	if !shipping.Cancellable(vendorStatus) {
		s.logg.Warn(s.logg.WithField(ctx, "vendor_status", vendorStatus), "vendor cancellation skipped; shipment already in progress")
		return types.OperatorNotes{{
			Message:   fmt.Sprintf("vendor cancellation skipped: shipment status %q", vendorStatus),
			Hint:      "ask the vendor to stop the parcel or handle it as a return",
			CreatedAt: now,
		}}
	}
	if s.shipping == nil {
		return types.OperatorNotes{{
			Message:   "vendor cancellation skipped: shipping client not configured",
			Hint:      "cancel the shipment in the vendor dashboard",
			CreatedAt: now,
		}}
	}
	if err := s.shipping.CancelShipment(ctx, order.Shipment.VendorOrderID); err != nil {
		s.logg.Error(s.logg.WithExternal(ctx, "shipping", "cancel_shipment"), "vendor shipment cancel failed", err)
		return types.OperatorNotes{{
			Message:   "vendor cancellation failed: " + err.Error(),
			Hint:      "cancel the shipment in the vendor dashboard",
			CreatedAt: now,
		}}
	}
	return nil
}
