package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	dbpkg "github.com/angelmondragon/fulfillment-core/pkg/db"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// errIntentTaken reports that another call already created the order for an
// intent; the caller loads and returns it.
var errIntentTaken = errors.New("order already exists for intent")

// isIntentConflict matches the unique constraints on the gateway ids. Postgres
// reports the constraint name; sqlite only reports table.column.
func isIntentConflict(err error) bool {
	for _, name := range []string{
		"orders_gateway_intent_id_key",
		"orders.gateway_intent_id",
		"orders_gateway_payment_id_key",
		"orders.gateway_payment_id",
	} {
		if dbpkg.IsUniqueViolation(err, name) {
			return true
		}
	}
	return false
}

type materializeInput struct {
	snapshot      types.CheckoutSnapshot
	status        enums.OrderStatus
	paymentStatus enums.PaymentStatus
	payment       *gateway.Payment
	actor         *outbox.ActorRef
}

func (s *service) newOrder(in materializeInput) *models.Order {
	now := s.now().UTC()
	snap := in.snapshot
	order := &models.Order{
		ID:                   uuid.New(),
		OrderNumber:          orders.NewOrderNumber(now, snap.UserID),
		UserID:               snap.UserID,
		Items:                snap.Items,
		ShippingAddress:      snap.ShippingAddress,
		SubtotalMinor:        snap.SubtotalMinor,
		DiscountMinor:        snap.DiscountMinor,
		TotalMinor:           snap.TotalMinor,
		Currency:             s.cfg.Currency,
		Coupon:               snap.Coupon,
		PaymentMethod:        snap.PaymentMethod,
		PaymentStatus:        in.paymentStatus,
		Status:               in.status,
		OperatorNotes:        types.OperatorNotes{},
		CancellationDeadline: now.Add(s.cfg.CancellationWindow),
	}
	if snap.PaymentMethod == enums.PaymentMethodCODToken {
		order.TokenAmountMinor = snap.ChargeMinor
	}
	if in.payment != nil {
		intentID := in.payment.IntentID
		paymentID := in.payment.ID
		order.GatewayIntentID = &intentID
		order.GatewayPaymentID = &paymentID
	}
	return order
}

// materialize writes the order, its first history entry and events, takes the
// stock and clears the cart in one transaction.
func (s *service) materialize(ctx context.Context, in materializeInput) (*models.Order, error) {
	order := s.newOrder(in)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.orders.WithTx(tx)
		if _, err := ordersRepo.Create(ctx, order); err != nil {
			if order.GatewayIntentID != nil && isIntentConflict(err) {
				return errIntentTaken
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create order")
		}
		if err := ordersRepo.AppendHistory(ctx, &models.OrderStatusHistory{
			OrderID:   order.ID,
			Status:    order.Status,
			Actor:     in.actor.Actor,
			Reason:    fmt.Sprintf("order placed (%s)", order.PaymentMethod),
			CreatedAt: order.CreatedAt,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append order history")
		}
		if err := s.emitCreated(ctx, tx, order, in); err != nil {
			return err
		}

		ledger := s.ledger.WithTx(tx)
		for _, item := range order.Items {
			if _, err := ledger.Decrement(ctx, item.ProductID, item.Size, item.Quantity); err != nil {
				return err
			}
		}
		if err := s.carts.WithTx(tx).Clear(ctx, order.UserID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clear cart")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) emitCreated(ctx context.Context, tx *gorm.DB, order *models.Order, in materializeInput) error {
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:   enums.EventOrderCreated,
		AggregateID: order.ID,
		Actor:       in.actor,
		Data: payloads.OrderCreatedEvent{
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			UserID:        order.UserID,
			PaymentMethod: order.PaymentMethod,
			PaymentStatus: order.PaymentStatus,
			TotalMinor:    order.TotalMinor,
			ItemCount:     order.Items.Units(),
		},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order created")
	}
	if in.payment == nil {
		return nil
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:   enums.EventOrderPaid,
		AggregateID: order.ID,
		Actor:       in.actor,
		Data: payloads.OrderPaidEvent{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			PaymentID:   in.payment.ID,
			AmountMinor: in.payment.AmountMinor,
			PaidAt:      s.now().UTC(),
		},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order paid")
	}
	return nil
}

// recordReconciliation writes a flagged order for a captured payment whose
// local materialization could not complete. Stock and cart are not touched.
// The row carries the intent id, so later retries find it instead of
// charging or decrementing again.
func (s *service) recordReconciliation(ctx context.Context, in materializeInput, cause string) (*models.Order, error) {
	order := s.newOrder(in)
	order.NeedsReconciliation = true
	order.OperatorNotes = append(order.OperatorNotes, types.OperatorNote{
		Message:   cause,
		Hint:      "payment captured; verify stock and create the shipment manually",
		CreatedAt: s.now().UTC(),
	})

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.orders.WithTx(tx)
		if _, err := ordersRepo.Create(ctx, order); err != nil {
			if isIntentConflict(err) {
				return errIntentTaken
			}
			return err
		}
		if err := ordersRepo.AppendHistory(ctx, &models.OrderStatusHistory{
			OrderID:   order.ID,
			Status:    order.Status,
			Actor:     enums.ActorSystem,
			Reason:    "reconciliation required: " + cause,
			CreatedAt: order.CreatedAt,
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:   enums.EventReconciliationRequired,
			AggregateID: order.ID,
			Actor:       outbox.SystemActor(),
			Data: payloads.ReconciliationRequiredEvent{
				OrderID:   order.ID,
				IntentID:  in.payment.IntentID,
				PaymentID: in.payment.ID,
				Reason:    cause,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
