package cancellation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// RefundableAmount is the most that can go back to the customer: the captured
// amount, capped at the order total, or at the token for token COD orders
// since the balance was never collected electronically.
func RefundableAmount(order *models.Order, payment *gateway.Payment) int64 {
	limit := order.TotalMinor
	if order.PaymentMethod == enums.PaymentMethodCODToken {
		limit = order.TokenAmountMinor
	}
	return max(min(payment.AmountMinor, limit), 0)
}

// cancelCaptured refunds through the gateway and then cancels locally. The
// refund is claimed on the row first so a concurrent request sees the
// duplicate-refund guard and never calls the gateway.
func (s *service) cancelCaptured(ctx context.Context, orderID, userID uuid.UUID, reason string) (*Result, error) {
	actor := outbox.UserActor(userID)
	order, err := s.claimRefund(ctx, orderID, enums.ActorUser, reason, func(o *models.Order) error {
		return s.checkCancellable(o, userID)
	})
	if err != nil {
		return nil, err
	}

	refund, err := s.issueRefund(ctx, order, nil, reason)
	if held, ok := s.holdUncertain(ctx, orderID, err); ok {
		return held, nil
	}
	if err != nil {
		return nil, err
	}
	notes := s.cancelShipment(ctx, order)

	var cancelled *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, s.orders.WithTx(tx), orderID)
		if err != nil {
			return err
		}
		applyRefund(locked, refund, s.now())
		if err := s.markCancelled(ctx, tx, locked, actor, reason, notes, refund.AmountMinor); err != nil {
			return err
		}
		if err := s.emitRefund(ctx, tx, locked, actor); err != nil {
			return err
		}
		cancelled = locked
		return nil
	})
	if err != nil {
		return s.reconcileRefund(ctx, orderID, refund, "order cancel failed after refund: "+err.Error()), nil
	}

	s.metrics.IncRefund(string(enums.ActorUser))
	logCtx := s.logg.WithFields(ctx, map[string]any{"refund_id": refund.RefundID, "amount_minor": refund.AmountMinor})
	s.logg.Info(logCtx, "order cancelled and refunded")
	return &Result{Order: cancelled, Refund: cancelled.Refund}, nil
}

// AdminRefund issues a manual refund for a cancelled, delivered or returned
// order that has no refund yet. The order status is left as is.
func (s *service) AdminRefund(ctx context.Context, input AdminRefundInput) (*Result, error) {
	if input.AdminID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin identity missing")
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund reason is required")
	}
	if input.AmountMinor != nil && *input.AmountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"order_id": input.OrderID.String(), "admin_id": input.AdminID.String()})
	actor := outbox.AdminActor(input.AdminID)

	order, err := s.claimRefund(ctx, input.OrderID, enums.ActorAdmin, reason, checkAdminRefundable)
	if err != nil {
		return nil, err
	}
	refund, err := s.issueRefund(ctx, order, input.AmountMinor, reason)
	if held, ok := s.holdUncertain(ctx, input.OrderID, err); ok {
		return held, nil
	}
	if err != nil {
		return nil, err
	}

	var refunded *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		locked, err := s.lock(ctx, repo, input.OrderID)
		if err != nil {
			return err
		}
		applyRefund(locked, refund, s.now())
		if err := repo.Save(ctx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save refund")
		}
		if err := s.emitRefund(ctx, tx, locked, actor); err != nil {
			return err
		}
		refunded = locked
		return nil
	})
	if err != nil {
		return s.reconcileRefund(ctx, input.OrderID, refund, "refund record failed after gateway refund: "+err.Error()), nil
	}

	s.metrics.IncRefund(string(enums.ActorAdmin))
	s.logg.Info(s.logg.WithField(ctx, "refund_id", refund.RefundID), "manual refund issued")
	return &Result{Order: refunded, Refund: refunded.Refund}, nil
}

func checkAdminRefundable(order *models.Order) error {
	switch order.Status {
	case enums.OrderStatusCancelled, enums.OrderStatusDelivered, enums.OrderStatusReturnRequested, enums.OrderStatusReturned:
	default:
		return pkgerrors.New(pkgerrors.CodeIneligible, "only cancelled, delivered or returned orders can be refunded manually").
			WithDetails(map[string]any{"reason": "order_not_refundable", "status": order.Status})
	}
	if err := checkNoRefund(order); err != nil {
		return err
	}
	if !hasCapturedPayment(order) {
		return pkgerrors.New(pkgerrors.CodeIneligible, "order has no captured payment").
			WithDetails(map[string]any{"reason": "payment_not_captured"})
	}
	return nil
}

// claimRefund locks the order, runs gate and stores a pending refund marker.
func (s *service) claimRefund(ctx context.Context, orderID uuid.UUID, actor enums.Actor, reason string, gate func(*models.Order) error) (*models.Order, error) {
	var claimed *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if err := gate(order); err != nil {
			return err
		}
		order.Refund = &types.Refund{
			Status:    enums.RefundStatusPending,
			Reason:    reason,
			Actor:     actor,
			CreatedAt: s.now().UTC(),
		}
		if err := repo.Save(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim refund")
		}
		claimed = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// releaseClaim drops a pending marker after the gateway refused the refund.
func (s *service) releaseClaim(ctx context.Context, orderID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Refund == nil || order.Refund.RefundID != "" || order.Refund.Status != enums.RefundStatusPending {
			return nil
		}
		order.Refund = nil
		return repo.Save(ctx, order)
	})
	if err != nil {
		s.logg.Error(ctx, "release refund claim failed", err)
	}
}

// issueRefund confirms the payment is still captured and calls the gateway.
// A nil requested amount refunds everything refundable.
func (s *service) issueRefund(ctx context.Context, order *models.Order, requested *int64, reason string) (*types.Refund, error) {
	paymentID := *order.GatewayPaymentID
	extCtx := s.logg.WithFields(ctx, map[string]any{"payment_id": paymentID})

	payment, err := s.gateway.FetchPayment(extCtx, paymentID)
	if err != nil {
		s.releaseClaim(ctx, order.ID)
		s.logg.Error(extCtx, "fetch payment for refund failed", err)
		return nil, err
	}
	if !payment.IsCaptured() {
		s.releaseClaim(ctx, order.ID)
		return nil, pkgerrors.New(pkgerrors.CodeIneligible, "payment is no longer captured").
			WithDetails(map[string]any{"reason": "payment_not_captured", "status": payment.Status})
	}

	amount := RefundableAmount(order, payment)
	if requested != nil {
		if *requested > amount {
			s.releaseClaim(ctx, order.ID)
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount exceeds the refundable amount").
				WithDetails(map[string]any{"reason": "amount_exceeds_refundable", "refundable": amount})
		}
		amount = *requested
	}
	if amount <= 0 {
		s.releaseClaim(ctx, order.ID)
		return nil, pkgerrors.New(pkgerrors.CodeIneligible, "nothing to refund").
			WithDetails(map[string]any{"reason": "zero_amount"})
	}

	res, err := s.gateway.Refund(extCtx, paymentID, amount, reason)
	if err != nil {
		s.logg.Error(extCtx, "gateway refund failed", err)
		if !refundRefused(err) {
			return nil, &uncertainRefundError{paymentID: paymentID, amountMinor: amount, cause: err}
		}
		s.releaseClaim(ctx, order.ID)
		return nil, err
	}

	status := enums.RefundStatusPending
	if res.Status == string(enums.RefundStatusProcessed) {
		status = enums.RefundStatusProcessed
	}
	refund := &types.Refund{
		RefundID:    res.ID,
		AmountMinor: res.AmountMinor,
		Status:      status,
		Reason:      reason,
		Actor:       order.Refund.Actor,
		CreatedAt:   s.now().UTC(),
	}
	if refund.AmountMinor == 0 {
		refund.AmountMinor = amount
	}
	return refund, nil
}

// uncertainRefundError reports a refund call whose outcome is unknown: the
// request timed out, the gateway answered 5xx or the response was unreadable.
// The money may have moved, so the pending claim must stay in place.
type uncertainRefundError struct {
	paymentID   string
	amountMinor int64
	cause       error
}

func (e *uncertainRefundError) Error() string {
	return "gateway refund outcome unknown: " + e.cause.Error()
}

func (e *uncertainRefundError) Unwrap() error {
	return e.cause
}

// refundRefused reports whether the gateway definitely declined the refund.
func refundRefused(err error) bool {
	return pkgerrors.Is(err, pkgerrors.CodeValidation) || pkgerrors.Is(err, pkgerrors.CodeNotFound)
}

// holdUncertain keeps the pending refund claim after an unknown gateway
// outcome and flags the order for an operator. ok is false for any other error.
func (s *service) holdUncertain(ctx context.Context, orderID uuid.UUID, err error) (*Result, bool) {
	var uncertain *uncertainRefundError
	if !errors.As(err, &uncertain) {
		return nil, false
	}
	ctx = context.WithoutCancel(ctx)
	logCtx := s.logg.WithFields(ctx, map[string]any{"payment_id": uncertain.paymentID, "amount_minor": uncertain.amountMinor})
	s.logg.Error(logCtx, "refund outcome unknown; claim kept and order flagged for reconciliation", uncertain.cause)

	var flagged *models.Order
	txErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		order.NeedsReconciliation = true
		order.OperatorNotes = append(order.OperatorNotes, types.OperatorNote{
			Message:   uncertain.Error(),
			Hint:      fmt.Sprintf("check payment %s in the gateway dashboard before refunding %d again", uncertain.paymentID, uncertain.amountMinor),
			CreatedAt: s.now().UTC(),
		})
		if err := repo.Save(ctx, order); err != nil {
			return err
		}
		flagged = order
		return nil
	})
	if txErr != nil {
		s.logg.Error(logCtx, "reconciliation flag write failed", txErr)
	}
	res := &Result{
		Order:    flagged,
		Degraded: true,
		Message:  fmt.Sprintf("refund is being confirmed with the payment provider; contact support with reference %s if it does not arrive", uncertain.paymentID),
	}
	if flagged != nil {
		res.Refund = flagged.Refund
	}
	return res, true
}

func applyRefund(order *models.Order, refund *types.Refund, now time.Time) {
	refundedAt := now.UTC()
	refundID := refund.RefundID
	order.Refund = refund
	order.GatewayRefundID = &refundID
	order.RefundedAt = &refundedAt
	order.PaymentStatus = enums.PaymentStatusRefunded
}

func (s *service) emitRefund(ctx context.Context, tx *gorm.DB, order *models.Order, actor *outbox.ActorRef) error {
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:   enums.EventRefundIssued,
		AggregateID: order.ID,
		Actor:       actor,
		Data: payloads.RefundIssuedEvent{
			OrderID:     order.ID,
			RefundID:    order.Refund.RefundID,
			AmountMinor: order.Refund.AmountMinor,
			Status:      order.Refund.Status,
			Actor:       actor.Actor,
		},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit refund issued")
	}
	return nil
}

// reconcileRefund records a refund the gateway already executed when the
// local update failed. Money has moved, so the order is flagged rather than
// anything being undone.
func (s *service) reconcileRefund(ctx context.Context, orderID uuid.UUID, refund *types.Refund, cause string) *Result {
	ctx = context.WithoutCancel(ctx)
	logCtx := s.logg.WithFields(ctx, map[string]any{"refund_id": refund.RefundID, "cause": cause})
	s.logg.Error(logCtx, "refund issued but local update failed; flagged for reconciliation", nil)
	s.metrics.IncRefund(string(refund.Actor))

	var flagged *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		applyRefund(order, refund, s.now())
		order.NeedsReconciliation = true
		order.OperatorNotes = append(order.OperatorNotes, types.OperatorNote{
			Message:   cause,
			Hint:      fmt.Sprintf("gateway refund %s succeeded; finish the cancellation and restock by hand", refund.RefundID),
			CreatedAt: s.now().UTC(),
		})
		if err := repo.Save(ctx, order); err != nil {
			return err
		}
		flagged = order
		return nil
	})
	if err != nil {
		s.logg.Error(logCtx, "reconciliation flag write failed", err)
	}
	return &Result{Order: flagged, Refund: refund, Degraded: true}
}
