package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// CreateIntent prices the cart and opens a gateway intent for the full total.
// No order row exists until the payment is verified.
func (s *service) CreateIntent(ctx context.Context, userID uuid.UUID, input PlaceInput) (*IntentResult, error) {
	return s.openIntent(ctx, userID, input, enums.PaymentMethodOnline)
}

// CreateTokenIntent opens an intent for the configured token amount of a COD
// order; the rest is collected on delivery.
func (s *service) CreateTokenIntent(ctx context.Context, userID uuid.UUID, input PlaceInput) (*IntentResult, error) {
	return s.openIntent(ctx, userID, input, enums.PaymentMethodCODToken)
}

func (s *service) openIntent(ctx context.Context, userID uuid.UUID, input PlaceInput, method enums.PaymentMethod) (*IntentResult, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{"user_id": userID.String(), "payment_method": method})

	snap, err := s.quote(ctx, userID, input, method)
	if err != nil {
		s.metrics.IncCheckout(string(method), "rejected")
		return nil, err
	}
	switch method {
	case enums.PaymentMethodCODToken:
		snap.ChargeMinor = min(s.cfg.TokenAmountMinor, snap.TotalMinor)
	default:
		snap.ChargeMinor = snap.TotalMinor
	}
	if snap.ChargeMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "nothing to charge; place the order as cash on delivery").
			WithDetails(map[string]any{"reason": "zero_amount"})
	}

	encoded, err := snap.Encode()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode checkout snapshot")
	}
	intent, err := s.gateway.CreateIntent(ctx, gateway.CreateIntentRequest{
		AmountMinor: snap.ChargeMinor,
		Currency:    s.cfg.Currency,
		Receipt:     "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		Notes: map[string]string{
			noteSnapshot: encoded,
			noteUserID:   userID.String(),
		},
	})
	if err != nil {
		s.metrics.IncCheckout(string(method), "intent_failed")
		s.logg.Error(ctx, "create payment intent failed", err)
		return nil, err
	}

	s.metrics.IncCheckout(string(method), "intent_created")
	return &IntentResult{
		IntentID:      intent.ID,
		KeyID:         s.cfg.GatewayKeyID,
		AmountMinor:   snap.ChargeMinor,
		Currency:      s.cfg.Currency,
		SubtotalMinor: snap.SubtotalMinor,
		DiscountMinor: snap.DiscountMinor,
		TotalMinor:    snap.TotalMinor,
	}, nil
}

// VerifyPayment completes an online checkout after the client-side payment.
func (s *service) VerifyPayment(ctx context.Context, userID uuid.UUID, input VerifyInput) (*Result, error) {
	return s.verify(ctx, userID, input, enums.PaymentMethodOnline)
}

// VerifyTokenPayment completes a token COD checkout.
func (s *service) VerifyTokenPayment(ctx context.Context, userID uuid.UUID, input VerifyInput) (*Result, error) {
	return s.verify(ctx, userID, input, enums.PaymentMethodCODToken)
}

func (s *service) verify(ctx context.Context, userID uuid.UUID, input VerifyInput, method enums.PaymentMethod) (*Result, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	input.IntentID = strings.TrimSpace(input.IntentID)
	input.PaymentID = strings.TrimSpace(input.PaymentID)
	if input.IntentID == "" || input.PaymentID == "" || strings.TrimSpace(input.Signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id, payment id and signature are required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"user_id":    userID.String(),
		"intent_id":  input.IntentID,
		"payment_id": input.PaymentID,
	})

	if !s.gateway.VerifySignature(input.IntentID, input.PaymentID, input.Signature) {
		s.metrics.IncCheckout(string(method), "signature_rejected")
		s.logg.Warn(ctx, "payment signature mismatch")
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment signature is invalid").
			WithDetails(map[string]any{"reason": "invalid_signature"})
	}

	return s.completeCaptured(ctx, capturedInput{
		intentID:  input.IntentID,
		paymentID: input.PaymentID,
		callerID:  &userID,
		method:    method,
		actor:     outbox.UserActor(userID),
	})
}

// MaterializeCaptured builds the order for a captured payment reported by the
// gateway webhook. It follows the verify path without a signature, since the
// webhook body was authenticated by the caller.
func (s *service) MaterializeCaptured(ctx context.Context, intentID, paymentID string) (*Result, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{"intent_id": intentID, "payment_id": paymentID})
	return s.completeCaptured(ctx, capturedInput{
		intentID:  strings.TrimSpace(intentID),
		paymentID: strings.TrimSpace(paymentID),
		actor:     outbox.SystemActor(),
	})
}

type capturedInput struct {
	intentID  string
	paymentID string
	callerID  *uuid.UUID
	// method is empty when any payment method is acceptable.
	method enums.PaymentMethod
	actor  *outbox.ActorRef
}

func (s *service) completeCaptured(ctx context.Context, in capturedInput) (*Result, error) {
	payment, err := s.gateway.FetchPayment(ctx, in.paymentID)
	if err != nil {
		s.logg.Error(ctx, "fetch payment failed", err)
		return nil, err
	}
	if !payment.IsCaptured() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment is not captured").
			WithDetails(map[string]any{"reason": "payment_not_captured", "status": payment.Status})
	}
	if payment.IntentID != in.intentID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment does not belong to this intent").
			WithDetails(map[string]any{"reason": "intent_mismatch"})
	}

	if existing, err := s.existingForIntent(ctx, in); existing != nil || err != nil {
		return existing, err
	}

	intent, err := s.gateway.FetchIntent(ctx, in.intentID)
	if err != nil {
		s.logg.Error(ctx, "fetch payment intent failed", err)
		return nil, err
	}
	snap, fallbackNote, err := s.resolveSnapshot(ctx, intent, in.callerID)
	if err != nil {
		return nil, err
	}
	if in.method != "" && snap.PaymentMethod != in.method {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent was created for a different payment flow").
			WithDetails(map[string]any{"reason": "payment_method_mismatch", "expected": in.method, "actual": snap.PaymentMethod})
	}
	method := snap.PaymentMethod

	mat := materializeInput{
		snapshot:      snap,
		status:        enums.OrderStatusPaid,
		paymentStatus: enums.PaymentStatusCompleted,
		payment:       payment,
		actor:         in.actor,
	}
	if method == enums.PaymentMethodCODToken {
		mat.status = enums.OrderStatusConfirmed
		mat.paymentStatus = enums.PaymentStatusPartiallyPaid
		mat.snapshot.ChargeMinor = payment.AmountMinor
	}

	switch {
	case fallbackNote != "":
		return s.degrade(ctx, mat, fallbackNote)
	case payment.AmountMinor != snap.ChargeMinor:
		return s.degrade(ctx, mat, fmt.Sprintf("captured amount %d does not match expected %d", payment.AmountMinor, snap.ChargeMinor))
	}

	order, err := s.materialize(ctx, mat)
	if errors.Is(err, errIntentTaken) {
		existing, findErr := s.existingForIntent(ctx, in)
		if findErr != nil || existing != nil {
			return existing, findErr
		}
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "order for this payment is being created")
	}
	if err != nil {
		s.logg.Error(ctx, "order materialization failed after capture", err)
		return s.degrade(ctx, mat, "order materialization failed after capture: "+err.Error())
	}

	s.afterCommit(ctx, order)
	s.metrics.IncCheckout(string(method), "success")
	return &Result{Order: order}, nil
}

// existingForIntent returns the order already created for the intent, if any.
// A caller who does not own that order is refused.
func (s *service) existingForIntent(ctx context.Context, in capturedInput) (*Result, error) {
	order, err := s.orders.FindByIntentID(ctx, in.intentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order by intent")
	}
	if order == nil {
		return nil, nil
	}
	if in.callerID != nil && order.UserID != *in.callerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	s.metrics.IncCheckout(string(order.PaymentMethod), "duplicate")
	return &Result{Order: order, Existing: true, Degraded: order.NeedsReconciliation}, nil
}

// resolveSnapshot decodes the snapshot stored on the intent. When it is
// missing or unreadable, the live cart is used if it still has items and a
// note explaining the fallback is returned.
func (s *service) resolveSnapshot(ctx context.Context, intent *gateway.Intent, callerID *uuid.UUID) (types.CheckoutSnapshot, string, error) {
	ownerRaw := strings.TrimSpace(intent.Notes[noteUserID])
	owner, ownerErr := uuid.Parse(ownerRaw)

	snap, decodeErr := types.DecodeCheckoutSnapshot(intent.Notes[noteSnapshot])
	if decodeErr == nil && snap.UserID != uuid.Nil {
		owner, ownerErr = snap.UserID, nil
	}
	if ownerErr != nil || owner == uuid.Nil {
		return types.CheckoutSnapshot{}, "", pkgerrors.New(pkgerrors.CodeValidation, "payment intent is missing its owner").
			WithDetails(map[string]any{"reason": "intent_owner_missing"})
	}
	if callerID != nil && owner != *callerID {
		return types.CheckoutSnapshot{}, "", pkgerrors.New(pkgerrors.CodeForbidden, "payment intent does not belong to user")
	}
	if decodeErr == nil && len(snap.Items) > 0 {
		return snap, "", nil
	}

	record, err := s.carts.FindByUser(ctx, owner)
	if err != nil {
		return types.CheckoutSnapshot{}, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cart")
	}
	items := cart.LineItems(record)
	if len(items) == 0 {
		if decodeErr != nil {
			return types.CheckoutSnapshot{}, "", pkgerrors.Wrap(pkgerrors.CodeValidation, decodeErr, "payment intent has no order snapshot")
		}
		return types.CheckoutSnapshot{}, "", pkgerrors.New(pkgerrors.CodeValidation, "payment intent has no items")
	}

	s.logg.Warn(ctx, "intent snapshot unusable, rebuilding order from live cart")
	fallback := types.CheckoutSnapshot{
		UserID:          owner,
		PaymentMethod:   snap.PaymentMethod,
		Items:           items,
		ShippingAddress: snap.ShippingAddress,
		SubtotalMinor:   items.Subtotal(),
		TotalMinor:      items.Subtotal(),
		ChargeMinor:     intent.AmountMinor,
	}
	if fallback.PaymentMethod == "" {
		fallback.PaymentMethod = enums.PaymentMethodOnline
	}
	return fallback, "intent snapshot unusable; order rebuilt from the live cart", nil
}

// degrade records a reconciliation order for a captured payment and reports a
// qualified success. If even that write fails the client gets the gateway
// payment id as the support reference, since nothing local records it.
func (s *service) degrade(ctx context.Context, mat materializeInput, cause string) (*Result, error) {
	method := string(mat.snapshot.PaymentMethod)
	order, err := s.recordReconciliation(ctx, mat, cause)
	if errors.Is(err, errIntentTaken) {
		existing, findErr := s.orders.FindByIntentID(ctx, mat.payment.IntentID)
		if findErr == nil && existing != nil {
			return &Result{Order: existing, Existing: true, Degraded: existing.NeedsReconciliation}, nil
		}
	}
	if err != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"cause": cause})
		s.logg.Error(logCtx, "reconciliation record write failed; payment needs manual lookup", err)
		s.metrics.IncCheckout(method, "degraded")
		return &Result{
			Degraded:  true,
			PaymentID: mat.payment.ID,
			Message:   fmt.Sprintf(unrecordedMessage, mat.payment.ID),
		}, nil
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{"order_id": order.ID.String(), "cause": cause})
	s.logg.Warn(logCtx, "order flagged for reconciliation")
	s.metrics.IncCheckout(method, "degraded")
	return &Result{Order: order, Degraded: true, PaymentID: mat.payment.ID, Message: degradedMessage}, nil
}
