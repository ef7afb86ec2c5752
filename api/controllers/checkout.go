package controllers

import (
	"net/http"

	"github.com/angelmondragon/fulfillment-core/api/responses"
	"github.com/angelmondragon/fulfillment-core/api/validators"
	"github.com/angelmondragon/fulfillment-core/internal/checkout"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type placeOrderRequest struct {
	ShippingAddress types.ShippingAddress `json:"shippingAddress"`
	CouponCode      string                `json:"couponCode,omitempty" validate:"omitempty,max=64"`
}

func (p placeOrderRequest) input() checkout.PlaceInput {
	return checkout.PlaceInput{
		Address:    p.ShippingAddress,
		CouponCode: validators.SanitizeString(p.CouponCode, 64),
	}
}

type verifyPaymentRequest struct {
	IntentID  string `json:"intentId" validate:"required,max=128"`
	PaymentID string `json:"paymentId" validate:"required,max=128"`
	Signature string `json:"signature" validate:"required,max=256"`
}

func (v verifyPaymentRequest) input() checkout.VerifyInput {
	return checkout.VerifyInput{IntentID: v.IntentID, PaymentID: v.PaymentID, Signature: v.Signature}
}

type intentResponse struct {
	IntentID string `json:"intentId"`
	KeyID    string `json:"keyId,omitempty"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Total    int64  `json:"total"`
}

func toIntentResponse(res *checkout.IntentResult) intentResponse {
	return intentResponse{
		IntentID: res.IntentID,
		KeyID:    res.KeyID,
		Amount:   res.AmountMinor,
		Currency: res.Currency,
		Subtotal: res.SubtotalMinor,
		Discount: res.DiscountMinor,
		Total:    res.TotalMinor,
	}
}

func toOrderResult(res *checkout.Result) OrderResult {
	return OrderResult{
		Order:     toOrderDTO(res.Order, false),
		Existing:  res.Existing,
		Degraded:  res.Degraded,
		PaymentID: res.PaymentID,
		Message:   res.Message,
	}
}

// CreatePaymentOrder opens a gateway intent for the cart total. No order row
// exists until the payment is verified.
func CreatePaymentOrder(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return createIntent(logg, func(r *http.Request, req placeOrderRequest) (*checkout.IntentResult, error) {
		userID, err := requireUser(r)
		if err != nil {
			return nil, err
		}
		return svc.CreateIntent(r.Context(), userID, req.input())
	}, svc)
}

// CreateTokenOrder opens a gateway intent for the COD token amount.
func CreateTokenOrder(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return createIntent(logg, func(r *http.Request, req placeOrderRequest) (*checkout.IntentResult, error) {
		userID, err := requireUser(r)
		if err != nil {
			return nil, err
		}
		return svc.CreateTokenIntent(r.Context(), userID, req.input())
	}, svc)
}

func createIntent(logg *logger.Logger, call func(*http.Request, placeOrderRequest) (*checkout.IntentResult, error), svc checkout.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		var req placeOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := call(r, req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toIntentResponse(res))
	}
}

// VerifyPayment materializes the order for a captured online payment.
func VerifyPayment(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return verify(logg, svc, func(svc checkout.Service, r *http.Request, req verifyPaymentRequest) (*checkout.Result, error) {
		userID, err := requireUser(r)
		if err != nil {
			return nil, err
		}
		return svc.VerifyPayment(r.Context(), userID, req.input())
	})
}

// VerifyTokenPayment materializes a token-backed COD order.
func VerifyTokenPayment(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return verify(logg, svc, func(svc checkout.Service, r *http.Request, req verifyPaymentRequest) (*checkout.Result, error) {
		userID, err := requireUser(r)
		if err != nil {
			return nil, err
		}
		return svc.VerifyTokenPayment(r.Context(), userID, req.input())
	})
}

func verify(logg *logger.Logger, svc checkout.Service, call func(checkout.Service, *http.Request, verifyPaymentRequest) (*checkout.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		var req verifyPaymentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := call(svc, r, req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusCreated
		if res.Existing {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, toOrderResult(res))
	}
}

// PlaceCODOrder creates a cash-on-delivery order from the cart.
func PlaceCODOrder(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req placeOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := svc.PlaceCOD(r.Context(), userID, req.input())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toOrderResult(res))
	}
}
