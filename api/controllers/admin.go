package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/api/responses"
	"github.com/angelmondragon/fulfillment-core/api/validators"
	"github.com/angelmondragon/fulfillment-core/internal/cancellation"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
)

// ShipmentRetrier re-dispatches shipment booking for an order.
type ShipmentRetrier interface {
	RetryShipment(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type adminRefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	Amount *int64 `json:"amount,omitempty" validate:"omitempty,gt=0"`
}

// AdminRefund issues a manual refund. Omitting amount refunds everything
// still refundable.
func AdminRefund(svc cancellation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cancellation service unavailable"))
			return
		}
		adminID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req adminRefundRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := svc.AdminRefund(r.Context(), cancellation.AdminRefundInput{
			AdminID:     adminID,
			OrderID:     orderID,
			Reason:      validators.SanitizeString(req.Reason, 500),
			AmountMinor: req.Amount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCancellationResult(res, true))
	}
}

// ListReconciliation pages through orders flagged for operator review.
func ListReconciliation(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		params, err := parsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListReconciliation(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderPage(list, true))
	}
}

func RetryShipment(retrier ShipmentRetrier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if retrier == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "shipment dispatcher unavailable"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := retrier.RetryShipment(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, toOrderDTO(order, true))
	}
}
