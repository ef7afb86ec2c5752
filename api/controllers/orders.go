package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/api/responses"
	"github.com/angelmondragon/fulfillment-core/api/validators"
	"github.com/angelmondragon/fulfillment-core/internal/cancellation"
	"github.com/angelmondragon/fulfillment-core/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/pagination"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Tracker resolves shipment tracking for an order.
type Tracker interface {
	Tracking(ctx context.Context, viewer orders.Viewer, orderID uuid.UUID) (*fulfillment.Tracking, error)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type trackingResponse struct {
	OrderID  uuid.UUID              `json:"orderId"`
	Status   string                 `json:"status"`
	Shipment *types.Shipment        `json:"shipment,omitempty"`
	Live     *shipping.TrackingInfo `json:"live,omitempty"`
}

func viewerFor(r *http.Request) (orders.Viewer, error) {
	userID, err := requireUser(r)
	if err != nil {
		return orders.Viewer{}, err
	}
	return orders.Viewer{UserID: userID, Admin: isAdmin(r)}, nil
}

func parsePage(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{Limit: limit, Cursor: strings.TrimSpace(r.URL.Query().Get("cursor"))}, nil
}

// ListOrders returns the caller's orders, newest first.
func ListOrders(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := parsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.List(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderPage(list, false))
	}
}

// GetOrder returns one order. Other users' orders read as not found.
func GetOrder(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		viewer, err := viewerFor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), viewer, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderDTO(order, viewer.Admin))
	}
}

func GetOrderTracking(tracker Tracker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tracker == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "tracking unavailable"))
			return
		}
		viewer, err := viewerFor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		tracking, err := tracker.Tracking(r.Context(), viewer, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, trackingResponse{
			OrderID:  tracking.OrderID,
			Status:   string(tracking.Status),
			Shipment: tracking.Shipment,
			Live:     tracking.Live,
		})
	}
}

// CancelOrder cancels the caller's order inside the cancellation window and
// refunds any captured payment.
func CancelOrder(svc cancellation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cancellation service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req reasonRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := svc.Cancel(r.Context(), userID, orderID, validators.SanitizeString(req.Reason, 500))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCancellationResult(res, false))
	}
}

func RequestReturn(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req reasonRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.RequestReturn(r.Context(), userID, orderID, validators.SanitizeString(req.Reason, 500))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderDTO(order, false))
	}
}

func toCancellationResult(res *cancellation.Result, admin bool) OrderResult {
	out := OrderResult{
		Order:    toOrderDTO(res.Order, admin),
		Refund:   res.Refund,
		Degraded: res.Degraded,
	}
	if res.Degraded {
		out.Message = res.Message
		if out.Message == "" {
			out.Message = "refund issued; the order has been flagged for manual review"
		}
	}
	return out
}
