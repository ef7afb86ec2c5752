package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/fulfillment-core/api/responses"
	shippingwebhook "github.com/angelmondragon/fulfillment-core/internal/webhooks/shipping"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
)

type ShippingWebhookService interface {
	HandleEvent(ctx context.Context, event *shippingwebhook.Event) (*shippingwebhook.Outcome, error)
}

// ShippingWebhook applies vendor status pushes. The vendor does not sign its
// requests, so unknown orders and refused moves still return 200.
func ShippingWebhook(svc ShippingWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		event, err := shippingwebhook.ParseEvent(payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		outcome, err := svc.HandleEvent(ctx, event)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"matched": outcome.Matched, "changed": outcome.Changed})
	}
}
