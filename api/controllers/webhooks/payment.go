package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/fulfillment-core/api/responses"
	paymentwebhook "github.com/angelmondragon/fulfillment-core/internal/webhooks/payment"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
)

const (
	PaymentSignatureHeader = "X-Gateway-Signature"
	PaymentEventIDHeader   = "X-Gateway-Event-Id"

	maxWebhookBody = 1 << 20
)

type PaymentWebhookService interface {
	HandleEvent(ctx context.Context, event *paymentwebhook.Event) error
}

type webhookVerifier interface {
	WebhookEnabled() bool
	VerifyWebhook(body []byte, signature string) error
}

type deliveryGuard interface {
	CheckAndMark(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// PaymentWebhook authenticates and applies gateway payment events. Requests
// are refused outright when no webhook secret is configured.
func PaymentWebhook(svc PaymentWebhookService, verifier webhookVerifier, guard deliveryGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "delivery guard unavailable"))
			return
		}
		if verifier == nil || !verifier.WebhookEnabled() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "payment webhooks are disabled"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		signature := r.Header.Get(PaymentSignatureHeader)
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature missing"))
			return
		}
		if err := verifier.VerifyWebhook(payload, signature); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		event, err := paymentwebhook.ParseEvent(payload, r.Header.Get(PaymentEventIDHeader))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"event_id": event.ID, "event_type": event.Type})
		}

		seen, err := guard.CheckAndMark(ctx, paymentwebhook.Provider, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check delivery"))
			return
		}
		if seen {
			if logg != nil {
				logg.Info(ctx, "duplicate payment webhook acknowledged")
			}
			responses.WriteSuccess(w, map[string]bool{"duplicate": true})
			return
		}

		if err := svc.HandleEvent(ctx, event); err != nil {
			if releaseErr := guard.Release(context.WithoutCancel(ctx), paymentwebhook.Provider, event.ID); releaseErr != nil && logg != nil {
				logg.Error(ctx, "release webhook delivery failed", releaseErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"received": true})
	}
}
