package paymentwebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/checkout"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Provider names the gateway in dedupe keys and metrics.
const Provider = "payment"

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// Event is the gateway webhook envelope.
type Event struct {
	ID        string `json:"-"`
	Type      string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity gateway.Payment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Payment returns the payment entity carried by the event.
func (e *Event) Payment() gateway.Payment {
	return e.Payload.Payment.Entity
}

// ParseEvent decodes an authenticated body. deliveryID is the gateway's
// event id header; when absent the event type and payment id identify it.
func ParseEvent(body []byte, deliveryID string) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment webhook")
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment webhook event type missing")
	}
	event.ID = strings.TrimSpace(deliveryID)
	if event.ID == "" {
		event.ID = event.Type + ":" + event.Payment().ID
	}
	return &event, nil
}

// Materializer builds orders for captured payments.
type Materializer interface {
	MaterializeCaptured(ctx context.Context, intentID, paymentID string) (*checkout.Result, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Checkout Materializer
	Orders   orders.Repository
	Tx       txRunner
	Logger   *logger.Logger
	Metrics  *metrics.FulfillmentMetrics
}

// Service applies gateway payment events to orders.
type Service struct {
	checkout Materializer
	orders   orders.Repository
	tx       txRunner
	logg     *logger.Logger
	metrics  *metrics.FulfillmentMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Checkout == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "checkout service required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repository required")
	}
	if params.Tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		checkout: params.Checkout,
		orders:   params.Orders,
		tx:       params.Tx,
		logg:     params.Logger,
		metrics:  params.Metrics,
	}, nil
}

// HandleEvent applies one event. A returned error asks the gateway to
// redeliver, so events that can never succeed are logged and acknowledged.
func (s *Service) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment event required")
	}
	payment := event.Payment()
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
		"payment_id": payment.ID,
		"intent_id":  payment.IntentID,
	})

	switch event.Type {
	case EventPaymentCaptured:
		return s.captured(ctx, payment)
	case EventPaymentFailed:
		return s.failed(ctx, payment)
	default:
		s.metrics.IncWebhook(Provider, "ignored")
		s.logg.Debug(ctx, "payment webhook event ignored")
		return nil
	}
}

func (s *Service) captured(ctx context.Context, payment gateway.Payment) error {
	if payment.ID == "" || payment.IntentID == "" {
		s.metrics.IncWebhook(Provider, "invalid")
		return pkgerrors.New(pkgerrors.CodeValidation, "captured event missing payment or intent id")
	}
	res, err := s.checkout.MaterializeCaptured(ctx, payment.IntentID, payment.ID)
	if err != nil {
		switch pkgerrors.CodeOf(err) {
		case pkgerrors.CodeValidation, pkgerrors.CodeForbidden, pkgerrors.CodeNotFound:
			s.metrics.IncWebhook(Provider, "rejected")
			s.logg.Warn(ctx, "captured payment not materialized: "+err.Error())
			return nil
		default:
			s.metrics.IncWebhook(Provider, "error")
			s.logg.Error(ctx, "captured payment webhook failed", err)
			return err
		}
	}

	outcome := "materialized"
	switch {
	case res.Existing:
		outcome = "duplicate"
	case res.Degraded:
		outcome = "degraded"
	}
	s.metrics.IncWebhook(Provider, outcome)
	if res.Order != nil {
		ctx = s.logg.WithOrderID(ctx, res.Order.ID.String())
	}
	s.logg.Info(ctx, "captured payment webhook processed: "+outcome)
	return nil
}

// failed marks an existing order's payment as failed. No order is created for
// a failed payment, and a captured order is never downgraded.
func (s *Service) failed(ctx context.Context, payment gateway.Payment) error {
	if payment.IntentID == "" {
		s.metrics.IncWebhook(Provider, "invalid")
		return nil
	}
	updated := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		order, err := repo.FindByIntentID(ctx, payment.IntentID)
		if err != nil || order == nil {
			return err
		}
		order, err = repo.FindByIDForUpdate(ctx, order.ID)
		if err != nil || order == nil {
			return err
		}
		if order.PaymentStatus.Captured() || order.PaymentStatus == enums.PaymentStatusRefunded || order.PaymentStatus == enums.PaymentStatusFailed {
			return nil
		}
		order.PaymentStatus = enums.PaymentStatusFailed
		order.OperatorNotes = append(order.OperatorNotes, types.OperatorNote{
			Message:   fmt.Sprintf("gateway reported payment %s failed", payment.ID),
			CreatedAt: time.Now().UTC(),
		})
		if err := repo.Save(ctx, order); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		s.metrics.IncWebhook(Provider, "error")
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark payment failed")
	}
	if updated {
		s.metrics.IncWebhook(Provider, "payment_failed")
		s.logg.Info(ctx, "order payment marked failed")
		return nil
	}
	s.metrics.IncWebhook(Provider, "ignored")
	return nil
}
