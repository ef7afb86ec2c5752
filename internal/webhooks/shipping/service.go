package shippingwebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Provider names the vendor in metrics.
const Provider = "shipping"

// Event is the vendor status push. VendorOrderID is the vendor's numeric
// order id; OrderNumber is our order number echoed back.
type Event struct {
	VendorOrderID json.Number `json:"sr_order_id"`
	OrderNumber   string      `json:"order_id"`
	ShipmentID    json.Number `json:"shipment_id"`
	AWB           string      `json:"awb"`
	Carrier       string      `json:"courier_name"`
	CurrentStatus string      `json:"current_status"`
}

// ParseEvent decodes a vendor webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var event Event
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode shipping webhook")
	}
	if strings.TrimSpace(event.CurrentStatus) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shipping webhook status missing")
	}
	return &event, nil
}

// Outcome reports what an event did.
type Outcome struct {
	Matched bool
	Changed bool
	Order   *models.Order
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Orders      orders.Repository
	Status      orders.Service
	Tx          txRunner
	TrackingURL func(awb string) string
	Logger      *logger.Logger
	Metrics     *metrics.FulfillmentMetrics
}

// Service moves orders along vendor status pushes.
type Service struct {
	orders      orders.Repository
	status      orders.Service
	tx          txRunner
	trackingURL func(awb string) string
	logg        *logger.Logger
	metrics     *metrics.FulfillmentMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repository required")
	}
	if params.Status == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	if params.Tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	trackingURL := params.TrackingURL
	if trackingURL == nil {
		trackingURL = func(string) string { return "" }
	}
	return &Service{
		orders:      params.Orders,
		status:      params.Status,
		tx:          params.Tx,
		trackingURL: trackingURL,
		logg:        params.Logger,
		metrics:     params.Metrics,
	}, nil
}

// HandleEvent applies a status push. Unknown orders and moves the state
// machine refuses are acknowledged without error, since the vendor cannot
// be authenticated and would otherwise redeliver forever.
func (s *Service) HandleEvent(ctx context.Context, event *Event) (*Outcome, error) {
	if event == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shipping event required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"vendor_order_id": event.VendorOrderID.String(),
		"vendor_status":   event.CurrentStatus,
	})

	order, err := s.lookup(ctx, event)
	if err != nil {
		s.metrics.IncWebhook(Provider, "error")
		return nil, err
	}
	if order == nil {
		s.metrics.IncWebhook(Provider, "unknown_order")
		s.logg.Warn(ctx, "shipping webhook for unknown order ignored")
		return &Outcome{}, nil
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	target, mapped := shipping.MapStatus(event.CurrentStatus)
	if !mapped || target == order.Status {
		updated, err := s.refresh(ctx, order, event)
		if err != nil {
			s.metrics.IncWebhook(Provider, "error")
			return nil, err
		}
		s.metrics.IncWebhook(Provider, "unchanged")
		return &Outcome{Matched: true, Order: updated}, nil
	}

	updated, changed, err := s.status.Transition(ctx, orders.TransitionInput{
		OrderID: order.ID,
		To:      target,
		Actor:   outbox.SystemActor(),
		Reason:  "shipping vendor: " + shipping.NormalizeStatus(event.CurrentStatus),
		Mutate: func(o *models.Order) {
			s.applyShipment(o, event)
		},
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeStateConflict) {
			s.metrics.IncWebhook(Provider, "rejected")
			s.logg.Warn(ctx, "shipping status move refused: "+err.Error())
			return &Outcome{Matched: true, Order: order}, nil
		}
		s.metrics.IncWebhook(Provider, "error")
		return nil, err
	}
	s.metrics.IncWebhook(Provider, "applied")
	return &Outcome{Matched: true, Changed: changed, Order: updated}, nil
}

func (s *Service) lookup(ctx context.Context, event *Event) (*models.Order, error) {
	if id := event.VendorOrderID.String(); id != "" {
		order, err := s.orders.FindByVendorOrderID(ctx, id)
		if err != nil || order != nil {
			return order, err
		}
	}
	if number := strings.TrimSpace(event.OrderNumber); number != "" {
		return s.orders.FindByOrderNumber(ctx, number)
	}
	return nil, nil
}

// refresh stores the latest vendor details without a status move.
func (s *Service) refresh(ctx context.Context, order *models.Order, event *Event) (*models.Order, error) {
	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		locked, err := repo.FindByIDForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		s.applyShipment(locked, event)
		if err := repo.Save(ctx, locked); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	return updated, err
}

// applyShipment copies the vendor's AWB, carrier and status onto the order.
func (s *Service) applyShipment(order *models.Order, event *Event) {
	shipment := order.Shipment
	if shipment == nil {
		now := time.Now().UTC()
		shipment = &types.Shipment{CreatedAt: &now}
	}
	if id := event.VendorOrderID.String(); id != "" {
		shipment.VendorOrderID = id
		order.VendorOrderID = &id
	}
	if id := event.ShipmentID.String(); id != "" {
		shipment.VendorShipmentID = id
	}
	if awb := strings.TrimSpace(event.AWB); awb != "" {
		shipment.AWB = awb
		shipment.TrackingURL = s.trackingURL(awb)
	}
	if carrier := strings.TrimSpace(event.Carrier); carrier != "" {
		shipment.Carrier = carrier
	}
	shipment.VendorStatus = shipping.NormalizeStatus(event.CurrentStatus)
	order.Shipment = shipment
}
