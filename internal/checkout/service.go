package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/internal/coupons"
	"github.com/angelmondragon/fulfillment-core/internal/inventory"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// PaymentGateway is the subset of the gateway adapter checkout relies on.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error)
	FetchIntent(ctx context.Context, intentID string) (*gateway.Intent, error)
	FetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	VerifySignature(intentID, paymentID, signature string) bool
}

// ShipmentScheduler books the shipment after the order is committed. It must
// not block the caller.
type ShipmentScheduler interface {
	Schedule(ctx context.Context, order *models.Order)
}

// Service turns a cart into an order through one of the payment flows.
type Service interface {
	PlaceCOD(ctx context.Context, userID uuid.UUID, input PlaceInput) (*Result, error)
	CreateIntent(ctx context.Context, userID uuid.UUID, input PlaceInput) (*IntentResult, error)
	VerifyPayment(ctx context.Context, userID uuid.UUID, input VerifyInput) (*Result, error)
	CreateTokenIntent(ctx context.Context, userID uuid.UUID, input PlaceInput) (*IntentResult, error)
	VerifyTokenPayment(ctx context.Context, userID uuid.UUID, input VerifyInput) (*Result, error)
	MaterializeCaptured(ctx context.Context, intentID, paymentID string) (*Result, error)
}

// Config carries the checkout knobs read from the environment.
type Config struct {
	Currency           string
	GatewayKeyID       string
	CancellationWindow time.Duration
	TokenAmountMinor   int64
}

// Deps groups the collaborators of the checkout service.
type Deps struct {
	Tx       txRunner
	Carts    cart.CartRepository
	Orders   orders.Repository
	Ledger   inventory.Ledger
	Coupons  coupons.Engine
	Gateway  PaymentGateway
	Outbox   outbox.Emitter
	Shipping ShipmentScheduler
	Logger   *logger.Logger
	Metrics  *metrics.FulfillmentMetrics
}

// PlaceInput is what the customer submits at checkout.
type PlaceInput struct {
	Address    types.ShippingAddress
	CouponCode string
}

// VerifyInput is the client-side confirmation returned by the gateway widget.
type VerifyInput struct {
	IntentID  string
	PaymentID string
	Signature string
}

// Result is the outcome of a completed checkout. Existing is set when the
// order had already been created by an earlier call. Degraded is set when the
// payment is captured but fulfillment needs operator review.
type Result struct {
	Order     *models.Order
	Existing  bool
	Degraded  bool
	PaymentID string
	Message   string
}

// IntentResult is returned to the client to open the gateway payment flow.
type IntentResult struct {
	IntentID      string
	KeyID         string
	AmountMinor   int64
	Currency      string
	SubtotalMinor int64
	DiscountMinor int64
	TotalMinor    int64
}

const (
	noteSnapshot = "snapshot"
	noteUserID   = "user_id"

	degradedMessage   = "payment confirmed, fulfillment pending manual review"
	// unrecordedMessage takes the gateway payment id.
	unrecordedMessage = "payment confirmed but the order could not be recorded; contact support with reference id %s"
)

type service struct {
	cfg      Config
	tx       txRunner
	carts    cart.CartRepository
	orders   orders.Repository
	ledger   inventory.Ledger
	coupons  coupons.Engine
	gateway  PaymentGateway
	outbox   outbox.Emitter
	shipping ShipmentScheduler
	logg     *logger.Logger
	metrics  *metrics.FulfillmentMetrics
	now      func() time.Time
}

// NewService builds the checkout service.
func NewService(cfg Config, deps Deps) (Service, error) {
	if deps.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if deps.Carts == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if deps.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if deps.Coupons == nil {
		return nil, fmt.Errorf("coupon engine required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if deps.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if deps.Shipping == nil {
		return nil, fmt.Errorf("shipment scheduler required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.CancellationWindow <= 0 {
		return nil, fmt.Errorf("cancellation window must be positive")
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "INR"
	}
	return &service{
		cfg:      cfg,
		tx:       deps.Tx,
		carts:    deps.Carts,
		orders:   deps.Orders,
		ledger:   deps.Ledger,
		coupons:  deps.Coupons,
		gateway:  deps.Gateway,
		outbox:   deps.Outbox,
		shipping: deps.Shipping,
		logg:     deps.Logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}, nil
}

// PlaceCOD materializes a cash-on-delivery order immediately. Nothing has
// been charged, so any failure is returned to the caller as is.
func (s *service) PlaceCOD(ctx context.Context, userID uuid.UUID, input PlaceInput) (*Result, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{"user_id": userID.String(), "payment_method": enums.PaymentMethodCOD})

	snap, err := s.quote(ctx, userID, input, enums.PaymentMethodCOD)
	if err != nil {
		s.metrics.IncCheckout(string(enums.PaymentMethodCOD), "rejected")
		return nil, err
	}
	snap.ChargeMinor = 0

	order, err := s.materialize(ctx, materializeInput{
		snapshot:      snap,
		status:        enums.OrderStatusConfirmed,
		paymentStatus: enums.PaymentStatusPending,
		actor:         outbox.UserActor(userID),
	})
	if err != nil {
		s.metrics.IncCheckout(string(enums.PaymentMethodCOD), "failed")
		s.logg.Error(ctx, "cod checkout failed", err)
		return nil, err
	}

	s.afterCommit(ctx, order)
	s.metrics.IncCheckout(string(enums.PaymentMethodCOD), "success")
	return &Result{Order: order}, nil
}

// afterCommit runs the steps that follow a committed order: coupon usage and
// shipment scheduling. Neither can fail the checkout.
func (s *service) afterCommit(ctx context.Context, order *models.Order) {
	if order.Coupon != nil && order.Coupon.Code != "" {
		usageCtx := context.WithoutCancel(ctx)
		if err := s.coupons.RecordUsage(usageCtx, order.Coupon.Code, order.UserID, order.ID); err != nil {
			logCtx := s.logg.WithFields(usageCtx, map[string]any{"order_id": order.ID.String(), "coupon": order.Coupon.Code})
			s.logg.Error(logCtx, "record coupon usage failed", err)
		}
	}
	s.shipping.Schedule(ctx, order)
}

