package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/fulfillment-core/api/controllers"
	webhookcontrollers "github.com/angelmondragon/fulfillment-core/api/controllers/webhooks"
	"github.com/angelmondragon/fulfillment-core/api/middleware"
	"github.com/angelmondragon/fulfillment-core/internal/cancellation"
	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/internal/checkout"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/config"
	"github.com/angelmondragon/fulfillment-core/pkg/db"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/redis"
)

// Fulfillment is the dispatcher surface the API exposes.
type Fulfillment interface {
	controllers.Tracker
	controllers.ShipmentRetrier
}

type paymentVerifier interface {
	WebhookEnabled() bool
	VerifyWebhook(body []byte, signature string) error
}

type deliveryGuard interface {
	CheckAndMark(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// RouterParams carries every service the HTTP surface calls.
type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       db.Pinger
	Redis    redis.Pinger
	Idempo   redis.IdempotencyStore
	Gatherer prometheus.Gatherer

	Checkout     checkout.Service
	Cart         cart.Service
	Orders       orders.Service
	Cancellation cancellation.Service
	Fulfillment  Fulfillment

	PaymentWebhook  webhookcontrollers.PaymentWebhookService
	PaymentVerifier paymentVerifier
	WebhookGuard    deliveryGuard
	ShippingWebhook webhookcontrollers.ShippingWebhookService
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive)
		r.Get("/ready", controllers.HealthReady(logg, map[string]controllers.Pinger{
			"database": p.DB,
			"redis":    p.Redis,
		}))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payment", webhookcontrollers.PaymentWebhook(p.PaymentWebhook, p.PaymentVerifier, p.WebhookGuard, logg))
		r.Post("/shipping", webhookcontrollers.ShippingWebhook(p.ShippingWebhook, logg))
	})

	idempotent := middleware.Idempotency(p.Idempo, cfg.Redis.IdempotencyTTL, logg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", controllers.GetCart(p.Cart, logg))
			r.Post("/items", controllers.AddCartItem(p.Cart, logg))
			r.Delete("/items/{productId}/{size}", controllers.RemoveCartItem(p.Cart, logg))
			r.Post("/items/{productId}/{size}/save", controllers.SaveCartItemForLater(p.Cart, logg))
			r.Post("/saved/{productId}/{size}/move", controllers.MoveSavedItemToCart(p.Cart, logg))
		})

		r.Route("/payment", func(r chi.Router) {
			r.With(idempotent).Post("/create-order", controllers.CreatePaymentOrder(p.Checkout, logg))
			r.With(idempotent).Post("/verify-payment", controllers.VerifyPayment(p.Checkout, logg))
		})

		r.Route("/cod", func(r chi.Router) {
			r.With(idempotent).Post("/create-order", controllers.PlaceCODOrder(p.Checkout, logg))
			r.With(idempotent).Post("/create-token-order", controllers.CreateTokenOrder(p.Checkout, logg))
			r.With(idempotent).Post("/verify-token-payment", controllers.VerifyTokenPayment(p.Checkout, logg))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", controllers.ListOrders(p.Orders, logg))
			r.Get("/{orderId}", controllers.GetOrder(p.Orders, logg))
			r.Get("/{orderId}/tracking", controllers.GetOrderTracking(p.Fulfillment, logg))
			r.With(idempotent).Put("/{orderId}/cancel", controllers.CancelOrder(p.Cancellation, logg))
			r.Put("/{orderId}/return", controllers.RequestReturn(p.Orders, logg))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(enums.RoleAdmin, logg))
			r.Get("/reconciliation", controllers.ListReconciliation(p.Orders, logg))
			r.With(idempotent).Post("/orders/{orderId}/refund", controllers.AdminRefund(p.Cancellation, logg))
			r.Post("/orders/{orderId}/retry-shipment", controllers.RetryShipment(p.Fulfillment, logg))
		})
	})

	return r
}
