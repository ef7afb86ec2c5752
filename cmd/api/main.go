package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/fulfillment-core/api/routes"
	"github.com/angelmondragon/fulfillment-core/internal/cancellation"
	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/internal/checkout"
	"github.com/angelmondragon/fulfillment-core/internal/coupons"
	"github.com/angelmondragon/fulfillment-core/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-core/internal/inventory"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	paymentwebhook "github.com/angelmondragon/fulfillment-core/internal/webhooks/payment"
	shippingwebhook "github.com/angelmondragon/fulfillment-core/internal/webhooks/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/config"
	"github.com/angelmondragon/fulfillment-core/pkg/db"
	"github.com/angelmondragon/fulfillment-core/pkg/dedupe"
	"github.com/angelmondragon/fulfillment-core/pkg/gateway"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
	"github.com/angelmondragon/fulfillment-core/pkg/migrate"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/redis"
	"github.com/angelmondragon/fulfillment-core/pkg/retry"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	fulfillmentMetrics := metrics.NewFulfillmentMetrics(prometheus.DefaultRegisterer)

	gatewayClient, err := gateway.NewClient(cfg.Gateway.KeyID, cfg.Gateway.KeySecret,
		gateway.WithBaseURL(cfg.Gateway.BaseURL),
		gateway.WithWebhookSecret(cfg.Gateway.WebhookSecret),
		gateway.WithTimeout(cfg.Gateway.Timeout),
		gateway.WithLogger(logg),
	)
	if err != nil {
		return err
	}
	if !gatewayClient.WebhookEnabled() {
		logg.Warn(ctx, "payment webhook secret not configured; inbound payment webhooks will be rejected")
	}

	shippingClient, err := shipping.NewClient(cfg.Shipping.Email, cfg.Shipping.Password,
		redis.NewTokenCache(redisClient, "shipping"),
		shipping.WithBaseURL(cfg.Shipping.BaseURL),
		shipping.WithPickupLocation(cfg.Shipping.PickupLocation),
		shipping.WithFallbackEmail(cfg.Shipping.FallbackEmail),
		shipping.WithTrackingURLBase(cfg.Shipping.TrackingURLBase),
		shipping.WithTokenTTL(cfg.Shipping.TokenTTL),
		shipping.WithTimeout(cfg.Shipping.Timeout),
		shipping.WithLogger(logg),
	)
	if err != nil {
		return err
	}

	gormDB := dbClient.DB()
	ordersRepo := orders.NewRepository(gormDB)
	outboxSvc := outbox.NewService(outbox.NewRepository(gormDB), logg)
	ledger := inventory.NewLedger(gormDB, logg, fulfillmentMetrics)

	ordersSvc, err := orders.NewService(ordersRepo, dbClient, outboxSvc, logg, cfg.Checkout.ReturnWindow)
	if err != nil {
		return err
	}

	supervisor, err := retry.NewSupervisor(retry.Policy{
		Attempts: cfg.Shipping.ShipmentAttempts,
		Base:     cfg.Shipping.ShipmentBackoff,
	}, logg, fulfillmentMetrics, 64)
	if err != nil {
		return err
	}
	dispatcher, err := fulfillment.NewDispatcher(fulfillment.DispatcherParams{
		Supervisor: supervisor,
		Client:     shippingClient,
		Orders:     ordersRepo,
		Status:     ordersSvc,
		Tx:         dbClient,
		Outbox:     outboxSvc,
		Logger:     logg,
	})
	if err != nil {
		return err
	}

	couponEngine, err := coupons.NewEngine(coupons.NewRepository(gormDB), dbClient, logg)
	if err != nil {
		return err
	}

	cartRepo := cart.NewRepository(gormDB)
	cartSvc, err := cart.NewService(cartRepo, cart.NewProductCatalog(gormDB), ledger, dbClient, logg)
	if err != nil {
		return err
	}

	checkoutSvc, err := checkout.NewService(checkout.Config{
		Currency:           cfg.Gateway.Currency,
		GatewayKeyID:       cfg.Gateway.KeyID,
		CancellationWindow: cfg.Checkout.CancellationWindow,
		TokenAmountMinor:   cfg.Checkout.TokenAmountMinor,
	}, checkout.Deps{
		Tx:       dbClient,
		Carts:    cartRepo,
		Orders:   ordersRepo,
		Ledger:   ledger,
		Coupons:  couponEngine,
		Gateway:  gatewayClient,
		Outbox:   outboxSvc,
		Shipping: dispatcher,
		Logger:   logg,
		Metrics:  fulfillmentMetrics,
	})
	if err != nil {
		return err
	}

	cancellationSvc, err := cancellation.NewService(cancellation.Deps{
		Tx:       dbClient,
		Orders:   ordersRepo,
		Status:   ordersSvc,
		Ledger:   ledger,
		Gateway:  gatewayClient,
		Shipping: shippingClient,
		Outbox:   outboxSvc,
		Logger:   logg,
		Metrics:  fulfillmentMetrics,
	})
	if err != nil {
		return err
	}

	paymentWebhookSvc, err := paymentwebhook.NewService(paymentwebhook.ServiceParams{
		Checkout: checkoutSvc,
		Orders:   ordersRepo,
		Tx:       dbClient,
		Logger:   logg,
		Metrics:  fulfillmentMetrics,
	})
	if err != nil {
		return err
	}
	shippingWebhookSvc, err := shippingwebhook.NewService(shippingwebhook.ServiceParams{
		Orders:      ordersRepo,
		Status:      ordersSvc,
		Tx:          dbClient,
		TrackingURL: shippingClient.TrackingURL,
		Logger:      logg,
		Metrics:     fulfillmentMetrics,
	})
	if err != nil {
		return err
	}
	webhookGuard, err := dedupe.NewManager(redisClient, cfg.Redis.WebhookTTL)
	if err != nil {
		return err
	}

	router := routes.NewRouter(routes.RouterParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		Idempo:   redisClient,
		Gatherer: prometheus.DefaultGatherer,

		Checkout:     checkoutSvc,
		Cart:         cartSvc,
		Orders:       ordersSvc,
		Cancellation: cancellationSvc,
		Fulfillment:  dispatcher,

		PaymentWebhook:  paymentWebhookSvc,
		PaymentVerifier: gatewayClient,
		WebhookGuard:    webhookGuard,
		ShippingWebhook: shippingWebhookSvc,
	})

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	go func() {
		if err := dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(dispatchCtx, "shipment dispatcher stopped", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logCtx := logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "addr": addr})
	logg.Info(logCtx, "starting api server")

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logg.Info(logCtx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(logCtx, "http server shutdown failed", err)
	}
	// In-flight bookings finish before the dispatcher stops draining results.
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logg.Error(logCtx, "shipment dispatcher shutdown failed", err)
	}
	cancelDispatch()
	return nil
}
