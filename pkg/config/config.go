package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Gateway      GatewayConfig
	Shipping     ShippingConfig
	Checkout     CheckoutConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Checkout.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FULFILLMENT_APP_ENV" required:"true"`
	Port         string `envconfig:"FULFILLMENT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FULFILLMENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FULFILLMENT_LOG_WARN_STACK" default:"false"`

	// CORSOrigins lists storefront origins allowed to call the API.
	CORSOrigins []string `envconfig:"FULFILLMENT_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type DBConfig struct {
	DSN    string `envconfig:"FULFILLMENT_DB_DSN"`
	Driver string `envconfig:"FULFILLMENT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FULFILLMENT_DB_HOST"`
	LegacyPort     int    `envconfig:"FULFILLMENT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FULFILLMENT_DB_USER"`
	LegacyPassword string `envconfig:"FULFILLMENT_DB_PASSWORD"`
	LegacyName     string `envconfig:"FULFILLMENT_DB_NAME"`
	LegacySSLMode  string `envconfig:"FULFILLMENT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FULFILLMENT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FULFILLMENT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FULFILLMENT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FULFILLMENT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FULFILLMENT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FULFILLMENT_REDIS_ADDR"`
	Password     string        `envconfig:"FULFILLMENT_REDIS_PASSWORD"`
	DB           int           `envconfig:"FULFILLMENT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FULFILLMENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FULFILLMENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FULFILLMENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FULFILLMENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FULFILLMENT_REDIS_WRITE_TIMEOUT" default:"5s"`

	IdempotencyTTL time.Duration `envconfig:"FULFILLMENT_REDIS_IDEMPOTENCY_TTL" default:"24h"`
	WebhookTTL     time.Duration `envconfig:"FULFILLMENT_REDIS_WEBHOOK_TTL" default:"720h"`
}

// JWTConfig only verifies tokens; issuing them belongs to the auth service.
type JWTConfig struct {
	Secret string `envconfig:"FULFILLMENT_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"FULFILLMENT_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"FULFILLMENT_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"FULFILLMENT_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"FULFILLMENT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"FULFILLMENT_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic string `envconfig:"FULFILLMENT_PUBSUB_ORDERS_TOPIC" default:"fulfillment-order-events"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"FULFILLMENT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"FULFILLMENT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"FULFILLMENT_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"FULFILLMENT_OUTBOX_RETENTION" default:"720h"`
}

// GatewayConfig holds the payment provider credentials. WebhookSecret may be
// empty, in which case inbound payment webhooks are rejected.
type GatewayConfig struct {
	BaseURL       string        `envconfig:"FULFILLMENT_GATEWAY_BASE_URL" default:"https://api.razorpay.com/v1"`
	KeyID         string        `envconfig:"FULFILLMENT_GATEWAY_KEY_ID"`
	KeySecret     string        `envconfig:"FULFILLMENT_GATEWAY_KEY_SECRET"`
	WebhookSecret string        `envconfig:"FULFILLMENT_GATEWAY_WEBHOOK_SECRET"`
	Currency      string        `envconfig:"FULFILLMENT_GATEWAY_CURRENCY" default:"INR"`
	Timeout       time.Duration `envconfig:"FULFILLMENT_GATEWAY_TIMEOUT" default:"15s"`
}

type ShippingConfig struct {
	BaseURL          string        `envconfig:"FULFILLMENT_SHIPPING_BASE_URL" default:"https://apiv2.shiprocket.in/v1/external"`
	Email            string        `envconfig:"FULFILLMENT_SHIPPING_EMAIL"`
	Password         string        `envconfig:"FULFILLMENT_SHIPPING_PASSWORD"`
	PickupLocation   string        `envconfig:"FULFILLMENT_SHIPPING_PICKUP_LOCATION" default:"Primary"`
	FallbackEmail    string        `envconfig:"FULFILLMENT_SHIPPING_FALLBACK_EMAIL" default:"orders@example.com"`
	TokenTTL         time.Duration `envconfig:"FULFILLMENT_SHIPPING_TOKEN_TTL" default:"20h"`
	TrackingURLBase  string        `envconfig:"FULFILLMENT_SHIPPING_TRACKING_URL_BASE" default:"https://shiprocket.co/tracking/"`
	Timeout          time.Duration `envconfig:"FULFILLMENT_SHIPPING_TIMEOUT" default:"20s"`
	ShipmentAttempts int           `envconfig:"FULFILLMENT_SHIPPING_ATTEMPTS" default:"3"`
	ShipmentBackoff  time.Duration `envconfig:"FULFILLMENT_SHIPPING_BACKOFF" default:"2s"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"FULFILLMENT_CRON_INTERVAL" default:"1h"`
	LockTTL  time.Duration `envconfig:"FULFILLMENT_CRON_LOCK_TTL" default:"30m"`
}

type CheckoutConfig struct {
	CancellationWindow time.Duration `envconfig:"FULFILLMENT_CANCELLATION_WINDOW" default:"24h"`
	ReturnWindow       time.Duration `envconfig:"FULFILLMENT_RETURN_WINDOW" default:"168h"`
	// TokenAmountMinor is the upfront charge for token-backed COD orders, in minor units.
	TokenAmountMinor int64 `envconfig:"FULFILLMENT_TOKEN_AMOUNT_MINOR" default:"10000"`
}

func (c CheckoutConfig) validate() error {
	if c.CancellationWindow <= 0 {
		return fmt.Errorf("%s must be positive", EnvCancellationWindow)
	}
	if c.ReturnWindow <= 0 {
		return fmt.Errorf("%s must be positive", EnvReturnWindow)
	}
	if c.TokenAmountMinor <= 0 {
		return fmt.Errorf("%s must be positive", EnvTokenAmountMinor)
	}
	return nil
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
