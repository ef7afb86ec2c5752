package config

const EnvPrefix = "FULFILLMENT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "FULFILLMENT_APP_ENV"
	EnvPort     = "FULFILLMENT_APP_PORT"
	EnvLogLevel = "FULFILLMENT_LOG_LEVEL"

	EnvDBDSN  = "FULFILLMENT_DB_DSN"
	EnvDBHost = "FULFILLMENT_DB_HOST"
	EnvDBUser = "FULFILLMENT_DB_USER"
	EnvDBName = "FULFILLMENT_DB_NAME"

	EnvRedisURL  = "FULFILLMENT_REDIS_URL"
	EnvJWTSecret = "FULFILLMENT_JWT_SECRET"
	EnvJWTIssuer = "FULFILLMENT_JWT_ISSUER"

	EnvGatewayKeyID         = "FULFILLMENT_GATEWAY_KEY_ID"
	EnvGatewayKeySecret     = "FULFILLMENT_GATEWAY_KEY_SECRET"
	EnvGatewayWebhookSecret = "FULFILLMENT_GATEWAY_WEBHOOK_SECRET"

	EnvCancellationWindow = "FULFILLMENT_CANCELLATION_WINDOW"
	EnvReturnWindow       = "FULFILLMENT_RETURN_WINDOW"
	EnvTokenAmountMinor   = "FULFILLMENT_TOKEN_AMOUNT_MINOR"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
