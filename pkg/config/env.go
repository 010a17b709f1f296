package config

const (
	EnvPrefix = "ORDERTRACK"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	TransportWebsocket = "websocket"
	TransportPubSub    = "pubsub"
	TransportNone      = "none"
)

const (
	EnvAppEnv                   = "ORDERTRACK_APP_ENV"
	EnvLogLevel                 = "ORDERTRACK_LOG_LEVEL"
	EnvMetricsAddr              = "ORDERTRACK_METRICS_ADDR"
	EnvSupportURL               = "ORDERTRACK_SUPPORT_URL"
	EnvAPIBaseURL               = "ORDERTRACK_API_BASE_URL"
	EnvAPITimeout               = "ORDERTRACK_API_TIMEOUT"
	EnvSessionToken             = "ORDERTRACK_SESSION_TOKEN"
	EnvRealtimeTransport        = "ORDERTRACK_REALTIME_TRANSPORT"
	EnvRealtimeURL              = "ORDERTRACK_REALTIME_URL"
	EnvPaymentScriptURL         = "ORDERTRACK_PAYMENT_SCRIPT_URL"
	EnvPollInterval             = "ORDERTRACK_POLL_INTERVAL"
	EnvMaxFetchAttempts         = "ORDERTRACK_MAX_FETCH_ATTEMPTS"
	EnvRedisURL                 = "ORDERTRACK_REDIS_URL"
	EnvGCPProjectID             = "ORDERTRACK_GCP_PROJECT_ID"
	EnvPubSubStatusTopic        = "ORDERTRACK_PUBSUB_STATUS_TOPIC"
	EnvPubSubSubscriptionTTL    = "ORDERTRACK_PUBSUB_SUBSCRIPTION_TTL"
)
