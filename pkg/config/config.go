package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App         AppConfig
	API         APIConfig
	Session     SessionConfig
	Realtime    RealtimeConfig
	Payment     PaymentConfig
	Coordinator CoordinatorConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"ORDERTRACK_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"ORDERTRACK_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ORDERTRACK_LOG_WARN_STACK" default:"false"`
	MetricsAddr  string `envconfig:"ORDERTRACK_METRICS_ADDR"`
	SupportURL   string `envconfig:"ORDERTRACK_SUPPORT_URL" default:"https://support.example.com/chat"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type APIConfig struct {
	BaseURL string        `envconfig:"ORDERTRACK_API_BASE_URL" required:"true"`
	Timeout time.Duration `envconfig:"ORDERTRACK_API_TIMEOUT" default:"10s"`
}

type SessionConfig struct {
	Token string `envconfig:"ORDERTRACK_SESSION_TOKEN"`
}

type RealtimeConfig struct {
	Transport        string        `envconfig:"ORDERTRACK_REALTIME_TRANSPORT" default:"websocket"`
	URL              string        `envconfig:"ORDERTRACK_REALTIME_URL"`
	HandshakeTimeout time.Duration `envconfig:"ORDERTRACK_REALTIME_HANDSHAKE_TIMEOUT" default:"10s"`
	PingPeriod       time.Duration `envconfig:"ORDERTRACK_REALTIME_PING_PERIOD" default:"54s"`
}

// TransportKind returns the normalized transport selector.
func (r RealtimeConfig) TransportKind() string {
	kind := strings.ToLower(strings.TrimSpace(r.Transport))
	if kind == "" {
		return TransportWebsocket
	}
	return kind
}

type PaymentConfig struct {
	Gateway        string        `envconfig:"ORDERTRACK_PAYMENT_GATEWAY" default:"razorpay"`
	ScriptURL      string        `envconfig:"ORDERTRACK_PAYMENT_SCRIPT_URL" default:"https://checkout.razorpay.com/v1/checkout.js"`
	BrandName      string        `envconfig:"ORDERTRACK_PAYMENT_BRAND_NAME" default:"Print Studio"`
	ThemeColor     string        `envconfig:"ORDERTRACK_PAYMENT_THEME_COLOR" default:"#111827"`
	VerifyDedupTTL time.Duration `envconfig:"ORDERTRACK_PAYMENT_VERIFY_DEDUP_TTL" default:"24h"`
}

type CoordinatorConfig struct {
	PollInterval time.Duration `envconfig:"ORDERTRACK_POLL_INTERVAL" default:"30s"`
	MaxAttempts  int           `envconfig:"ORDERTRACK_MAX_FETCH_ATTEMPTS" default:"3"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ORDERTRACK_REDIS_URL"`
	Address      string        `envconfig:"ORDERTRACK_REDIS_ADDR"`
	Password     string        `envconfig:"ORDERTRACK_REDIS_PASSWORD"`
	DB           int           `envconfig:"ORDERTRACK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ORDERTRACK_REDIS_POOL_SIZE" default:"4"`
	MinIdleConns int           `envconfig:"ORDERTRACK_REDIS_MIN_IDLE_CONNS" default:"1"`
	DialTimeout  time.Duration `envconfig:"ORDERTRACK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ORDERTRACK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ORDERTRACK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// PubSubConfig points at the order-status topic. Each order view creates its own
// subscription on it, filtered by the order_id attribute, and deletes it on close.
type PubSubConfig struct {
	ProjectID          string        `envconfig:"ORDERTRACK_GCP_PROJECT_ID"`
	StatusTopic        string        `envconfig:"ORDERTRACK_PUBSUB_STATUS_TOPIC"`
	SubscriptionPrefix string        `envconfig:"ORDERTRACK_PUBSUB_SUBSCRIPTION_PREFIX" default:"ordertrack-view"`
	SubscriptionTTL    time.Duration `envconfig:"ORDERTRACK_PUBSUB_SUBSCRIPTION_TTL" default:"24h"`
}

func (c *Config) validate() error {
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("%s must be an absolute url: %w", EnvAPIBaseURL, err)
	}
	if _, err := url.ParseRequestURI(c.App.SupportURL); err != nil {
		return fmt.Errorf("%s must be an absolute url: %w", EnvSupportURL, err)
	}
	switch c.Realtime.TransportKind() {
	case TransportWebsocket:
		if strings.TrimSpace(c.Realtime.URL) == "" {
			return fmt.Errorf("%s is required for the websocket transport", EnvRealtimeURL)
		}
	case TransportPubSub:
		if strings.TrimSpace(c.PubSub.ProjectID) == "" || strings.TrimSpace(c.PubSub.StatusTopic) == "" {
			return fmt.Errorf("%s and %s are required for the pubsub transport", EnvGCPProjectID, EnvPubSubStatusTopic)
		}
		if c.PubSub.SubscriptionTTL < 24*time.Hour {
			return fmt.Errorf("%s must be at least 24h", EnvPubSubSubscriptionTTL)
		}
	case TransportNone:
	default:
		return fmt.Errorf("unknown realtime transport %q", c.Realtime.Transport)
	}
	if c.Coordinator.PollInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvPollInterval)
	}
	if c.Coordinator.MaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvMaxFetchAttempts)
	}
	return nil
}
