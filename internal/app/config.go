package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (FORGE_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (FORGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL     string `default:"redis://localhost:6379/0" usage:"Redis connection URL (FORGE_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (FORGE_API_KEY_PEPPER)" flag:"api-key-pepper"`

	Components   ComponentsConfig
	Broker       BrokerConfig
	Cart         CartConfig
	Orders       OrdersConfig
	Payment      PaymentConfig
	Razorpay     RazorpayConfig
	Catalog      ServiceConfig
	Users        ServiceConfig
	Notification NotificationConfig
	SMTP         SMTPConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// ComponentsConfig selects the roles this process runs. Every role owns its
// routes and event consumers; all three may share one process.
type ComponentsConfig struct {
	Orders        bool `default:"true" usage:"Run cart and order APIs and consumers"`
	Payments      bool `default:"true" usage:"Run payment APIs and consumers"`
	Notifications bool `default:"true" usage:"Run notification APIs, consumers and delivery"`
}

// BrokerConfig selects and tunes the event transport.
type BrokerConfig struct {
	Kind          string        `default:"redis" usage:"Event transport: redis or memory"`
	Partitions    int           `default:"8" usage:"Partitions per topic"`
	MaxLen        int64         `default:"100000" usage:"Approximate stream length cap"`
	ClaimIdle     time.Duration `default:"30s" usage:"Idle time before a pending event is reclaimed"`
	MaxDeliveries int64         `default:"5" usage:"Deliveries before an event is dead-lettered"`
	Consumer      string        `usage:"Consumer name within its group, defaults to host-pid"`
}

// CartConfig controls cart storage.
type CartConfig struct {
	TTL time.Duration `default:"168h" usage:"Cart expiry after the last change"`
}

// OrdersConfig controls the order lifecycle.
type OrdersConfig struct {
	PermissiveStatusUpdates bool `default:"false" usage:"Allow admin status updates outside the transition table"`
}

// PaymentConfig controls payment policy.
type PaymentConfig struct {
	IdempotencyTTL  time.Duration `default:"24h" usage:"How long idempotent responses are kept"`
	DefaultCurrency string        `default:"INR" usage:"Currency used when a request omits it"`
	GatewayTimeout  time.Duration `default:"10s" usage:"Timeout for a single gateway call"`
}

// RazorpayConfig holds gateway credentials.
type RazorpayConfig struct {
	BaseURL   string `default:"https://api.razorpay.com" usage:"Razorpay API base URL"`
	KeyID     string `usage:"Razorpay key id"`
	KeySecret string `usage:"Razorpay key secret"`
}

// ServiceConfig locates a collaborating HTTP service.
type ServiceConfig struct {
	BaseURL    string        `usage:"Base URL of the service"`
	Timeout    time.Duration `default:"5s" usage:"Per-request timeout"`
	MaxRetries uint64        `default:"3" usage:"Retries on 5xx and transport errors"`
	CacheTTL   time.Duration `default:"30s" usage:"Read-through cache lifetime, zero disables"`
}

// NotificationConfig controls delivery.
type NotificationConfig struct {
	MaxRetries    int           `default:"3" usage:"Delivery attempts before a notification fails"`
	SendTimeout   time.Duration `default:"10s" usage:"Timeout for a single send"`
	SweepInterval time.Duration `default:"1m" usage:"Retry sweep interval"`
	SweepBatch    int           `default:"100" usage:"Notifications retried per sweep"`
	Workers       int           `default:"4" usage:"Concurrent delivery workers"`
	StaleAfter    time.Duration `default:"10m" usage:"Age after which a SENDING notification is retried"`
}

// SMTPConfig configures outgoing mail. An empty Host logs messages instead
// of sending them.
type SMTPConfig struct {
	Host     string `usage:"SMTP host"`
	Port     int    `default:"587" usage:"SMTP port"`
	Username string `usage:"SMTP username"`
	Password string `usage:"SMTP password"`
	From     string `default:"noreply@cloudforge.io" usage:"Sender address"`
	FromName string `default:"CloudForge" usage:"Sender display name"`
	TLS      bool   `default:"true" usage:"Require STARTTLS"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "FORGE",
		Files:     []string{"config.yaml", "/etc/cloudforge/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set FORGE_DATABASE_URL or DATABASE_URL")
	}
	switch c.Broker.Kind {
	case "redis", "memory":
	default:
		return errors.Errorf("unknown broker %q: want redis or memory", c.Broker.Kind)
	}
	if !c.Components.Orders && !c.Components.Payments && !c.Components.Notifications {
		return errors.New("no components enabled")
	}
	if c.Components.Orders && c.Catalog.BaseURL == "" {
		return errors.New("catalog base URL is required for the orders component")
	}
	if c.Components.Payments && (c.Razorpay.KeyID == "" || c.Razorpay.KeySecret == "") {
		return errors.New("razorpay key id and secret are required for the payments component")
	}
	if c.Components.Notifications && c.Users.BaseURL == "" {
		return errors.New("users base URL is required for the notifications component")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's FORGE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if v := os.Getenv("REDIS_URL"); v != "" && os.Getenv("FORGE_REDIS_URL") == "" {
		c.RedisURL = v
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
