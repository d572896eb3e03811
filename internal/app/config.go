package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (TAXENGINE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (TAXENGINE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis connection URL for the provider response cache; empty uses in-process memory" flag:"redis-url"`
	Provider    ProviderConfig
	Cache       CacheConfig
	Tax         TaxConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// ProviderConfig locates the external tax provider. An empty endpoint
// disables the provider strategy and prices come from flat rates alone.
type ProviderConfig struct {
	Name     string        `default:"external" usage:"Provider name used in logs and cache diagnostics"`
	Endpoint string        `usage:"External tax provider URL (TAXENGINE_PROVIDER_ENDPOINT)"`
	APIKey   string        `usage:"Bearer token for the external provider" flag:"api-key"`
	Timeout  time.Duration `default:"10s" usage:"Per-call provider timeout"`
}

// CacheConfig tunes the provider response cache TTLs.
type CacheConfig struct {
	SuccessTTL time.Duration `default:"30m" usage:"TTL for successful provider responses" flag:"success-ttl"`
	FailureTTL time.Duration `default:"1m" usage:"TTL for memoized provider failures" flag:"failure-ttl"`
}

// TaxConfig tunes the computation itself.
type TaxConfig struct {
	// PriceFreshFor bounds how long a fresh document's stored prices stay
	// trusted. Zero means prices stay fresh until an input changes.
	PriceFreshFor time.Duration `default:"1h" usage:"Stored price freshness TTL" flag:"price-fresh-for"`

	// WeightedShippingRate averages line rates by net weight when taxing
	// shipping instead of using the destination country's default rate.
	WeightedShippingRate bool `default:"false" usage:"Tax shipping at the net-weighted average of line rates" flag:"weighted-shipping-rate"`
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
		EnvPrefix: "TAXENGINE",
		Files:     []string{"config.yaml", "/etc/tax-engine/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set TAXENGINE_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's TAXENGINE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
