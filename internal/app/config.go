package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// Config holds the complete application configuration, loadable from
// environment variables (BLKD_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (BLKD_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Credit      CreditConfig
	Fees        FeesConfig
	Gateway     GatewayConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// CreditConfig sets the loyalty unit and its value in any payment currency.
type CreditConfig struct {
	Unit string `default:"BLKD" usage:"Loyalty credit unit"`
	Rate string `default:"1"    usage:"Value of one credit unit in the payment currency"`
}

// FeesConfig controls the fee schedule cache.
type FeesConfig struct {
	RefreshInterval time.Duration `default:"1m" usage:"How long a loaded fee schedule snapshot is reused" flag:"fees-refresh-interval"`
}

// GatewayConfig controls the simulated payment gateway and its breaker.
type GatewayConfig struct {
	Latency      time.Duration `default:"1500ms" usage:"Simulated charge latency"`
	DeclineRatio float64       `default:"0"      usage:"Share of charges the simulated gateway declines"`
	Timeout      time.Duration `default:"10s"    usage:"Upper bound on a single charge"`
	Breaker      BreakerConfig
}

// BreakerConfig controls the gateway circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `default:"5"   usage:"Consecutive gateway errors that open the breaker"`
	OpenTimeout time.Duration `default:"30s" usage:"How long the breaker stays open"`
}

// KafkaConfig enables checkout event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers; events are dropped when empty"`
	Topic   string   `default:"checkout.events" usage:"Checkout events topic"`
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64 `default:"20" usage:"Sustained requests per second per client"`
	Burst int     `default:"40" usage:"Burst size per client"`
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
		EnvPrefix: "BLKD",
		Files:     []string{"config.yaml", "/etc/blkd/config.yaml"},
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
		return errors.New("database URL is required: set BLKD_DATABASE_URL or DATABASE_URL")
	}
	if _, err := c.Credit.unit(); err != nil {
		return errors.Wrap(err, "credit unit")
	}
	rate, err := c.Credit.rate()
	if err != nil {
		return errors.Wrap(err, "credit rate")
	}
	if !rate.IsPositive() {
		return errors.Errorf("credit rate must be positive, got %s", rate)
	}
	if c.Gateway.DeclineRatio < 0 || c.Gateway.DeclineRatio > 1 {
		return errors.Errorf("gateway decline ratio must be within [0, 1], got %v", c.Gateway.DeclineRatio)
	}
	return nil
}

func (c CreditConfig) unit() (money.Currency, error) {
	return money.ParseCurrency(c.Unit)
}

func (c CreditConfig) rate() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Rate)
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's BLKD_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
