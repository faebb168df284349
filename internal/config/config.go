// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"HTTP_ADDR"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`   // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"LOG_FORMAT"` // json|console
	Sampling bool   `yaml:"sampling"`                // enable sampling in prod
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DATABASE_DRIVER"` // postgres | sqlite
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL               string        `yaml:"url" env:"REDIS_URL"`
	Password          string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB                int           `yaml:"db"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	ConfirmRateLimit  int           `yaml:"confirm_rate_limit"` // per payment id per window; 0 disables
	ConfirmRateWindow time.Duration `yaml:"confirm_rate_window"`
}

type ProviderConfig struct {
	BaseURL         string        `yaml:"base_url" env:"PROVIDER_BASE_URL"`
	Login           string        `yaml:"login" env:"PROVIDER_LOGIN"`
	SecretKey       string        `yaml:"secret_key" env:"PROVIDER_SECRET_KEY"`
	Timeout         time.Duration `yaml:"timeout"`
	Lang            string        `yaml:"lang"`
	NotificationURL string        `yaml:"notification_url"`
	SuccessURL      string        `yaml:"success_url"`
	BacklinkURL     string        `yaml:"backlink_url"`
	LinkTTL         time.Duration `yaml:"link_ttl"`
	// StatusRetries defaults to 2 when the key is absent; 0 disables retries.
	StatusRetries int `yaml:"status_retries"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret" env:"WEBHOOK_SECRET"`
}

// ProductConfig describes the single course on sale. Price is kept as a string
// in YAML so it never passes through a float.
type ProductConfig struct {
	Name     string `yaml:"name"`
	SKU      string `yaml:"sku"`
	Price    string `yaml:"price"`
	Currency string `yaml:"currency"`

	Amount decimal.Decimal `yaml:"-" env:"-"`
}

type SessionConfig struct {
	Secret string        `yaml:"secret" env:"SESSION_SECRET"`
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
}

type AdminConfig struct {
	APIKey string `yaml:"api_key" env:"ADMIN_API_KEY"`
}

type ReconcilerConfig struct {
	Enabled    bool          `yaml:"enabled" env:"RECONCILER_ENABLED"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
	Workers    int           `yaml:"workers"`
}

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Provider   ProviderConfig   `yaml:"provider"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Product    ProductConfig    `yaml:"product"`
	Session    SessionConfig    `yaml:"session"`
	Admin      AdminConfig      `yaml:"admin"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`

	Runtime RuntimeConfig `yaml:"-" env:"-"`
}

// LoadConfig reads the YAML file at path, then lets environment variables
// override the secrets and endpoints tagged with `env`.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// yaml leaves absent keys untouched, so defaults that must stay
	// distinguishable from an explicit zero are seeded here.
	cfg := Config{Provider: ProviderConfig{StatusRetries: defaultStatusRetries}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const (
	defaultStatusRetries = 2
	// money is stored as NUMERIC(14,2)
	maxPriceDecimals = 2
)

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.HTTP.ReadTimeout = orDuration(c.HTTP.ReadTimeout, 10*time.Second)
	c.HTTP.WriteTimeout = orDuration(c.HTTP.WriteTimeout, 20*time.Second)
	c.HTTP.RequestTimeout = orDuration(c.HTTP.RequestTimeout, 15*time.Second)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}

	c.Redis.LockTTL = orDuration(c.Redis.LockTTL, 10*time.Second)
	c.Redis.ConfirmRateWindow = orDuration(c.Redis.ConfirmRateWindow, time.Minute)

	c.Provider.Timeout = orDuration(c.Provider.Timeout, 15*time.Second)
	c.Provider.LinkTTL = orDuration(c.Provider.LinkTTL, 24*time.Hour)
	if c.Provider.Lang == "" {
		c.Provider.Lang = "en"
	}

	if c.Product.Name == "" {
		c.Product.Name = "Course"
	}
	if c.Product.Price == "" {
		c.Product.Price = "297.00"
	}
	if c.Product.Currency == "" {
		c.Product.Currency = "USD"
	}
	c.Product.Currency = strings.ToUpper(strings.TrimSpace(c.Product.Currency))

	c.Session.TTL = orDuration(c.Session.TTL, 30*24*time.Hour)
	if c.Session.Issuer == "" {
		c.Session.Issuer = "course-payments"
	}

	c.Reconciler.Interval = orDuration(c.Reconciler.Interval, 5*time.Minute)
	c.Reconciler.StaleAfter = orDuration(c.Reconciler.StaleAfter, 15*time.Minute)
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 50
	}
	if c.Reconciler.Workers <= 0 {
		c.Reconciler.Workers = 4
	}
}

// Validate checks required settings. In dev mode the provider block and the
// webhook secret may be empty: the noop gateway is used and every webhook is rejected.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Session.Secret == "" {
		return errors.New("session.secret is required")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(c.Product.Price))
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("product.price %q must be a positive decimal", c.Product.Price)
	}
	if !amount.Equal(amount.Truncate(maxPriceDecimals)) {
		return fmt.Errorf("product.price %q has more than %d decimal places", c.Product.Price, maxPriceDecimals)
	}
	c.Product.Amount = amount
	if c.Provider.StatusRetries < 0 {
		return fmt.Errorf("provider.status_retries %d must not be negative", c.Provider.StatusRetries)
	}
	if len(c.Product.Currency) != 3 {
		return fmt.Errorf("product.currency %q must be a 3-letter code", c.Product.Currency)
	}

	if c.Runtime.Dev {
		return nil
	}
	if c.Provider.BaseURL == "" || c.Provider.Login == "" || c.Provider.SecretKey == "" {
		return errors.New("provider.base_url, provider.login and provider.secret_key are required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required")
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
