// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/common/money"
	"airtimebridge/internal/common/nats"
	"airtimebridge/internal/providers/aggregator"
	"airtimebridge/internal/providers/mpesa"
	"airtimebridge/internal/purchase"
	"airtimebridge/internal/reconciliation"
	"airtimebridge/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"HTTP_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database       database.Config
	NATS           nats.Config
	Mpesa          mpesa.Config
	Aggregator     aggregator.Config
	Purchase       purchase.Config
	Reconciliation reconciliation.Config
	Webhook        webhook.Config
	Float          FloatConfig
}

// FloatConfig holds the float admission thresholds in major units.
type FloatConfig struct {
	Low        int64 `envconfig:"FLOAT_LOW_THRESHOLD" default:"5000"`
	Critical   int64 `envconfig:"FLOAT_CRITICAL_THRESHOLD" default:"1000"`
	Hysteresis int64 `envconfig:"FLOAT_HYSTERESIS" default:"500"`
}

// Thresholds converts the configuration for the float monitor.
func (f FloatConfig) Thresholds(currency money.Currency) purchase.FloatThresholds {
	return purchase.FloatThresholds{
		Low:        money.FromMajor(f.Low, currency),
		Critical:   money.FromMajor(f.Critical, currency),
		Hysteresis: money.FromMajor(f.Hysteresis, currency),
	}
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Purchase.Validate(); err != nil {
		return fmt.Errorf("purchase config: %w", err)
	}
	if err := c.Reconciliation.Validate(); err != nil {
		return fmt.Errorf("reconciliation config: %w", err)
	}
	if c.Purchase.ProviderTimeout >= c.Reconciliation.Interval {
		return fmt.Errorf("PROVIDER_TIMEOUT (%s) must be below SWEEP_INTERVAL (%s)",
			c.Purchase.ProviderTimeout, c.Reconciliation.Interval)
	}
	if c.Float.Critical < 0 || c.Float.Low < c.Float.Critical {
		return fmt.Errorf("FLOAT_LOW_THRESHOLD (%d) must be at or above FLOAT_CRITICAL_THRESHOLD (%d)",
			c.Float.Low, c.Float.Critical)
	}
	if c.Float.Hysteresis < 0 {
		return fmt.Errorf("FLOAT_HYSTERESIS must not be negative")
	}
	if c.Aggregator.Currency != c.Purchase.Currency {
		return fmt.Errorf("AGGREGATOR_CURRENCY %q differs from PURCHASE_CURRENCY %q",
			c.Aggregator.Currency, c.Purchase.Currency)
	}
	if c.Webhook.TrustedProxies < 0 {
		return fmt.Errorf("WEBHOOK_TRUSTED_PROXIES must not be negative")
	}
	if c.Webhook.Workers < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS must be at least 1")
	}
	switch c.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	return nil
}
