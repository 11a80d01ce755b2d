// Package config loads ledger process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/vial-ledger/internal/observability/logging"
	"github.com/drfirst/vial-ledger/internal/observability/tracing"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	MetricsPort string `mapstructure:"METRICS_PORT"`
	Env         string `mapstructure:"ENV"`
	Version     string `mapstructure:"SERVICE_VERSION"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16    `mapstructure:"KAFKA_REPLICATION"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	APIKeys []string `mapstructure:"API_KEYS"`

	SignerRoles             []string      `mapstructure:"LEDGER_SIGNER_ROLES"`
	SizeFallbackEnabled     bool          `mapstructure:"LEDGER_SIZE_FALLBACK_ENABLED"`
	SizeFallbackThresholdMl string        `mapstructure:"LEDGER_SIZE_FALLBACK_THRESHOLD_ML"`
	TimeZone                string        `mapstructure:"LEDGER_TIME_ZONE"`
	LowStockVials           int           `mapstructure:"LEDGER_LOW_STOCK_VIALS"`
	IdempotencyTTL          time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetention    time.Duration `mapstructure:"OUTBOX_RETENTION"`
}

var keys = []string{
	"PORT", "METRICS_PORT", "ENV", "SERVICE_VERSION",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	"KAFKA_BROKERS", "KAFKA_REPLICATION",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"API_KEYS",
	"LEDGER_SIGNER_ROLES", "LEDGER_SIZE_FALLBACK_ENABLED", "LEDGER_SIZE_FALLBACK_THRESHOLD_ML",
	"LEDGER_TIME_ZONE", "LEDGER_LOW_STOCK_VIALS", "IDEMPOTENCY_TTL",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES", "OUTBOX_RETENTION",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVICE_VERSION", "1.0.0")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 10)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("LEDGER_SIGNER_ROLES", "provider,admin")
	v.SetDefault("LEDGER_SIZE_FALLBACK_ENABLED", true)
	v.SetDefault("LEDGER_SIZE_FALLBACK_THRESHOLD_ML", "20")
	v.SetDefault("LEDGER_TIME_ZONE", "America/Denver")
	v.SetDefault("LEDGER_LOW_STOCK_VIALS", inventory.DefaultLowStockVials)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OUTBOX_RETENTION", "168h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive as a single string from the environment.
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.APIKeys = splitList(v.GetString("API_KEYS"))
	cfg.SignerRoles = splitList(v.GetString("LEDGER_SIGNER_ROLES"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if len(c.SignerRoles) == 0 {
		return fmt.Errorf("LEDGER_SIGNER_ROLES must name at least one role")
	}
	if _, err := c.sizeThreshold(); err != nil {
		return err
	}
	if _, err := c.location(); err != nil {
		return err
	}
	if c.LowStockVials < 0 {
		return fmt.Errorf("LEDGER_LOW_STOCK_VIALS must not be negative")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

func (c *Config) sizeThreshold() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.SizeFallbackThresholdMl))
	if err != nil {
		return decimal.Zero, fmt.Errorf("LEDGER_SIZE_FALLBACK_THRESHOLD_ML: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("LEDGER_SIZE_FALLBACK_THRESHOLD_ML must not be negative")
	}
	return d, nil
}

func (c *Config) location() (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(c.TimeZone))
	if err != nil {
		return nil, fmt.Errorf("LEDGER_TIME_ZONE: %w", err)
	}
	return loc, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the process is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Ledger returns the ledger policy.
func (c *Config) Ledger() inventory.Config {
	threshold, _ := c.sizeThreshold()
	base := inventory.DefaultCatalog().Size
	base.Enabled = c.SizeFallbackEnabled
	base.ThresholdMl = threshold
	loc, _ := c.location()
	return inventory.Config{
		SignerRoles:   c.SignerRoles,
		SizeFallback:  &base,
		Location:      loc,
		LowStockVials: c.LowStockVials,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:       c.LogLevel,
		Development: c.IsDev(),
		File:        c.LogFile,
		MaxSizeMB:   c.LogMaxSizeMB,
		MaxBackups:  c.LogMaxBackups,
		MaxAgeDays:  c.LogMaxAgeDays,
		Compress:    true,
	}
}

// Tracing returns the tracer configuration for service.
func (c *Config) Tracing(service string) tracing.Config {
	t := tracing.DefaultConfig(service)
	t.ServiceVersion = c.Version
	t.Environment = c.Env
	t.OTLPEndpoint = c.OTLPEndpoint
	t.SampleRate = c.TraceSampleRate
	return t
}

// Outbox returns the relay configuration.
func (c *Config) Outbox() postgres.OutboxConfig {
	return postgres.OutboxConfig{
		BatchSize:    c.OutboxBatchSize,
		PollInterval: c.OutboxPollInterval,
		MaxRetries:   c.OutboxMaxRetries,
		Retention:    c.OutboxRetention,
	}
}
