package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL   string `env:"DATABASE_URL"`
	ServerAddr    string `env:"SERVER_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	Store         string `env:"STORE" envDefault:"postgres"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"internal/migrations"`

	Postgres PostgresConfig

	// RedisAddr enables the delayed job queue. Empty leaves expiry to the sweeper.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisQueueKey string `env:"REDIS_QUEUE_KEY" envDefault:"escrow:timeout-jobs"`

	PaymentTimeout    time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"48h"`
	InspectionTimeout time.Duration `env:"INSPECTION_TIMEOUT" envDefault:"72h"`
	ShippedTimeout    time.Duration `env:"SHIPPED_TIMEOUT" envDefault:"0s"`
	DeliveredTimeout  time.Duration `env:"DELIVERED_TIMEOUT" envDefault:"0s"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ConsumeInterval  time.Duration `env:"CONSUME_INTERVAL" envDefault:"5s"`
	ValidateInterval time.Duration `env:"VALIDATE_INTERVAL" envDefault:"15m"`
	StalledAfter     time.Duration `env:"STALLED_AFTER" envDefault:"168h"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"100"`

	DisputeEligibility string `env:"DISPUTE_ELIGIBILITY" envDefault:"status == 'inspection'"`
}

// PostgresConfig is used to build a DSN when DATABASE_URL is unset.
type PostgresConfig struct {
	User     string `env:"POSTGRES_USER" envDefault:"escrow"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"escrow_pass"`
	DB       string `env:"POSTGRES_DB" envDefault:"escrow"`
	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     string `env:"POSTGRES_PORT" envDefault:"5432"`
	SSLMode  string `env:"DATABASE_SSLMODE" envDefault:"disable"`
}

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.Postgres.DSN()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	for name, d := range map[string]time.Duration{
		"SWEEP_INTERVAL":    c.SweepInterval,
		"CONSUME_INTERVAL":  c.ConsumeInterval,
		"VALIDATE_INTERVAL": c.ValidateInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Timeouts builds the SLA table. A zero duration disables the rule.
func (c *Config) Timeouts() escrow.TimeoutTable {
	table := escrow.TimeoutTable{
		escrow.StatusPaymentReceived: {After: c.PaymentTimeout, Target: escrow.StatusCancelled},
		escrow.StatusInspection:      {After: c.InspectionTimeout, Target: escrow.StatusCompleted},
		escrow.StatusShipped:         {After: c.ShippedTimeout, Target: escrow.StatusDelivered},
		escrow.StatusDelivered:       {After: c.DeliveredTimeout, Target: escrow.StatusInspection},
	}
	for s, r := range table {
		if r.After <= 0 {
			delete(table, s)
		}
	}
	return table
}
