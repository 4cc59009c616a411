package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Env             string        `env:"ENVIRONMENT" envDefault:"development"`
	Port            string        `env:"SERVER_PORT" envDefault:"8080"`
	DBSource        string        `env:"DB_SOURCE,required,notEmpty"`
	AutoMigrate     bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	LedgerCurrency  string        `env:"LEDGER_CURRENCY" envDefault:"USD"`
	RedisURL        string        `env:"REDIS_URL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Log         LogConfig         `envPrefix:"LOG_"`
	Webhook     WebhookConfig     `envPrefix:"WEBHOOK_"`
	Lock        LockConfig        `envPrefix:"LOCK_"`
	Retry       RetryConfig       `envPrefix:"RETRY_"`
	Idempotency IdempotencyConfig `envPrefix:"IDEMPOTENCY_"`
	Kafka       KafkaConfig       `envPrefix:"KAFKA_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT"`
}

type WebhookConfig struct {
	Secret          string        `env:"SECRET,required,notEmpty"`
	Algorithm       string        `env:"ALGORITHM" envDefault:"sha256"`
	SignatureHeader string        `env:"SIGNATURE_HEADER" envDefault:"X-Signature"`
	ProcessTimeout  time.Duration `env:"PROCESS_TIMEOUT" envDefault:"30s"`
}

// LockConfig selects the balance lock backend: redis, memory, or rowlock
// (database row locks only, no distributed lease).
type LockConfig struct {
	Backend         string        `env:"BACKEND" envDefault:"redis"`
	TTL             time.Duration `env:"TTL" envDefault:"10s"`
	AcquireAttempts int           `env:"ACQUIRE_ATTEMPTS" envDefault:"5"`
	BaseDelay       time.Duration `env:"ACQUIRE_BASE_DELAY" envDefault:"20ms"`
	MaxDelay        time.Duration `env:"ACQUIRE_MAX_DELAY" envDefault:"200ms"`
	RowLockFallback bool          `env:"ROW_LOCK_FALLBACK" envDefault:"true"`
}

type RetryConfig struct {
	BaseDelay      time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	MaxDelay       time.Duration `env:"MAX_DELAY" envDefault:"5m"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	Workers        int           `env:"WORKERS" envDefault:"4"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
}

type IdempotencyConfig struct {
	// SafetyWindow is how long a payment may sit in verifying before the
	// sweeper treats it as stuck.
	SafetyWindow  time.Duration `env:"SAFETY_WINDOW" envDefault:"5m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

type KafkaConfig struct {
	Brokers     []string `env:"BROKERS" envSeparator:","`
	CreditTopic string   `env:"CREDIT_TOPIC" envDefault:"balance-credited"`
	AlertTopic  string   `env:"ALERT_TOPIC" envDefault:"operator-alerts"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.LedgerCurrency = strings.ToUpper(strings.TrimSpace(cfg.LedgerCurrency))
	cfg.Lock.Backend = strings.ToLower(strings.TrimSpace(cfg.Lock.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.LedgerCurrency) != 3 {
		errs = append(errs, fmt.Errorf("LEDGER_CURRENCY must be a 3-letter code, got %q", c.LedgerCurrency))
	}
	switch c.Lock.Backend {
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when LOCK_BACKEND=redis"))
		}
	case "memory", "rowlock":
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND must be redis, memory or rowlock, got %q", c.Lock.Backend))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Retry.Workers < 1 {
		errs = append(errs, errors.New("RETRY_WORKERS must be at least 1"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	if c.Idempotency.SafetyWindow <= c.Retry.AttemptTimeout {
		errs = append(errs, errors.New("IDEMPOTENCY_SAFETY_WINDOW must exceed RETRY_ATTEMPT_TIMEOUT"))
	}
	if c.Idempotency.SweepInterval <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}
