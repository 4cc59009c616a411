package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://smscredit@localhost:5432/smscredit")
	t.Setenv("WEBHOOK_SECRET", "whsec_test")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "USD", cfg.LedgerCurrency)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 10*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, "X-Signature", cfg.Webhook.SignatureHeader)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LEDGER_CURRENCY", "eur")
	t.Setenv("LOCK_BACKEND", "Memory")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("RETRY_WORKERS", "8")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg.LedgerCurrency)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 8, cfg.Retry.Workers)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RequiredVariables(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("WEBHOOK_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad currency", "LEDGER_CURRENCY", "DOLLARS"},
		{"unknown lock backend", "LOCK_BACKEND", "zookeeper"},
		{"zero attempts", "RETRY_MAX_ATTEMPTS", "0"},
		{"max below base", "RETRY_MAX_DELAY", "100ms"},
		{"window shorter than attempt", "IDEMPOTENCY_SAFETY_WINDOW", "10s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			require.Error(t, err)
		})
	}

	t.Run("redis backend without url", func(t *testing.T) {
		setRequired(t)
		t.Setenv("REDIS_URL", "")
		_, err := Load()
		require.Error(t, err)

		t.Setenv("LOCK_BACKEND", "rowlock")
		_, err = Load()
		require.NoError(t, err)
	})
}
