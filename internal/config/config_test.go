package config

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("BACKEND_URL", "http://backend:8080")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("LEDGER_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 0.2, cfg.Sync.PollJitter)
	assert.Equal(t, 10, cfg.Sync.PushReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.Sync.PushReconnectDelay)
	assert.Equal(t, 2*time.Hour, cfg.Sync.DefaultBookingDuration)
	assert.Equal(t, 3, cfg.Sync.StaleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Sync.FetchTimeout)
	assert.Equal(t, LedgerRedis, cfg.Ledger.Backend)
	assert.Equal(t, "entity_events", cfg.Queue.Exchange)
	assert.Equal(t, "sync.out_of_sync", cfg.Queue.AlertQueue)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("POLL_JITTER", "0.5")
	t.Setenv("DEFAULT_BOOKING_DURATION", "90m")
	t.Setenv("LEDGER_BACKEND", "MySQL")
	t.Setenv("DB_USER", "sync")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_NAME", "restaurant")
	t.Setenv("RABBITMQ_URL", "amqp://rabbit/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 0.5, cfg.Sync.PollJitter)
	assert.Equal(t, 90*time.Minute, cfg.Sync.DefaultBookingDuration)
	assert.Equal(t, LedgerMySQL, cfg.Ledger.Backend)
	assert.Equal(t, "3306", cfg.DB.Port)
	assert.Equal(t, "amqp://rabbit/", cfg.Queue.URL)
}

func TestLoadReportsAllMissing(t *testing.T) {
	t.Setenv("APP_PORT", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("LEDGER_BACKEND", "memory")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_PORT")
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "BACKEND_URL")
}

func TestLoadRejectsUnknownLedger(t *testing.T) {
	setRequired(t)
	t.Setenv("LEDGER_BACKEND", "sqlite")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadJitter(t *testing.T) {
	setRequired(t)
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("POLL_JITTER", "1.5")
	_, err := Load()
	assert.Error(t, err)
}

func TestRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	rl := LoadRateLimitConfig()
	assert.Equal(t, 1, rl.Capacity)
	assert.Equal(t, 2*time.Second, rl.RefillInterval)
	assert.Equal(t, 10*time.Second, rl.TTL)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "")

	c := NewRedisClient(LoadRedisConfig())
	require.NotNil(t, c)
	_ = c.Close()

	assert.Nil(t, NewRedisClient(RedisConfig{Addr: "127.0.0.1:1"}))
}
