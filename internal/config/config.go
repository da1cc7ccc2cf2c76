package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Ledger backends.
const (
	LedgerRedis  = "redis"
	LedgerMySQL  = "mysql"
	LedgerMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable or to a group of them.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	JWTSecret string // secret used to verify staff JWTs
	LogLevel  string // DEBUG, INFO, WARN or ERROR
	LogFormat string // JSON or CONSOLE

	Backend   BackendConfig
	Sync      SyncConfig
	Ledger    LedgerConfig
	DB        DBConfig
	Queue     QueueConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
}

// BackendConfig locates the source-of-truth REST API.
type BackendConfig struct {
	URL           string        // base URL, e.g. http://backend:8080
	Timeout       time.Duration // per-attempt HTTP timeout
	RetryMax      int           // connection-error retries for fetches
	ServiceSecret string        // signs the service bearer token; empty disables it
}

// SyncConfig tunes the synchronization pipeline.
type SyncConfig struct {
	PollInterval           time.Duration // refetch period
	PollJitter             float64       // extra random delay as a fraction of PollInterval
	RetentionWindow        time.Duration // how long entities absent from refetches are kept
	StaleThreshold         int           // consecutive fetch failures before "data may be stale"
	ActionRetryDelay       time.Duration // delay before the single retry of a failed user action
	ActionTimeout          time.Duration // timeout of that retry
	FetchTimeout           time.Duration // bound on one refetch cycle
	PushReconnectAttempts  int           // broker connect attempts per outage
	PushReconnectDelay     time.Duration // fixed delay between them
	DefaultBookingDuration time.Duration // booking length when a record carries none
}

// LedgerConfig selects where overrides are persisted.
type LedgerConfig struct {
	Backend     string        // redis, mysql or memory
	RedisPrefix string        // key prefix for the redis backend
	RedisTTL    time.Duration // expiry of untouched override sets; 0 keeps them
}

// DBConfig holds the MySQL connection settings of the mysql ledger backend.
type DBConfig struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

// QueueConfig holds the RabbitMQ settings.
type QueueConfig struct {
	URL        string // broker URL; empty disables push and alerts
	Exchange   string // topic exchange of entity change events
	AlertQueue string // durable queue receiving out-of-sync alerts
	Prefetch   int
}

// Load reads configuration values from environment variables and returns a
// Config.  Missing required variables are reported together in one error.
func Load() (Config, error) {
	var missing []string
	must := func(key string) string {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := Config{
		Env:       getenv("APP_ENV", "dev"),
		Port:      must("APP_PORT"),
		JWTSecret: must("JWT_SECRET"),
		LogLevel:  getenv("LOG_LEVEL", "INFO"),
		LogFormat: getenv("LOGGING_FORMAT", "JSON"),
		Backend: BackendConfig{
			URL:           must("BACKEND_URL"),
			Timeout:       envDur("BACKEND_TIMEOUT", 10*time.Second),
			RetryMax:      envInt("BACKEND_RETRY_MAX", 3),
			ServiceSecret: os.Getenv("BACKEND_JWT_SECRET"),
		},
		Sync: SyncConfig{
			PollInterval:           envDur("POLL_INTERVAL", 30*time.Second),
			PollJitter:             envFloat("POLL_JITTER", 0.2),
			RetentionWindow:        envDur("RETENTION_WINDOW", 15*time.Minute),
			StaleThreshold:         envInt("STALE_THRESHOLD", 3),
			ActionRetryDelay:       envDur("ACTION_RETRY_DELAY", 2*time.Second),
			ActionTimeout:          envDur("ACTION_TIMEOUT", 10*time.Second),
			FetchTimeout:           envDur("FETCH_TIMEOUT", 30*time.Second),
			PushReconnectAttempts:  envInt("PUSH_RECONNECT_ATTEMPTS", 10),
			PushReconnectDelay:     envDur("PUSH_RECONNECT_DELAY", 5*time.Second),
			DefaultBookingDuration: envDur("DEFAULT_BOOKING_DURATION", 2*time.Hour),
		},
		Ledger: LedgerConfig{
			Backend:     strings.ToLower(getenv("LEDGER_BACKEND", LedgerRedis)),
			RedisPrefix: getenv("LEDGER_REDIS_PREFIX", "ovr"),
			RedisTTL:    envDur("LEDGER_REDIS_TTL", 0),
		},
		Queue: QueueConfig{
			URL:        firstNonEmpty(os.Getenv("RABBITMQ_URL"), os.Getenv("AMQP_URL")),
			Exchange:   getenv("PUSH_EXCHANGE", "entity_events"),
			AlertQueue: getenv("ALERT_QUEUE", "sync.out_of_sync"),
			Prefetch:   envInt("PUSH_PREFETCH", 50),
		},
		Redis:     LoadRedisConfig(),
		RateLimit: LoadRateLimitConfig(),
	}

	switch cfg.Ledger.Backend {
	case LedgerRedis, LedgerMemory:
	case LedgerMySQL:
		cfg.DB = DBConfig{
			User: must("DB_USER"),
			Pass: os.Getenv("DB_PASS"),
			Host: must("DB_HOST"),
			Port: getenv("DB_PORT", "3306"),
			Name: must("DB_NAME"),
		}
	default:
		return cfg, fmt.Errorf("invalid LEDGER_BACKEND %q: want redis, mysql or memory", cfg.Ledger.Backend)
	}

	if len(missing) > 0 {
		return cfg, fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if cfg.Sync.PollInterval <= 0 {
		return cfg, errors.New("POLL_INTERVAL must be positive")
	}
	if cfg.Sync.PollJitter < 0 || cfg.Sync.PollJitter > 1 {
		return cfg, fmt.Errorf("POLL_JITTER must be within [0,1], got %v", cfg.Sync.PollJitter)
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
