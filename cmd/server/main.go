package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-sync/internal/backend"
	"github.com/iliyamo/restaurant-sync/internal/config"
	"github.com/iliyamo/restaurant-sync/internal/database"
	"github.com/iliyamo/restaurant-sync/internal/engine"
	"github.com/iliyamo/restaurant-sync/internal/handler"
	"github.com/iliyamo/restaurant-sync/internal/ledger"
	"github.com/iliyamo/restaurant-sync/internal/logger"
	"github.com/iliyamo/restaurant-sync/internal/middleware"
	"github.com/iliyamo/restaurant-sync/internal/model"
	"github.com/iliyamo/restaurant-sync/internal/queue"
	"github.com/iliyamo/restaurant-sync/internal/router"
	queue_publisher "github.com/iliyamo/restaurant-sync/internal/service"
	"github.com/iliyamo/restaurant-sync/internal/syncer"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	root := logger.New(cfg.LogLevel, logger.ParseFormat(cfg.LogFormat))
	defer func() { _ = root.Sync() }()
	appLog := logger.For(root, "app")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		appLog.Warnw("redis unavailable, rate limiting disabled", "addr", cfg.Redis.Addr)
	} else {
		defer func() { _ = rdb.Close() }()
	}

	var db *sql.DB
	if cfg.Ledger.Backend == config.LedgerMySQL {
		db, err = database.Open(ctx, cfg.DB)
		if err != nil {
			appLog.Fatalw("mysql connection failed", "error", err)
		}
		defer func() { _ = db.Close() }()
	}

	eng := engine.New(cfg.Sync.DefaultBookingDuration)
	client := backend.New(backend.Config{
		BaseURL:       cfg.Backend.URL,
		Timeout:       cfg.Backend.Timeout,
		RetryMax:      cfg.Backend.RetryMax,
		ServiceSecret: cfg.Backend.ServiceSecret,
		ServiceName:   "restaurant-sync",
	}, logger.For(root, "backend"))

	var alerter syncer.Alerter
	if cfg.Queue.URL != "" {
		alerter = queue_publisher.NewAlertPublisher(cfg.Queue.URL, cfg.Queue.AlertQueue, logger.For(root, "alerts"))
	}

	kinds := []model.Kind{model.KindOrder, model.KindBooking}
	mux := queue.Mux{}
	var consumer *queue.Consumer
	if cfg.Queue.URL != "" {
		keys := make([]string, 0, len(kinds))
		for _, k := range kinds {
			keys = append(keys, queue.RoutingKey(k))
		}
		consumer = queue.NewConsumer(queue.ConsumerConfig{
			URL:               cfg.Queue.URL,
			Exchange:          cfg.Queue.Exchange,
			RoutingKeys:       keys,
			Prefetch:          cfg.Queue.Prefetch,
			ReconnectAttempts: cfg.Sync.PushReconnectAttempts,
			ReconnectDelay:    cfg.Sync.PushReconnectDelay,
		}, mux.Handle, logger.For(root, "push"))
	} else {
		appLog.Warn("RABBITMQ_URL not set, running on periodic refetch only")
	}

	coords := make([]*syncer.Coordinator, 0, len(kinds))
	views := make([]handler.Coordinator, 0, len(kinds))
	for _, k := range kinds {
		persister, err := newPersister(ctx, cfg, k, rdb, db)
		if err != nil {
			appLog.Fatalw("ledger setup failed", "collection", k.Collection(), "error", err)
		}
		deps := syncer.Deps{
			Engine:  eng,
			Ledger:  ledger.New(persister, logger.For(root, "ledger."+k.Collection())),
			Backend: client,
			Alerter: alerter,
		}
		if consumer != nil {
			deps.Push = consumer
		}
		co := syncer.New(k, deps, syncer.Config{
			PollInterval:     cfg.Sync.PollInterval,
			JitterFraction:   cfg.Sync.PollJitter,
			RetentionWindow:  cfg.Sync.RetentionWindow,
			StaleThreshold:   cfg.Sync.StaleThreshold,
			ActionRetryDelay: cfg.Sync.ActionRetryDelay,
			ActionTimeout:    cfg.Sync.ActionTimeout,
			FetchTimeout:     cfg.Sync.FetchTimeout,
		}, logger.For(root, "coordinator."+k.Collection()))
		mux[queue.RoutingKey(k)] = func(ctx context.Context, _ string, body []byte) error {
			return co.OnPushEvent(ctx, body)
		}
		coords = append(coords, co)
		views = append(views, co)
	}

	for _, co := range coords {
		co.Start(ctx, 0)
	}
	if consumer != nil {
		consumer.Start(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(logger.For(root, "http")))
	router.RegisterRoutes(e)
	router.RegisterViews(e,
		handler.NewViewHandler(logger.For(root, "views"), views...),
		cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, logger.For(root, "ratelimit")),
	)

	addr := ":" + cfg.Port
	go func() {
		appLog.Infow("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		appLog.Warnw("http shutdown", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	for _, co := range coords {
		co.Stop()
	}
}

// newPersister picks the override ledger backend of one collection.  The
// collection name namespaces keys and rows so both classes share a store.
// A missing Redis degrades to session-only overrides.
func newPersister(ctx context.Context, cfg config.Config, k model.Kind, rdb *redis.Client, db *sql.DB) (ledger.Persister, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerRedis:
		if rdb == nil {
			return nil, nil
		}
		return ledger.NewRedisPersister(rdb, cfg.Ledger.RedisPrefix, k.Collection(), cfg.Ledger.RedisTTL), nil
	case config.LedgerMySQL:
		p := ledger.NewMySQLPersister(db, k.Collection())
		if err := p.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}

func requestLogger(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				log.Warnw("request", append(fields, "error", v.Error)...)
				return nil
			}
			log.Infow("request", fields...)
			return nil
		},
	})
}
