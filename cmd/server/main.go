package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/iliyamo/queue-dispatch/internal/broadcast"
	"github.com/iliyamo/queue-dispatch/internal/config"
	"github.com/iliyamo/queue-dispatch/internal/database"
	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/handler"
	"github.com/iliyamo/queue-dispatch/internal/housekeeping"
	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/queue"
	"github.com/iliyamo/queue-dispatch/internal/repository"
	"github.com/iliyamo/queue-dispatch/internal/router"
	"github.com/iliyamo/queue-dispatch/internal/seed"
	"github.com/iliyamo/queue-dispatch/internal/telemetry"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	migrateOnly := pflag.Bool("migrate", false, "apply the schema and exit")
	seedFile := pflag.String("seed", "", "YAML file of services and admin accounts to upsert, then exit")
	logLevel := pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*migrateOnly, *seedFile, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(migrateOnly bool, seedFile string, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, config.LoadTelemetryConfig())
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := database.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if migrateOnly {
		logger.Info("schema applied", "driver", cfg.DB.Driver)
		return nil
	}

	rdb := config.NewRedisClient()
	if rdb != nil {
		defer rdb.Close()
	}
	broker := config.LoadBrokerConfig()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	hub := broadcast.NewHub(cfg.Dispatch.SubscriberBuffer, logger)
	pubs := broadcast.Multi{}
	if rdb != nil {
		relay := broadcast.NewRedisRelay(rdb, cfg.Dispatch.SubscriberBuffer, logger)
		pubs = append(pubs, relay)
		goRun(func() { runRelay(ctx, relay, hub, logger) })
	} else {
		pubs = append(pubs, hub)
	}
	if broker.URL != "" {
		amqpPub := queue.NewPublisher(broker.URL, broker.Exchange, cfg.Dispatch.SubscriberBuffer, logger)
		pubs = append(pubs, amqpPub)
		goRun(func() { amqpPub.Run(ctx) })
		goRun(func() {
			queue.StartCallConsumer(ctx, broker.URL, broker.Exchange, broker.ConsumeQueue, broker.CallLogPath, logger)
		})
	}

	engine := dispatch.New(db, dispatch.Options{
		RetryLimit:     cfg.Dispatch.RetryLimit,
		RetryBackoff:   cfg.Dispatch.RetryBackoff,
		EmptyCompletes: cfg.Dispatch.EmptyCompletes,
		Location:       cfg.Location,
		Publisher:      pubs,
		Logger:         logger,
	})
	users := repository.NewUserRepo(db)

	if seedFile != "" {
		f, err := seed.Load(seedFile)
		if err != nil {
			return err
		}
		return seed.Apply(ctx, f, engine, users, cfg.BcryptCost, logger)
	}

	janitor, err := housekeeping.New(cfg.Housekeeping,
		repository.NewCounterRepo(db), repository.NewEventRepo(db), cfg.Location, logger)
	if err != nil {
		return err
	}
	goRun(func() { _ = janitor.Start(ctx) })

	e := newServer(cfg, engine, users, repository.NewTokenRepo(db), db, rdb, hub, logger)

	addr := ":" + cfg.Port
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env, "driver", cfg.DB.Driver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	stop()
	hub.Close()
	wg.Wait()
	return nil
}

func newServer(cfg config.Config, engine *dispatch.Engine, users *repository.UserRepo, tokens *repository.TokenRepo,
	db handler.Pinger, rdb *redis.Client, hub *broadcast.Hub, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(telemetry.Middleware(config.LoadTelemetryConfig().ServiceName))
	e.Use(middleware.RequestLogger(logger))

	serviceCache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb, "services")
	router.Register(e, router.Handlers{
		Auth:     handler.NewAuthHandler(cfg, users, tokens),
		Services: handler.NewServiceHandler(engine, serviceCache),
		Queues:   handler.NewQueueHandler(engine, engine, cfg.Dispatch.OperationTimeout),
		Stats:    handler.NewStatsHandler(engine),
		Realtime: handler.NewRealtimeHandler(hub, logger),
		Health:   handler.Health(db),
	}, router.Guards{
		JWTSecret:    cfg.JWTSecret,
		RateLimit:    middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		ServiceCache: serviceCache,
	})
	return e
}

// runRelay keeps the Redis subscription alive, backing off between
// failures.
func runRelay(ctx context.Context, relay *broadcast.RedisRelay, hub *broadcast.Hub, logger *slog.Logger) {
	backoff := time.Second
	for {
		err := relay.Run(ctx, hub)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("redis relay stopped, resubscribing", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
