package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/i474232898/air-quality-ingestion/internal/aggregate"
	httpapi "github.com/i474232898/air-quality-ingestion/internal/api/http"
	"github.com/i474232898/air-quality-ingestion/internal/breaker"
	"github.com/i474232898/air-quality-ingestion/internal/cache"
	"github.com/i474232898/air-quality-ingestion/internal/config"
	"github.com/i474232898/air-quality-ingestion/internal/cursor"
	"github.com/i474232898/air-quality-ingestion/internal/ingest"
	"github.com/i474232898/air-quality-ingestion/internal/ingest/providers"
	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/queue"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
)

const serviceName = "air-quality-ingestion"

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("service stopped")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.With("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		redisClient redis.UniversalClient
		cursors     cursor.Store
		backend     queue.Backend
	)
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		cursors = cursor.NewRedisStore(redisClient, cfg.CursorLookback)
		backend = queue.NewRedisBackend(redisClient, "queue")
	} else {
		cursors = cursor.NewMemoryStore(cfg.CursorLookback)
		backend = queue.NewMemoryBackend()
	}

	// Shared HTTP client for outbound provider calls.
	httpCfg := providers.DefaultHTTPConfig(&http.Client{Timeout: cfg.HTTPTimeout})

	breakers := breaker.NewSet()
	service := ingest.NewService(cursors, st)
	registerSources(cfg, service, breakers, httpCfg)

	pairs, err := aggregate.ParsePairs(cfg.Aggregation.Pairs)
	if err != nil {
		return fmt.Errorf("invalid AGGREGATION_PAIRS: %w", err)
	}
	engine := aggregate.NewEngine(st, pairs, cfg.Location(), cfg.Aggregation.Retention)

	series := cache.New(redisClient, st, cache.Options{
		TTL:       cfg.Cache.TTL,
		Staleness: cfg.Cache.Staleness,
		Lookback:  cfg.Cache.Lookback,
	})

	sched := scheduler.New(cfg.Location())
	queues, err := buildQueues(ctx, cfg, backend, sched, service, engine)
	if err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for _, q := range queues {
		workers.Add(1)
		go func(q *queue.Queue) {
			defer workers.Done()
			q.Run(workerCtx)
		}(q)
	}
	sched.Start()

	app := newApp(st, redisClient)
	httpapi.RegisterRoutes(app, httpapi.Deps{
		Measurements: series,
		Averages:     engine,
		Queues:       queues,
		Schedules:    sched,
		Breakers:     breakers,
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("fiber server stopped")
		}
	}()
	log.Info().Str("port", cfg.Port).Str("queue_backend", cfg.QueueBackend).
		Strs("sources", service.Sources()).Msg("service started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}

	cancelWorkers()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("queue workers did not stop in time")
	}
	return nil
}

func newApp(st measurementStore, redisClient redis.UniversalClient) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{"store": "ok"}
		healthy := true
		if err := st.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			healthy = false
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}

		status := "ok"
		code := fiber.StatusOK
		if !healthy {
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":  status,
			"service": serviceName,
			"checks":  checks,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}
