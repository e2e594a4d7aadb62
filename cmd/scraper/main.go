package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/product-scraper/internal/api"
	"github.com/maltedev/product-scraper/internal/browser"
	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/config"
	"github.com/maltedev/product-scraper/internal/database"
	"github.com/maltedev/product-scraper/internal/engine"
	"github.com/maltedev/product-scraper/internal/events"
	"github.com/maltedev/product-scraper/internal/logging"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/queue"
	"github.com/maltedev/product-scraper/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("scraper exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("scraper stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheus(reg)

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	var resultCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		resultCache = cache.NewRedis(redisClient, cfg.Cache.KeyPrefix)
	} else {
		mem := cache.NewMemory(cfg.Cache.SweepInterval)
		defer mem.Close()
		resultCache = mem
	}

	driver, err := browser.NewPlaywrightDriver(engine.BrowserOptions(cfg), logger)
	if err != nil {
		return err
	}
	defer driver.Close()

	eng, err := engine.New(cfg, driver, resultCache, sink, logger)
	if err != nil {
		return err
	}

	var (
		opts   []scheduler.Option
		relay  *database.Relay
		db     *database.DB
		checks []api.HealthCheck
	)
	if cfg.Database.Enabled {
		db, err = database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}

		opts = append(opts, scheduler.WithRecorder(events.NewPublisher(db, cfg.Relay.Stream, logger)))
		checks = append(checks, api.HealthCheck{
			Name:     "database",
			Critical: true,
			Check: func(ctx context.Context) (any, error) {
				if err := db.Ping(ctx); err != nil {
					return nil, err
				}
				return map[string]string{"status": "ok"}, nil
			},
		})

		if cfg.Relay.Enabled {
			relay = database.NewRelay(database.NewOutboxRepository(db), redisClient, logger, database.RelayConfig{
				PollInterval: cfg.Relay.PollInterval,
				BatchSize:    cfg.Relay.BatchSize,
				StreamMaxLen: cfg.Relay.StreamMaxLen,
			})
			checks = append(checks, api.HealthCheck{
				Name: "outbox",
				Check: func(ctx context.Context) (any, error) {
					return relay.Counts(ctx)
				},
			})
		}
	}

	checks = append(checks,
		api.HealthCheck{
			Name: "identity_pool",
			Check: func(context.Context) (any, error) {
				return eng.Pool.Stats(), nil
			},
		},
		api.HealthCheck{
			Name: "cache",
			Check: func(context.Context) (any, error) {
				return map[string]string{"backend": resultCache.Backend()}, nil
			},
		},
	)

	sched := scheduler.New(eng.Service, queue.NewInMemoryQueue(), scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		Retention:       cfg.Scheduler.Retention,
		SweepInterval:   cfg.Scheduler.SweepInterval,
		TaskTimeout:     cfg.Scheduler.TaskTimeout,
		RecorderTimeout: scheduler.DefaultConfig().RecorderTimeout,
		AllowedHosts:    cfg.Scheduler.AllowedHosts,
		DeniedHosts:     cfg.Scheduler.DeniedHosts,
	}, sink, logger, opts...)

	handlers := api.NewHandlers(sched, eng.Classifier, eng.Registry, logger, checks...)
	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(handlers, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Workers outlive the signal; Shutdown drains them and cancels
	// whatever is still running when the deadline passes.
	sched.Start(context.WithoutCancel(ctx))

	g.Go(func() error {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			if err := relay.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting submissions first, then drain the workers.
		serverErr := server.Shutdown(shutdownCtx)
		if err := sched.Shutdown(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown incomplete", "error", err)
		}
		return serverErr
	})

	return g.Wait()
}
