package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/circles/pkg/api"
	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/config"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/storage"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "circles: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("version", version)
	logger.Info("Starting circles")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	db, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if cfg.Storage.AutoMigrate {
		applied, err := storage.Migrate(ctx, db)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to migrate: %w", err)
		}
		logger.WithField("applied", applied).Info("Migrations complete")
	}

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		rdb, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			// join limits fall back to per-process counters
			logger.WithError(err).Warn("Redis unavailable, using in-memory rate limits")
			rdb = nil
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	server := api.NewServer(api.Dependencies{
		Config:  cfg,
		DB:      db,
		Redis:   rdb,
		Metrics: metrics,
		Logger:  logger,
	})

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if cfg.Invites.SweepSchedule != "" {
		if _, err := server.Invites.ScheduleSweep(ctx, scheduler, cfg.Invites.SweepSchedule); err != nil {
			return fmt.Errorf("failed to schedule invite sweep: %w", err)
		}
	}
	if cfg.Audit.Archive.Enabled {
		client, err := audit.NewS3Client(ctx, cfg.Audit.Archive)
		if err != nil {
			return err
		}
		archiver := audit.NewArchiver(server.AuditLog, client, cfg.Audit.Archive, metrics, logger)
		if _, err := archiver.Schedule(ctx, scheduler, cfg.Audit.Archive.Schedule); err != nil {
			return fmt.Errorf("failed to schedule audit archive: %w", err)
		}
	}
	scheduler.Start()

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, rdb, version))
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return db.Close() })
	if rdb != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error { return rdb.Close() })
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Stopped with error")
		return err
	}
	logger.Info("Stopped")
	return nil
}
