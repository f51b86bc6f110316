package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/archivio-dms/archivio-dms/internal/app"
	"github.com/archivio-dms/archivio-dms/internal/delegation"
	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/grants"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
	jobmetrics "github.com/archivio-dms/archivio-dms/internal/jobs"
	"github.com/archivio-dms/archivio-dms/internal/observability"
	"github.com/archivio-dms/archivio-dms/internal/platform/cache"
	"github.com/archivio-dms/archivio-dms/internal/platform/db"
	"github.com/archivio-dms/archivio-dms/internal/resolver"
	"github.com/archivio-dms/archivio-dms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis connect", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	nodeService := hierarchy.NewService(hierarchy.NewRepository(pool), cfg.MaxHierarchyDepth)
	directoryService := directory.NewService(directory.NewRepository(pool))
	delegationManager := delegation.NewManager(delegation.NewRepository(pool))

	var resolveCache *resolver.Cache
	if cfg.ResolveCacheTTL > 0 {
		resolveCache = resolver.NewCache(redisClient, cfg.ResolveCacheTTL)
	}
	grantStore := grants.NewStore(grants.NewRepository(pool), nodeService, resolveCache, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	notifyClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := notifyClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	// The sweep metrics register on the same registry the /metrics endpoint
	// below serves, so the job alerts have something to scrape.
	obsMetrics := observability.NewMetrics()
	sweepMetrics := jobmetrics.NewMetrics(obsMetrics.Registerer())

	expireSweep := jobs.NewExpireSweepJob(grantStore, cfg.ExpireSweepBatch, sweepMetrics, logger)
	reviewSweep := jobs.NewReviewSweepJob(
		grantStore,
		directoryService,
		delegationManager,
		notifyClient,
		jobs.NewRedisDeduper(redisClient),
		cfg.ReviewHorizon,
		sweepMetrics,
		logger,
	)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:       redisOpts,
		Logger:          logger,
		ExpireSweep:     expireSweep,
		ReviewSweep:     reviewSweep,
		ExpireSweepSpec: cfg.ExpireSweepCron,
		ReviewSweepSpec: cfg.ReviewSweepCron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", obsMetrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting metrics server", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker exit", slog.Any("error", err))
		os.Exit(1)
	}
}
