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
	"github.com/archivio-dms/archivio-dms/internal/observability"
	"github.com/archivio-dms/archivio-dms/internal/platform/cache"
	"github.com/archivio-dms/archivio-dms/internal/platform/db"
	"github.com/archivio-dms/archivio-dms/internal/resolver"
	"github.com/archivio-dms/archivio-dms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	nodeService := hierarchy.NewService(hierarchy.NewRepository(pool), cfg.MaxHierarchyDepth)
	directoryService := directory.NewService(directory.NewRepository(pool))

	var resolveCache *resolver.Cache
	if redisClient != nil && cfg.ResolveCacheTTL > 0 {
		resolveCache = resolver.NewCache(redisClient, cfg.ResolveCacheTTL)
	}

	grantStore := grants.NewStore(grants.NewRepository(pool), nodeService, resolveCache, logger)
	engine := resolver.NewEngine(nodeService, grantStore, directoryService, resolveCache)
	delegationManager := delegation.NewManager(delegation.NewRepository(pool))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		GrantsHandler:     grants.NewHandler(grantStore, logger),
		ResolverHandler:   resolver.NewHandler(engine, logger),
		DelegationHandler: delegation.NewHandler(delegationManager, logger),
		JobsHandler:       jobs.NewHandler(inspector, logger),
		Metrics:           observability.NewMetrics(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
