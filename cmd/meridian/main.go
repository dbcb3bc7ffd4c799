package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-books/meridian/internal/activity"
	activityhttp "github.com/meridian-books/meridian/internal/activity/http"
	"github.com/meridian-books/meridian/internal/app"
	"github.com/meridian-books/meridian/internal/authz"
	"github.com/meridian-books/meridian/internal/observability"
	"github.com/meridian-books/meridian/internal/platform/cache"
	"github.com/meridian-books/meridian/internal/platform/db"
	"github.com/meridian-books/meridian/internal/recon"
	"github.com/meridian-books/meridian/jobs"
)

type currencyResolver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func (r currencyResolver) Symbol(ctx context.Context, tenantID int64, code string) string {
	if r.pool == nil || code == "" {
		return ""
	}
	const query = "SELECT symbol FROM currencies WHERE tenant_id = $1 AND code = $2 LIMIT 1"
	var symbol string
	if err := r.pool.QueryRow(ctx, query, tenantID, code).Scan(&symbol); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) && r.logger != nil {
			r.logger.Warn("resolve currency symbol", slog.Any("error", err))
		}
		return ""
	}
	return symbol
}

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, view invalidation disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	authzMiddleware := authz.Middleware{Logger: logger}

	reconRepo := recon.NewRepository(pool)
	viewCache := recon.NewViewCache(redisClient)
	currencies := currencyResolver{pool: pool, logger: logger}
	reconService := recon.NewService(logger, reconRepo, viewCache, currencies, metrics)
	reconHandler := recon.NewHandler(logger, reconService, authzMiddleware)

	activityRepo := activity.NewRepository(pool)
	activityService := activity.NewService(activityRepo)
	activityHandler := activityhttp.NewHandler(logger, activityService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		ReconHandler:    reconHandler,
		ActivityHandler: activityHandler,
		JobHandler:      jobHandler,
		Authz:           authzMiddleware,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
