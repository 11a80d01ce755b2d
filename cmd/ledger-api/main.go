// Package main provides the ledger API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/api/handlers"
	"github.com/drfirst/vial-ledger/internal/api/middleware"
	"github.com/drfirst/vial-ledger/internal/config"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/vial-ledger/internal/observability/logging"
	"github.com/drfirst/vial-ledger/internal/observability/metrics"
	"github.com/drfirst/vial-ledger/internal/observability/tracing"
	"github.com/drfirst/vial-ledger/pkg/idempotency"
)

const serviceName = "ledger-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging(), serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	applied, err := postgres.NewMigrator(pool, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema up to date", zap.Int("applied", applied))

	m := metrics.New(nil)
	svc := inventory.NewService(
		postgres.NewStore(pool, logger),
		cfg.Ledger(),
		logger.Named("ledger"),
		inventory.WithRecorder(m),
	)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.DefaultTTL = cfg.IdempotencyTTL
	inboxCfg.IsTerminal = func(err error) bool {
		return errors.Is(err, inventory.ErrValidation) || errors.Is(err, inventory.ErrNotFound)
	}
	inbox := idempotency.NewInbox(idempotency.NewPostgresBackend(pool), inboxCfg, logger.Named("inbox"))
	inbox.StartCleanup()
	defer inbox.Stop()

	router := handlers.NewRouter(handlers.RouterConfig{
		Service:        svc,
		Inbox:          inbox,
		APIKeys:        middleware.ClientKeys(cfg.APIKeys),
		ServiceName:    serviceName,
		Version:        cfg.Version,
		Ready:          pool.Ping,
		HTTPMetrics:    m,
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting ledger API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
