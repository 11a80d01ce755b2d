// Package main provides the outbox relay service entry point.
// Publishes committed ledger outbox rows to Redpanda.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/config"
	"github.com/drfirst/vial-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/vial-ledger/internal/infrastructure/redpanda"
	"github.com/drfirst/vial-ledger/internal/observability/logging"
	"github.com/drfirst/vial-ledger/internal/observability/metrics"
	"github.com/drfirst/vial-ledger/internal/observability/tracing"
	"github.com/drfirst/vial-ledger/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

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
		tp.Shutdown(shutdownCtx)
	}()

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Topics must exist before the first publish.
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	if err := admin.EnsureTopics(ctx, cfg.KafkaReplication); err != nil {
		logger.Warn("ensure topics failed; relying on broker auto-create", zap.Error(err))
	}
	admin.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig("redpanda"), logger)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, breakers, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(nil)
	outbox := postgres.NewOutbox(pool, producer, cfg.Outbox(), m, logger.Named("outbox"))
	outbox.Start()
	defer outbox.Stop()
	logger.Info("outbox relay started")

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RecordBreakers(breakers.GetHealthStatus())
			}
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           opsRouter(pool.Ping, producer.Ping, breakers),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return nil
}

// opsRouter serves metrics, breaker health and readiness for the relay.
func opsRouter(dbPing, brokerPing func(context.Context) error, breakers *circuitbreaker.Manager) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"breakers": breakers.GetHealthStatus(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, ping := range []func(context.Context) error{dbPing, brokerPing} {
			if err := ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ready"))
	})
	return r
}
