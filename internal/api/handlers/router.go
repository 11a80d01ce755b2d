package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/api/middleware"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/pkg/idempotency"
)

// RouterConfig wires the ledger API.
type RouterConfig struct {
	Service     *inventory.Service
	Inbox       *idempotency.Inbox
	APIKeys     map[string]string
	ServiceName string
	Version     string
	// Ready reports whether backing services are reachable. Nil is always ready.
	Ready func(ctx context.Context) error
	// HTTPMetrics and MetricsHandler are optional.
	HTTPMetrics    middleware.HTTPObserver
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewRouter builds the ledger API: health endpoints at the root and the ledger
// under /api/v1 behind API key auth.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ledger-api"
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	if cfg.HTTPMetrics != nil {
		r.Use(middleware.Metrics(cfg.HTTPMetrics))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, cfg.ServiceName, cfg.Version)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.Actor)
		r.Mount("/vials", NewVialHandler(cfg.Service, logger).Routes())
		r.Mount("/dispenses", NewDispenseHandler(cfg.Service, cfg.Inbox, logger).Routes())
		r.Mount("/patients", NewPatientHandler(cfg.Service, logger).Routes())
		r.Mount("/signatures", NewSignatureHandler(cfg.Service, logger).Routes())
		r.Mount("/dea", NewDEAHandler(cfg.Service, logger).Routes())
		r.Mount("/count-checks", NewCountCheckHandler(cfg.Service, logger).Routes())
	})

	return r
}
