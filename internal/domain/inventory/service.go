// Package inventory implements the controlled-substance vial inventory and
// dispense ledger: vial stock, dispense accounting, DEA transaction records,
// the provider co-signature workflow and the dispense audit trail.
package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Recorder receives ledger metrics. The observability/metrics package
// provides the Prometheus implementation.
type Recorder interface {
	DispenseCreated(controlled bool, deducted decimal.Decimal)
	DispenseDeleted(restored bool)
	DEARecorded()
	SignatureChanged(eventType EventType)
	DrugNameUnmatched()
	CountCheckRecorded(status CheckStatus)
	ObserveOperation(op string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) DispenseCreated(bool, decimal.Decimal) {}
func (nopRecorder) DispenseDeleted(bool) {}
func (nopRecorder) DEARecorded() {}
func (nopRecorder) SignatureChanged(EventType) {}
func (nopRecorder) DrugNameUnmatched() {}
func (nopRecorder) CountCheckRecorded(CheckStatus) {}
func (nopRecorder) ObserveOperation(string, time.Duration, error) {}

// Config holds ledger policy.
type Config struct {
	// SignerRoles are the roles licensed to sign or reopen a dispense.
	SignerRoles []string
	// SizeFallback overrides the catalog's size-based vendor inference.
	SizeFallback *SizeFallback
	// Location fixes the calendar day a count check belongs to. Nil is UTC.
	Location *time.Location
	// LowStockVials flags a vendor whose active vial count is at or below it.
	LowStockVials int
}

// DefaultConfig returns the clinic defaults.
func DefaultConfig() Config {
	return Config{SignerRoles: []string{"provider", "admin"}, LowStockVials: DefaultLowStockVials}
}

// Option customizes a Service.
type Option func(*Service)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithCatalog replaces the drug catalog.
func WithCatalog(c *DrugCatalog) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the ledger's public operation surface.
type Service struct {
	store       Store
	catalog     *DrugCatalog
	signerRoles map[string]bool
	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     Recorder
	now         func() time.Time
	location    *time.Location
	lowStock    int
}

// NewService creates a ledger service over store.
func NewService(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:       store,
		catalog:     DefaultCatalog(),
		signerRoles: make(map[string]bool, len(cfg.SignerRoles)),
		logger:      logger,
		tracer:      otel.Tracer("inventory"),
		metrics:     nopRecorder{},
		now:         time.Now,
		location:    time.UTC,
		lowStock:    cfg.LowStockVials,
	}
	if cfg.Location != nil {
		s.location = cfg.Location
	}
	for _, r := range cfg.SignerRoles {
		s.signerRoles[strings.ToLower(strings.TrimSpace(r))] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.SizeFallback != nil {
		c := *s.catalog
		c.Size = *cfg.SizeFallback
		s.catalog = &c
	}
	return s
}

// CanSign reports whether role may sign or reopen dispenses.
func (s *Service) CanSign(role string) bool {
	return s.signerRoles[strings.ToLower(strings.TrimSpace(role))]
}

// span starts an operation span and returns a finisher that records the
// outcome on the span and in metrics.
func (s *Service) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObserveOperation(op, time.Since(start), err)
	}
}

func trimmedOrNil(p *string) *string {
	if p == nil {
		return nil
	}
	t := strings.TrimSpace(*p)
	if t == "" {
		return nil
	}
	return &t
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func decOrNil(v Volume) any {
	if !v.Valid {
		return nil
	}
	return v.String()
}
