// Package metrics provides Prometheus metrics for the vial ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/pkg/circuitbreaker"
)

const namespace = "vial_ledger"

// Metrics holds all application metrics
type Metrics struct {
	DispensesCreated   *prometheus.CounterVec
	DispensesDeleted   *prometheus.CounterVec
	VolumeDeductedMl   prometheus.Counter
	DEATransactions    prometheus.Counter
	SignatureEvents    *prometheus.CounterVec
	DrugNamesUnmatched prometheus.Counter
	CountChecks        *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationErrors    *prometheus.CounterVec

	OutboxPublishes     *prometheus.CounterVec
	OutboxFailures      *prometheus.CounterVec
	OutboxDeadLetters   prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

var _ inventory.Recorder = (*Metrics)(nil)

// New creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DispensesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispenses_created_total",
			Help:      "Dispenses recorded, by controlled-substance flag",
		}, []string{"controlled"}),
		DispensesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispenses_deleted_total",
			Help:      "Dispenses deleted, by whether volume was restored",
		}, []string{"restored"}),
		VolumeDeductedMl: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_deducted_ml_total",
			Help:      "Millilitres deducted from vials by dispenses",
		}),
		DEATransactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dea_transactions_recorded_total",
			Help:      "DEA transaction records written",
		}),
		SignatureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_events_total",
			Help:      "Signature workflow transitions",
		}, []string{"event"}),
		DrugNamesUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drug_names_unmatched_total",
			Help:      "DEA drug names stored without a catalog match",
		}),
		CountChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "count_checks_recorded_total",
			Help:      "Physical count checks recorded, by status",
		}, []string{"status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Ledger operations that returned an error",
		}, []string{"operation"}),
		OutboxPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries published",
		}, []string{"topic"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Failed outbox publish attempts",
		}, []string{"topic"}),
		OutboxDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox entries moved to the dead letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.DispensesCreated,
		m.DispensesDeleted,
		m.VolumeDeductedMl,
		m.DEATransactions,
		m.SignatureEvents,
		m.DrugNamesUnmatched,
		m.CountChecks,
		m.OperationDuration,
		m.OperationErrors,
		m.OutboxPublishes,
		m.OutboxFailures,
		m.OutboxDeadLetters,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *Metrics) DispenseCreated(controlled bool, deducted decimal.Decimal) {
	m.DispensesCreated.WithLabelValues(boolLabel(controlled)).Inc()
	m.VolumeDeductedMl.Add(deducted.InexactFloat64())
}

func (m *Metrics) DispenseDeleted(restored bool) {
	m.DispensesDeleted.WithLabelValues(boolLabel(restored)).Inc()
}

func (m *Metrics) DEARecorded() { m.DEATransactions.Inc() }

func (m *Metrics) SignatureChanged(eventType inventory.EventType) {
	m.SignatureEvents.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) DrugNameUnmatched() { m.DrugNamesUnmatched.Inc() }

func (m *Metrics) CountCheckRecorded(status inventory.CheckStatus) {
	m.CountChecks.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.OperationErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) OutboxPublished(topic string) { m.OutboxPublishes.WithLabelValues(topic).Inc() }

func (m *Metrics) OutboxFailed(topic string) { m.OutboxFailures.WithLabelValues(topic).Inc() }

func (m *Metrics) OutboxDeadLettered() { m.OutboxDeadLetters.Inc() }

func (m *Metrics) SetOutboxPending(n int64) { m.OutboxPending.Set(float64(n)) }

// RecordBreakers copies breaker states into the circuit breaker gauge.
func (m *Metrics) RecordBreakers(statuses []circuitbreaker.HealthStatus) {
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
