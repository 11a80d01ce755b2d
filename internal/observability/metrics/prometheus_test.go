package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/pkg/circuitbreaker"
)

func TestLedgerRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DispenseCreated(true, decimal.RequireFromString("2.2"))
	m.DispenseCreated(false, decimal.RequireFromString("0.5"))
	m.DispenseDeleted(true)
	m.DEARecorded()
	m.SignatureChanged(inventory.EventSigned)
	m.DrugNameUnmatched()
	m.CountCheckRecorded(inventory.CheckDiscrepancyFlagged)
	m.ObserveOperation("create_dispense", 10*time.Millisecond, nil)
	m.ObserveOperation("create_dispense", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispensesCreated.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispensesCreated.WithLabelValues("false")))
	assert.InDelta(t, 2.7, testutil.ToFloat64(m.VolumeDeductedMl), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispensesDeleted.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DEATransactions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignatureEvents.WithLabelValues("signed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DrugNamesUnmatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CountChecks.WithLabelValues("discrepancy_flagged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationErrors.WithLabelValues("create_dispense")))
}

func TestOutboxAndBreakerMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OutboxPublished(inventory.TopicDispenseEvents)
	m.OutboxFailed(inventory.TopicDEATransactions)
	m.OutboxDeadLettered()
	m.SetOutboxPending(7)
	m.RecordBreakers([]circuitbreaker.HealthStatus{
		{Name: "a", State: circuitbreaker.StateOpen},
		{Name: "b", State: circuitbreaker.StateClosed},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublishes.WithLabelValues(inventory.TopicDispenseEvents)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxFailures.WithLabelValues(inventory.TopicDEATransactions)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxDeadLetters))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("b")))
}
