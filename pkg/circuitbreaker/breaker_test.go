package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("ledger.dispense.events")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("broker down")
	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig("ledger.vial.events")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	err = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(DefaultConfig("base"), nil)

	a, err := m.Get("b-topic")
	require.NoError(t, err)
	again, err := m.Get("b-topic")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = m.Get("a-topic")
	require.NoError(t, err)

	status := m.GetHealthStatus()
	require.Len(t, status, 2)
	assert.Equal(t, "a-topic", status[0].Name)
	assert.True(t, status[1].Healthy)
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
