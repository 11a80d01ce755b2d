package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestInbox(cfg InboxConfig) (*Inbox, *MemoryBackend, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg.Now = c.now
	b := NewMemoryBackend()
	return NewInbox(b, cfg, nil), b, c
}

func TestProcessReplaysFinishedResult(t *testing.T) {
	inbox, _, _ := newTestInbox(DefaultInboxConfig())
	ctx := context.Background()
	hash := HashRequest([]byte(`{"vial":"V0001"}`))

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"dispense_id":"d-1"}`), nil
	}

	first, err := inbox.Process(ctx, "key-1", "create_dispense", hash, fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := inbox.Process(ctx, "key-1", "create_dispense", hash, fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, `{"dispense_id":"d-1"}`, string(second.Response))
	assert.Equal(t, 1, calls)

	_, err = inbox.Process(ctx, "key-1", "create_dispense", HashRequest([]byte(`{"vial":"V0002"}`)), fn)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestProcessInProgressAndStaleTakeover(t *testing.T) {
	inbox, b, c := newTestInbox(DefaultInboxConfig())
	ctx := context.Background()

	ok, err := b.Start(ctx, Claim{Key: "k", Handler: "h", Now: c.t, ExpiresAt: c.t.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = inbox.Process(ctx, "k", "h", "", func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run while the key is held")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrInProgress)

	c.t = c.t.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "k", "h", "", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)

	e, err := b.Get(ctx, "k", "h")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, e.Status)
	assert.Equal(t, 2, e.Attempts)
}

func TestProcessRecoverableErrorAllowsRetry(t *testing.T) {
	inbox, _, _ := newTestInbox(DefaultInboxConfig())
	ctx := context.Background()
	boom := errors.New("database unavailable")

	_, err := inbox.Process(ctx, "k", "h", "", func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	res, err := inbox.Process(ctx, "k", "h", "", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestProcessTerminalErrorIsRemembered(t *testing.T) {
	invalid := errors.New("invalid input")
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, invalid) }
	inbox, _, _ := newTestInbox(cfg)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "h", "", func(context.Context) (json.RawMessage, error) {
		return nil, invalid
	})
	assert.ErrorIs(t, err, invalid)

	_, err = inbox.Process(ctx, "k", "h", "", func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not rerun after a terminal failure")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
	assert.Contains(t, err.Error(), "invalid input")
}

func TestExpiredKeysAreReusedAndCleaned(t *testing.T) {
	cfg := DefaultInboxConfig()
	cfg.DefaultTTL = time.Hour
	inbox, b, c := newTestInbox(cfg)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "h", "a", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)

	c.t = c.t.Add(2 * time.Hour)
	res, err := inbox.Process(ctx, "k", "h", "b", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`2`), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "2", string(res.Response))

	n, err := b.Cleanup(ctx, c.t.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStopWithoutCleanup(t *testing.T) {
	inbox, _, _ := newTestInbox(DefaultInboxConfig())
	inbox.Stop()
}
