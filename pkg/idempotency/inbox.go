// Package idempotency makes request handlers safe to retry. A caller-supplied
// idempotency key is claimed before the handler runs and its result stored,
// so a repeated request returns the first result instead of running again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrInProgress indicates another request holds the key.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused indicates the key was first used with a different request body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrPreviouslyFailed indicates the key's first attempt failed terminally.
	ErrPreviouslyFailed = errors.New("request previously failed")
)

// Entry is one claimed idempotency key.
type Entry struct {
	Key          string
	Handler      string
	Status       Status
	RequestHash  string
	Response     json.RawMessage
	ErrorMessage *string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Claim describes an attempt to take a key.
type Claim struct {
	Key         string
	Handler     string
	RequestHash string
	ExpiresAt   time.Time
	// StaleBefore lets a STARTED entry last touched before it be taken over.
	StaleBefore time.Time
	Now         time.Time
}

// Backend persists inbox entries.
type Backend interface {
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key, handler string) (*Entry, error)
	// Start inserts the key as STARTED, or takes over a recoverable, stale or
	// expired entry. It reports false when the key is held by someone else.
	Start(ctx context.Context, c Claim) (bool, error)
	Finish(ctx context.Context, key, handler string, response json.RawMessage) error
	Fail(ctx context.Context, key, handler string, status Status, message string) error
	// Cleanup deletes entries that expired before now.
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a finished key keeps replaying its result
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried under the
	// same key. Nil treats every error as recoverable.
	IsTerminal func(error) bool
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent request processing
type Inbox struct {
	backend Backend
	config  InboxConfig
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewInbox creates a new inbox manager
func NewInbox(backend Backend, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	def := DefaultInboxConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		backend: backend,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("inbox"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Replayed is true when Response comes from an earlier attempt.
	Replayed     bool
	WasRecovered bool
	Response     json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// HashRequest fingerprints a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Process runs fn at most once per (key, handler) while the key is live.
func (i *Inbox) Process(ctx context.Context, key, handler string, requestHash string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	now := i.config.Now()
	entry, err := i.backend.Get(ctx, key, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}
	if entry != nil && now.After(entry.ExpiresAt) {
		entry = nil
	}

	if entry != nil {
		if res, err := replay(entry, requestHash, now, i.config.RecoveryTimeout); res != nil || err != nil {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return res, err
		}
	}

	claimed, err := i.backend.Start(ctx, Claim{
		Key:         key,
		Handler:     handler,
		RequestHash: requestHash,
		ExpiresAt:   now.Add(i.config.DefaultTTL),
		StaleBefore: now.Add(-i.config.RecoveryTimeout),
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}
	if !claimed {
		// Lost a race; report what the winner has done so far.
		current, err := i.backend.Get(ctx, key, handler)
		if err != nil {
			return nil, fmt.Errorf("failed to check inbox: %w", err)
		}
		if current != nil {
			if res, err := replay(current, requestHash, now, i.config.RecoveryTimeout); res != nil || err != nil {
				return res, err
			}
		}
		return nil, ErrInProgress
	}

	response, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal != nil && i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.backend.Fail(ctx, key, handler, status, handlerErr.Error()); err != nil {
			i.logger.Error("failed to mark error status", zap.String("idempotency_key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.backend.Finish(ctx, key, handler, response); err != nil {
		// The handler succeeded; a retry will run it again.
		i.logger.Error("failed to mark finished", zap.String("idempotency_key", key), zap.Error(err))
	}

	return &ProcessResult{
		WasRecovered: entry != nil,
		Response:     response,
	}, nil
}

// replay decides what an existing live entry means for a new request. It
// returns nil, nil when the caller may claim the key.
func replay(e *Entry, requestHash string, now time.Time, recovery time.Duration) (*ProcessResult, error) {
	if e.RequestHash != "" && requestHash != "" && e.RequestHash != requestHash {
		return nil, ErrKeyReused
	}
	switch e.Status {
	case StatusFinished:
		return &ProcessResult{Replayed: true, Response: e.Response}, nil
	case StatusFailed:
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, msg)
	case StatusStarted:
		if now.Sub(e.UpdatedAt) <= recovery {
			return nil, ErrInProgress
		}
	}
	return nil, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	if !i.running.CompareAndSwap(false, true) {
		return
	}
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	if !i.running.Load() {
		return
	}
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.backend.Cleanup(i.ctx, i.config.Now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
