package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process. It serves tests and single-node
// development setups.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[[2]string]*Entry
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[[2]string]*Entry)}
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) Get(_ context.Context, key, handler string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[[2]string{key, handler}]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (b *MemoryBackend) Start(_ context.Context, c Claim) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := [2]string{c.Key, c.Handler}
	if e, ok := b.entries[id]; ok {
		takeover := e.Status == StatusRecoverable ||
			(e.Status == StatusStarted && e.UpdatedAt.Before(c.StaleBefore)) ||
			e.ExpiresAt.Before(c.Now)
		if !takeover {
			return false, nil
		}
		e.Status = StatusStarted
		e.RequestHash = c.RequestHash
		e.Response = nil
		e.ErrorMessage = nil
		e.Attempts++
		e.ExpiresAt = c.ExpiresAt
		e.UpdatedAt = c.Now
		return true, nil
	}
	b.entries[id] = &Entry{
		Key:         c.Key,
		Handler:     c.Handler,
		Status:      StatusStarted,
		RequestHash: c.RequestHash,
		Attempts:    1,
		CreatedAt:   c.Now,
		UpdatedAt:   c.Now,
		ExpiresAt:   c.ExpiresAt,
	}
	return true, nil
}

func (b *MemoryBackend) Finish(_ context.Context, key, handler string, response json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[[2]string{key, handler}]; ok {
		e.Status = StatusFinished
		e.Response = append(json.RawMessage(nil), response...)
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, key, handler string, status Status, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[[2]string{key, handler}]; ok {
		e.Status = status
		e.ErrorMessage = &message
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (b *MemoryBackend) Cleanup(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, e := range b.entries {
		if e.ExpiresAt.Before(now) {
			delete(b.entries, id)
			n++
		}
	}
	return n, nil
}
