package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores entries in the ledger_requests table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a backend over pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

var _ Backend = (*PostgresBackend)(nil)

func (b *PostgresBackend) Get(ctx context.Context, key, handler string) (*Entry, error) {
	e := &Entry{}
	var hash *string
	var response []byte
	err := b.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, request_hash, response, error_message,
		       attempts, created_at, updated_at, expires_at
		  FROM ledger_requests
		 WHERE idempotency_key = $1 AND handler_name = $2`, key, handler).Scan(
		&e.Key, &e.Handler, &e.Status, &hash, &response, &e.ErrorMessage,
		&e.Attempts, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hash != nil {
		e.RequestHash = *hash
	}
	e.Response = response
	return e, nil
}

func (b *PostgresBackend) Start(ctx context.Context, c Claim) (bool, error) {
	var attempts int
	err := b.pool.QueryRow(ctx, `
		INSERT INTO ledger_requests (idempotency_key, handler_name, status, request_hash, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $7, $7)
		ON CONFLICT (idempotency_key, handler_name) DO UPDATE
		   SET status = EXCLUDED.status,
		       request_hash = EXCLUDED.request_hash,
		       response = NULL,
		       error_message = NULL,
		       attempts = ledger_requests.attempts + 1,
		       expires_at = EXCLUDED.expires_at,
		       updated_at = $7
		 WHERE ledger_requests.status = 'RECOVERABLE'
		    OR (ledger_requests.status = 'STARTED' AND ledger_requests.updated_at < $6)
		    OR ledger_requests.expires_at < $7
		RETURNING attempts`,
		c.Key, c.Handler, StatusStarted, c.RequestHash, c.ExpiresAt, c.StaleBefore, c.Now,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *PostgresBackend) Finish(ctx context.Context, key, handler string, response json.RawMessage) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE ledger_requests
		   SET status = $3, response = $4, updated_at = NOW()
		 WHERE idempotency_key = $1 AND handler_name = $2`,
		key, handler, StatusFinished, []byte(response))
	return err
}

func (b *PostgresBackend) Fail(ctx context.Context, key, handler string, status Status, message string) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE ledger_requests
		   SET status = $3, error_message = $4, updated_at = NOW()
		 WHERE idempotency_key = $1 AND handler_name = $2`,
		key, handler, status, message)
	return err
}

func (b *PostgresBackend) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM ledger_requests WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InboxStats counts entries by status.
type InboxStats struct {
	TotalEntries int64 `json:"total"`
	Started      int64 `json:"started"`
	Finished     int64 `json:"finished"`
	Recoverable  int64 `json:"recoverable"`
	Failed       int64 `json:"failed"`
}

// Stats returns current inbox statistics
func (b *PostgresBackend) Stats(ctx context.Context) (*InboxStats, error) {
	stats := &InboxStats{}
	err := b.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'STARTED'),
		       COUNT(*) FILTER (WHERE status = 'FINISHED'),
		       COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
		       COUNT(*) FILTER (WHERE status = 'FAILED')
		  FROM ledger_requests`).Scan(
		&stats.TotalEntries, &stats.Started, &stats.Finished,
		&stats.Recoverable, &stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
