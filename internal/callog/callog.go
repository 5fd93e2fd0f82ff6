// Package callog provides a PostgreSQL-backed call history store.
//
// Every call the bridge places is recorded with its Vapi call ID, start and
// end times, and ending reason. The store is optional: when no DSN is
// configured the application runs without call history.
package callog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id           BIGSERIAL    PRIMARY KEY,
    call_id      TEXT         NOT NULL UNIQUE,
    assistant_id TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at     TIMESTAMPTZ,
    end_reason   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at);
`

// Record is one row of call history.
type Record struct {
	CallID      string     `json:"call_id"`
	AssistantID string     `json:"assistant_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
}

// Store records call history in PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and ensures
// the calls table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("callog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callog: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// CallStarted records the start of a call.
func (s *Store) CallStarted(ctx context.Context, callID, assistantID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (call_id, assistant_id)
		VALUES ($1, $2)
		ON CONFLICT (call_id) DO NOTHING`,
		callID, assistantID,
	)
	if err != nil {
		return fmt.Errorf("callog: record call start: %w", err)
	}
	return nil
}

// CallEnded records the end of a call with the given reason ("hangup",
// "error", "shutdown").
func (s *Store) CallEnded(ctx context.Context, callID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls SET ended_at = now(), end_reason = $2
		WHERE call_id = $1`,
		callID, reason,
	)
	if err != nil {
		return fmt.Errorf("callog: record call end: %w", err)
	}
	return nil
}

// RecentCalls returns up to limit calls ordered most recent first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, assistant_id, started_at, ended_at, end_reason
		FROM calls
		ORDER BY started_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("callog: query recent calls: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.CallID, &r.AssistantID, &r.StartedAt, &r.EndedAt, &r.EndReason); err != nil {
			return nil, fmt.Errorf("callog: scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callog: iterate records: %w", err)
	}
	return records, nil
}

// Ping probes the database connection. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
