// Package postgres provides a PostgreSQL-backed [ledger.Store] for
// deployments that share one event log between several voicebridge
// instances.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	l := ledger.New(store)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicebridge/pkg/ledger"
)

var _ ledger.Store = (*Store)(nil)

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    id          BIGSERIAL    PRIMARY KEY,
    ts          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    session_id  TEXT         NOT NULL,
    event       TEXT         NOT NULL,
    data        JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_session_events_session_id
    ON session_events (session_id, id);
`

// Store is a pgxpool-backed event store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the session_events table and its index if they do not
// exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionEvents); err != nil {
		return fmt.Errorf("session_events: %w", err)
	}
	return nil
}

// Append implements [ledger.Store].
func (s *Store) Append(ctx context.Context, rec ledger.EventRecord) error {
	const q = `
		INSERT INTO session_events (ts, session_id, event, data)
		VALUES ($1, $2, $3, $4)`

	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	if _, err := s.pool.Exec(ctx, q, rec.Timestamp, rec.SessionID, rec.Event, data); err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// List implements [ledger.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]ledger.EventRecord, error) {
	const q = `
		SELECT ts, session_id, event, data
		FROM   session_events
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.EventRecord, error) {
		var (
			rec ledger.EventRecord
			ts  time.Time
		)
		if err := row.Scan(&ts, &rec.SessionID, &rec.Event, &rec.Data); err != nil {
			return ledger.EventRecord{}, err
		}
		rec.Timestamp = ts.UTC()
		if rec.Data == nil {
			rec.Data = map[string]any{}
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []ledger.EventRecord{}
	}
	return recs, nil
}

// Count implements [ledger.Store].
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_events WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count: %w", err)
	}
	return n, nil
}

// Ping implements [ledger.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
