// Package sqlite provides the default local [ledger.Store], backed by a
// single SQLite file through the pure-Go modernc.org/sqlite driver.
//
// The database handle is limited to one open connection, so every append
// is serialised by database/sql and the autoincrement id gives a total
// insertion order.
//
// Data values round-trip through JSON: numbers come back as float64.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/voicebridge/pkg/ledger"
)

var _ ledger.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS session_events (
    id          INTEGER  PRIMARY KEY AUTOINCREMENT,
    ts          TEXT     NOT NULL,
    session_id  TEXT     NOT NULL,
    event       TEXT     NOT NULL,
    data        TEXT     NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_session_events_session_id
    ON session_events (session_id, id);
`

// Store is a SQLite-backed event store. All methods are safe for concurrent
// use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, enables WAL
// journaling and runs the schema migration.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append implements [ledger.Store].
func (s *Store) Append(ctx context.Context, rec ledger.EventRecord) error {
	data, err := marshalData(rec.Data)
	if err != nil {
		return fmt.Errorf("sqlite store: append: %w", err)
	}
	const q = `INSERT INTO session_events (ts, session_id, event, data) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.SessionID,
		rec.Event,
		data,
	); err != nil {
		return fmt.Errorf("sqlite store: append: %w", err)
	}
	return nil
}

// List implements [ledger.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]ledger.EventRecord, error) {
	const q = `
		SELECT ts, session_id, event, data
		FROM   session_events
		WHERE  session_id = ?
		ORDER  BY id`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	defer rows.Close()

	recs := []ledger.EventRecord{}
	for rows.Next() {
		var (
			rec      ledger.EventRecord
			ts, data string
		)
		if err := rows.Scan(&ts, &rec.SessionID, &rec.Event, &data); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("sqlite store: parse ts %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("sqlite store: decode data: %w", err)
		}
		if rec.Data == nil {
			rec.Data = map[string]any{}
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	return recs, nil
}

// Count implements [ledger.Store].
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: count: %w", err)
	}
	return n, nil
}

// Ping implements [ledger.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close implements [ledger.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}
	return string(b), nil
}
