// Package mock provides in-memory test doubles for the ledger interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.AppendErr = errors.New("disk full")
//
//	l := ledger.New(store)
//	err := l.LogEvent(ctx, "sess-1", "bridge_started", nil)
//
//	if got := store.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/ledger"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

var _ ledger.Store = (*Store)(nil)

// Store is an in-memory [ledger.Store]. Successful appends are kept and
// returned by List in insertion order.
type Store struct {
	recorder

	records []ledger.EventRecord

	// AppendErr is returned by [Store.Append] when non-nil; the record is
	// not kept.
	AppendErr error

	// ListErr is returned by [Store.List] when non-nil.
	ListErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error

	// CloseErr is returned by [Store.Close] when non-nil.
	CloseErr error

	// OnAppend, when non-nil, runs at the start of every Append without the
	// mock's lock held. Tests use it to stall selected writes.
	OnAppend func(ctx context.Context, rec ledger.EventRecord)
}

// Append implements [ledger.Store].
func (m *Store) Append(ctx context.Context, rec ledger.EventRecord) error {
	m.mu.Lock()
	hook := m.OnAppend
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Append", rec)
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.records = append(m.records, rec)
	return nil
}

// List implements [ledger.Store].
func (m *Store) List(_ context.Context, sessionID string) ([]ledger.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List", sessionID)
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := []ledger.EventRecord{}
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Count implements [ledger.Store].
func (m *Store) Count(ctx context.Context, sessionID string) (int, error) {
	recs, err := m.List(ctx, sessionID)
	return len(recs), err
}

// Ping implements [ledger.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [ledger.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	return m.CloseErr
}

// Records returns every stored record across all sessions.
func (m *Store) Records() []ledger.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// ─────────────────────────────────────────────────────────────────────────────
// Mirror
// ─────────────────────────────────────────────────────────────────────────────

var _ ledger.Mirror = (*Mirror)(nil)

// Mirror is a recording [ledger.Mirror].
type Mirror struct {
	recorder

	delivered []ledger.EventRecord

	// Err is returned by [Mirror.Mirror] when non-nil.
	Err error

	// Block, when non-nil, makes Mirror wait until it is closed or the
	// context is done. A context expiry is returned as the error.
	Block chan struct{}

	// Entered, when non-nil, receives each record as Mirror is entered.
	// The send is skipped if the channel is full.
	Entered chan ledger.EventRecord
}

// Mirror implements [ledger.Mirror].
func (m *Mirror) Mirror(ctx context.Context, rec ledger.EventRecord) error {
	m.mu.Lock()
	m.record("Mirror", rec)
	block, entered := m.Block, m.Entered
	m.mu.Unlock()

	if entered != nil {
		select {
		case entered <- rec:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.delivered = append(m.delivered, rec)
	return nil
}

// Delivered returns the records that were mirrored successfully.
func (m *Mirror) Delivered() []ledger.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.delivered)
}
