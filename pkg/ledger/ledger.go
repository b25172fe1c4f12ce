// Package ledger records session lifecycle events durably and mirrors them,
// best effort, to an external sink.
//
// Every event is first appended to a local [Store]. Only after the append
// succeeds is a copy handed to the optional [Mirror], which runs on a single
// background worker fed by a bounded buffer. A slow or failing mirror can
// therefore never block or fail [Ledger.LogEvent].
//
// A [Ledger] is safe for concurrent use.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicebridge/internal/observe"
)

const (
	// DefaultMirrorTimeout bounds one mirror delivery.
	DefaultMirrorTimeout = 5 * time.Second

	// DefaultMirrorBuffer is how many records may wait for the mirror worker.
	DefaultMirrorBuffer = 64

	// EventSessionStarted is logged by [Ledger.StartSession].
	EventSessionStarted = "session_started"
)

var (
	// ErrInvalidEvent is returned for an empty session id or event name.
	ErrInvalidEvent = errors.New("ledger: session id and event name are required")

	// ErrClosed is returned by operations on a closed Ledger.
	ErrClosed = errors.New("ledger: closed")
)

// EventRecord is one entry of a session's event log.
type EventRecord struct {
	SessionID string         `json:"session"`
	Timestamp time.Time      `json:"ts"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

// Store is durable, ordered storage for event records. Implementations
// serialise their own writes; List returns records in insertion order.
type Store interface {
	Append(ctx context.Context, rec EventRecord) error
	List(ctx context.Context, sessionID string) ([]EventRecord, error)
	Count(ctx context.Context, sessionID string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Mirror delivers a copy of a record to an external sink.
type Mirror interface {
	Mirror(ctx context.Context, rec EventRecord) error
}

// StorageError reports a failure of the local [Store].
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Ledger].
type Option func(*Ledger)

// WithMirror enables mirroring of every stored record to m.
func WithMirror(m Mirror) Option {
	return func(l *Ledger) { l.mirror = m }
}

// WithMirrorTimeout bounds each mirror delivery.
func WithMirrorTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.mirrorTimeout = d
		}
	}
}

// WithMirrorBuffer sets how many records may wait for the mirror worker
// before further copies are dropped.
func WithMirrorBuffer(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.mirrorBuffer = n
		}
	}
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for mirror diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// ── Ledger ───────────────────────────────────────────────────────────────────

// Ledger is the session event log.
type Ledger struct {
	store         Store
	mirror        Mirror
	mirrorTimeout time.Duration
	mirrorBuffer  int
	metrics       *observe.Metrics
	now           func() time.Time
	log           *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan EventRecord

	// workerCtx is cancelled when Close gives up on draining.
	workerCtx    context.Context
	cancelWorker context.CancelFunc
	done         chan struct{}
}

// New creates a Ledger over store. When a mirror is configured, a single
// background worker is started; stop it with [Ledger.Close].
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		mirrorTimeout: DefaultMirrorTimeout,
		mirrorBuffer:  DefaultMirrorBuffer,
		now:           time.Now,
		log:           slog.Default(),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}

	l.workerCtx, l.cancelWorker = context.WithCancel(context.Background())
	if l.mirror == nil {
		close(l.done)
		return l
	}
	l.queue = make(chan EventRecord, l.mirrorBuffer)
	go l.runMirror()
	return l
}

// LogEvent appends an event for sessionID. A store failure is returned as a
// [*StorageError] and nothing is mirrored. On success a copy is queued for
// the mirror without waiting; if the mirror buffer is full the copy is
// dropped.
func (l *Ledger) LogEvent(ctx context.Context, sessionID, event string, data map[string]any) error {
	if sessionID == "" || event == "" {
		return ErrInvalidEvent
	}

	rec := EventRecord{
		SessionID: sessionID,
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
		Event:     event,
		Data:      cloneData(data),
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	start := time.Now()
	if err := l.store.Append(ctx, rec); err != nil {
		l.metrics.RecordLedgerWrite(ctx, "error", time.Since(start))
		return &StorageError{Op: "append", Err: err}
	}
	l.metrics.RecordLedgerWrite(ctx, "ok", time.Since(start))

	if l.queue == nil {
		return nil
	}
	select {
	case l.queue <- rec:
	default:
		l.metrics.RecordMirror(ctx, "dropped")
		l.log.Warn("ledger: mirror buffer full, dropping copy",
			"session_id", sessionID, "event", event, "buffer", l.mirrorBuffer)
	}
	return nil
}

// Flush is a hook for callers that want to mark a batch boundary. Records
// are durable as soon as LogEvent returns, so it does nothing.
func (l *Ledger) Flush(sessionID string) {}

// StartSession generates a session id of the form "sess-<8 hex>" and logs a
// session_started event carrying attrs.
func (l *Ledger) StartSession(ctx context.Context, attrs map[string]any) (string, error) {
	id := NewSessionID()
	if err := l.LogEvent(ctx, id, EventSessionStarted, attrs); err != nil {
		return "", err
	}
	return id, nil
}

// NewSessionID returns a fresh "sess-<8 hex>" identifier.
func NewSessionID() string {
	return "sess-" + uuid.NewString()[:8]
}

// Events returns every record of sessionID in insertion order.
func (l *Ledger) Events(ctx context.Context, sessionID string) ([]EventRecord, error) {
	if sessionID == "" {
		return nil, ErrInvalidEvent
	}
	recs, err := l.store.List(ctx, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return recs, nil
}

// Ping reports whether the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close stops accepting events, lets the mirror worker drain what is
// buffered (bounded by ctx) and closes the store. Subsequent calls are
// no-ops.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	var drainErr error
	select {
	case <-l.done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("ledger: drain mirror: %w", ctx.Err())
		l.log.Warn("ledger: mirror did not drain before shutdown", "pending", len(l.queue))
	}
	l.cancelWorker()

	if err := l.store.Close(); err != nil {
		return errors.Join(drainErr, &StorageError{Op: "close", Err: err})
	}
	return drainErr
}

func (l *Ledger) runMirror() {
	defer close(l.done)
	for rec := range l.queue {
		ctx, cancel := context.WithTimeout(l.workerCtx, l.mirrorTimeout)
		err := l.mirror.Mirror(ctx, rec)
		cancel()
		if err != nil {
			l.metrics.RecordMirror(l.workerCtx, "error")
			l.log.Warn("ledger: mirror failed",
				"session_id", rec.SessionID, "event", rec.Event, "err", err)
			continue
		}
		l.metrics.RecordMirror(l.workerCtx, "ok")
	}
}

// cloneData copies data and every map and slice nested in it, so the caller
// may reuse its values once LogEvent returns. Pointers and structs are
// shared.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return cloneValue(reflect.ValueOf(data)).Interface().(map[string]any)
}

func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		return cloneValue(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(cloneValue(v.Index(i)))
		}
		return out
	default:
		return v
	}
}
