package ledger_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/pkg/ledger"
	"github.com/MrWong99/voicebridge/pkg/ledger/mock"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

func newLedger(t *testing.T, store ledger.Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	opts = append([]ledger.Option{ledger.WithClock(func() time.Time { return fixedNow })}, opts...)
	l := ledger.New(store, opts...)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestLogEvent_AppendsThenMirrors(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	mirror := &mock.Mirror{}
	l := newLedger(t, store, ledger.WithMirror(mirror))
	ctx := context.Background()

	if err := l.LogEvent(ctx, "sess-1", "livekit_token_ok", map[string]any{"room": "demo"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs := store.Records()
	if len(recs) != 1 {
		t.Fatalf("stored %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.SessionID != "sess-1" || rec.Event != "livekit_token_ok" || rec.Data["room"] != "demo" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.Timestamp.Equal(fixedNow) || rec.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", rec.Timestamp, fixedNow)
	}

	delivered := mirror.Delivered()
	if len(delivered) != 1 || delivered[0].Event != "livekit_token_ok" {
		t.Errorf("mirrored = %+v", delivered)
	}
}

func TestLogEvent_StorageFailureSkipsMirror(t *testing.T) {
	t.Parallel()

	store := &mock.Store{AppendErr: errors.New("disk full")}
	mirror := &mock.Mirror{}
	l := newLedger(t, store, ledger.WithMirror(mirror))

	err := l.LogEvent(context.Background(), "sess-1", "bridge_started", nil)
	var storageErr *ledger.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("got %v, want *StorageError", err)
	}
	if !errors.Is(err, store.AppendErr) {
		t.Errorf("StorageError should unwrap to the store error")
	}

	_ = l.Close(context.Background())
	if n := mirror.CallCount("Mirror"); n != 0 {
		t.Errorf("mirror called %d times after a storage failure", n)
	}
}

func TestLogEvent_MirrorFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	mirror := &mock.Mirror{Err: errors.New("503 from relay")}
	l := newLedger(t, store, ledger.WithMirror(mirror))
	ctx := context.Background()

	for _, ev := range []string{"a", "b", "c"} {
		if err := l.LogEvent(ctx, "sess-1", ev, nil); err != nil {
			t.Fatalf("LogEvent(%s): %v", ev, err)
		}
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(store.Records()); got != 3 {
		t.Errorf("stored %d, want 3", got)
	}
	if got := mirror.CallCount("Mirror"); got != 3 {
		t.Errorf("mirror attempts = %d, want 3 (no retries)", got)
	}
}

func TestLogEvent_InvalidEvent(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	l := newLedger(t, store)
	ctx := context.Background()

	if err := l.LogEvent(ctx, "", "x", nil); !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Errorf("empty session: got %v", err)
	}
	if err := l.LogEvent(ctx, "sess-1", "", nil); !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Errorf("empty event: got %v", err)
	}
	if n := store.CallCount("Append"); n != 0 {
		t.Errorf("Append called %d times for invalid events", n)
	}
}

func TestLogEvent_DataIsCopied(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	l := newLedger(t, store)
	data := map[string]any{"k": "before"}

	if err := l.LogEvent(context.Background(), "sess-1", "e", data); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	data["k"] = "after"

	if got := store.Records()[0].Data["k"]; got != "before" {
		t.Errorf("stored data mutated by caller: %v", got)
	}
}

func TestLogEvent_NestedDataIsCopied(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	mirror := &mock.Mirror{Block: make(chan struct{})}
	l := newLedger(t, store, ledger.WithMirror(mirror), ledger.WithMirrorTimeout(time.Minute))
	meta := map[string]any{"room": "before"}
	tags := []string{"before"}
	items := []any{map[string]any{"n": 1}}
	data := map[string]any{"meta": meta, "tags": tags, "items": items}

	if err := l.LogEvent(context.Background(), "sess-1", "e", data); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	// The mirror worker still holds its copy while the caller mutates.
	meta["room"] = "after"
	tags[0] = "after"
	items[0].(map[string]any)["n"] = 2
	close(mirror.Block)
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	check := func(where string, got map[string]any) {
		t.Helper()
		if v := got["meta"].(map[string]any)["room"]; v != "before" {
			t.Errorf("%s: meta.room = %v, want before", where, v)
		}
		if v := got["tags"].([]string)[0]; v != "before" {
			t.Errorf("%s: tags[0] = %v, want before", where, v)
		}
		if v := got["items"].([]any)[0].(map[string]any)["n"]; v != 1 {
			t.Errorf("%s: items[0].n = %v, want 1", where, v)
		}
	}
	check("stored", store.Records()[0].Data)
	delivered := mirror.Delivered()
	if len(delivered) != 1 {
		t.Fatalf("mirrored %d records, want 1", len(delivered))
	}
	check("mirrored", delivered[0].Data)
}

func TestLogEvent_FullBufferDropsMirrorCopy(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	mirror := &mock.Mirror{
		Block:   make(chan struct{}),
		Entered: make(chan ledger.EventRecord, 8),
	}
	l := newLedger(t, store, ledger.WithMirror(mirror), ledger.WithMirrorBuffer(1))
	ctx := context.Background()

	if err := l.LogEvent(ctx, "sess-1", "first", nil); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	select {
	case <-mirror.Entered:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror worker never picked up the first record")
	}

	// Worker is busy; one slot in the buffer, the rest is dropped.
	for _, ev := range []string{"second", "third", "fourth"} {
		start := time.Now()
		if err := l.LogEvent(ctx, "sess-1", ev, nil); err != nil {
			t.Fatalf("LogEvent(%s): %v", ev, err)
		}
		if d := time.Since(start); d > time.Second {
			t.Errorf("LogEvent(%s) blocked for %v", ev, d)
		}
	}

	close(mirror.Block)
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(store.Records()); got != 4 {
		t.Errorf("stored %d, want 4", got)
	}
	delivered := mirror.Delivered()
	if len(delivered) != 2 || delivered[0].Event != "first" || delivered[1].Event != "second" {
		t.Errorf("delivered = %+v, want first and second", delivered)
	}
}

func TestLogEvent_MirrorTimeout(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	mirror := &mock.Mirror{Block: make(chan struct{})}
	l := newLedger(t, store, ledger.WithMirror(mirror), ledger.WithMirrorTimeout(20*time.Millisecond))
	ctx := context.Background()

	if err := l.LogEvent(ctx, "sess-1", "slow", nil); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.Close(closeCtx); err != nil {
		t.Fatalf("Close should drain after the mirror times out: %v", err)
	}
	if got := len(mirror.Delivered()); got != 0 {
		t.Errorf("delivered %d records past the timeout", got)
	}
	if got := len(store.Records()); got != 1 {
		t.Errorf("stored %d, want 1", got)
	}
}

func TestClose_BoundedByContext(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	mirror := &mock.Mirror{Block: make(chan struct{})}
	l := newLedger(t, store, ledger.WithMirror(mirror), ledger.WithMirrorTimeout(time.Hour))
	ctx := context.Background()

	if err := l.LogEvent(ctx, "sess-1", "stuck", nil); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.Close(closeCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want DeadlineExceeded", err)
	}
	if n := store.CallCount("Close"); n != 1 {
		t.Errorf("store closed %d times, want 1", n)
	}

	if err := l.LogEvent(ctx, "sess-1", "late", nil); !errors.Is(err, ledger.ErrClosed) {
		t.Errorf("LogEvent after Close = %v, want ErrClosed", err)
	}
	if err := l.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	l := newLedger(t, store)
	ctx := context.Background()

	id, err := l.StartSession(ctx, map[string]any{"user": "alice"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !regexp.MustCompile(`^sess-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("session id %q does not match sess-<8 hex>", id)
	}

	events, err := l.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Event != ledger.EventSessionStarted || events[0].Data["user"] != "alice" {
		t.Errorf("events = %+v", events)
	}

	other, err := l.StartSession(ctx, nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if other == id {
		t.Error("StartSession returned the same id twice")
	}
}

func TestEvents_OrderAndIsolation(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	l := newLedger(t, store)
	ctx := context.Background()

	for _, ev := range []string{"one", "two", "three"} {
		if err := l.LogEvent(ctx, "sess-a", ev, nil); err != nil {
			t.Fatal(err)
		}
		if err := l.LogEvent(ctx, "sess-b", "other-"+ev, nil); err != nil {
			t.Fatal(err)
		}
	}
	l.Flush("sess-a")
	l.Flush("sess-a")

	events, err := l.Events(ctx, "sess-a")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []string{"one", "two", "three"} {
		if events[i].Event != want {
			t.Errorf("events[%d] = %q, want %q", i, events[i].Event, want)
		}
	}
}

func TestEvents_StorageError(t *testing.T) {
	t.Parallel()

	store := &mock.Store{ListErr: errors.New("locked")}
	l := newLedger(t, store)

	_, err := l.Events(context.Background(), "sess-1")
	var storageErr *ledger.StorageError
	if !errors.As(err, &storageErr) || storageErr.Op != "list" {
		t.Errorf("got %v, want list StorageError", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	store := &mock.Store{PingErr: errors.New("gone")}
	l := newLedger(t, store)
	if err := l.Ping(context.Background()); err == nil {
		t.Error("Ping should surface the store error")
	}
}
