package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/pkg/ledger"
	"github.com/MrWong99/voicebridge/pkg/ledger/sqlite"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(session, event string, ts time.Time, data map[string]any) ledger.EventRecord {
	return ledger.EventRecord{SessionID: session, Event: event, Timestamp: ts, Data: data}
}

func TestStore_AppendAndList(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 123_456_000, time.UTC)

	inputs := []ledger.EventRecord{
		record("sess-1", "bridge_started", ts, map[string]any{"model": "grok"}),
		record("sess-2", "unrelated", ts, nil),
		record("sess-1", "bridge_text", ts.Add(time.Second), map[string]any{"text": "hi", "n": 3}),
		record("sess-1", "bridge_closed", ts.Add(2*time.Second), map[string]any{"frames": 42}),
	}
	for _, r := range inputs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append(%s): %v", r.Event, err)
		}
	}

	got, err := s.List(ctx, "sess-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d records, want 3", len(got))
	}
	for i, want := range []string{"bridge_started", "bridge_text", "bridge_closed"} {
		if got[i].Event != want {
			t.Errorf("got[%d].Event = %q, want %q", i, got[i].Event, want)
		}
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, ts)
	}
	if got[0].Data["model"] != "grok" {
		t.Errorf("data = %v", got[0].Data)
	}
	if got[2].Data["frames"] != float64(42) {
		t.Errorf("numeric data = %#v, want float64(42)", got[2].Data["frames"])
	}

	n, err := s.Count(ctx, "sess-1")
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v; want 3", n, err)
	}
}

func TestStore_ListUnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	got, err := s.List(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List = %#v, want empty non-nil slice", got)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Append(ctx, record("sess-1", "kept", time.Now(), nil)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openStore(t, path)
	n, err := second.Count(ctx, "sess-1")
	if err != nil || n != 1 {
		t.Errorf("Count after reopen = %d, %v; want 1", n, err)
	}
}

func TestStore_ConcurrentAppendsAreSerialised(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	ctx := context.Background()

	const writers, each = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				rec := record("sess-c", fmt.Sprintf("w%d-%d", w, i), time.Now(), map[string]any{"i": i})
				if err := s.Append(ctx, rec); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Append: %v", err)
	}

	n, err := s.Count(ctx, "sess-c")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != writers*each {
		t.Errorf("Count = %d, want %d", n, writers*each)
	}
}

func TestStore_ThroughLedger(t *testing.T) {
	t.Parallel()

	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := ledger.New(s)
	ctx := context.Background()

	id, err := l.StartSession(ctx, map[string]any{"source": "test"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := l.LogEvent(ctx, id, "grok_reply", map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	events, err := l.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[1].Data["text"] != "hello" {
		t.Errorf("events = %+v", events)
	}
	if err := l.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := l.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}
