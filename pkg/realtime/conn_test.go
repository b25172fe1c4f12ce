package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/pkg/realtime"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The server is closed when the
// test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewDialer_DefaultURL(t *testing.T) {
	t.Parallel()

	d := realtime.NewDialer("", "key")
	got, err := d.URL()
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if got != realtime.DefaultURL {
		t.Errorf("URL = %q, want %q", got, realtime.DefaultURL)
	}
}

func TestWithModel_AddsQuery(t *testing.T) {
	t.Parallel()

	d := realtime.NewDialer("wss://example.test/v1/realtime?x=1", "key", realtime.WithModel("grok-voice"))
	got, err := d.URL()
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.Contains(got, "model=grok-voice") || !strings.Contains(got, "x=1") {
		t.Errorf("URL = %q, want model and original query", got)
	}
}

func TestDial_SendsAuthAndHeaders(t *testing.T) {
	t.Parallel()

	type seen struct{ auth, extra, model string }
	got := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- seen{
			auth:  r.Header.Get("Authorization"),
			extra: r.Header.Get("X-Trace"),
			model: r.URL.Query().Get("model"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	d := realtime.NewDialer(wsURL(srv), "secret",
		realtime.WithModel("m1"),
		realtime.WithHeader("X-Trace", "abc"),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case s := <-got:
		if s.auth != "Bearer secret" {
			t.Errorf("Authorization = %q", s.auth)
		}
		if s.extra != "abc" {
			t.Errorf("X-Trace = %q", s.extra)
		}
		if s.model != "m1" {
			t.Errorf("model = %q", s.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestConn_WriteReadClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"echo":`+string(data)+`}`))
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := realtime.NewDialer(wsURL(srv), "k").Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	msg, _ := realtime.EncodeInputText("hi")
	if err := conn.Write(ctx, msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(string(data), `"text":"hi"`) {
		t.Errorf("echo = %s", data)
	}

	if err := conn.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	// Second close must not panic and returns the first result.
	_ = conn.Close()

	if _, err := conn.Read(ctx); err == nil {
		t.Error("Read after Close: want error")
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := realtime.NewDialer(wsURL(srv), "bad").Dial(ctx); err == nil {
		t.Fatal("Dial: want error on 401")
	}
}

func TestConn_CloseNowReleasesPendingClose(t *testing.T) {
	t.Parallel()

	// The peer never reads, so the close handshake is never answered.
	release := make(chan struct{})
	srv := startServer(t, func(_ *websocket.Conn, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(10 * time.Second):
		}
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := realtime.NewDialer(wsURL(srv), "k").Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := conn.Read(context.Background())
		readDone <- err
	}()
	// Let the Read park before Close queues its handshake behind it.
	time.Sleep(50 * time.Millisecond)
	closeDone := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned although the peer never answered the handshake")
	case <-time.After(100 * time.Millisecond):
	}

	start := time.Now()
	if err := conn.CloseNow(); err != nil {
		t.Errorf("CloseNow: %v", err)
	}
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close still blocked after CloseNow")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close released after %v", elapsed)
	}
	select {
	case err := <-readDone:
		if err == nil {
			t.Error("pending Read returned no error after CloseNow")
		}
	case <-time.After(time.Second):
		t.Fatal("pending Read still blocked after CloseNow")
	}
}

func TestConn_CloseNowWithoutClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := realtime.NewDialer(wsURL(srv), "k").Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.CloseNow(); err != nil {
		t.Errorf("CloseNow: %v", err)
	}
	if err := conn.CloseNow(); err != nil {
		t.Errorf("second CloseNow: %v", err)
	}
	if err := conn.Write(ctx, []byte(`{}`)); err == nil {
		t.Error("Write succeeded after CloseNow")
	}
}
