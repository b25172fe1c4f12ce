package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// DefaultURL is the realtime endpoint used when none is configured.
const DefaultURL = "wss://api.x.ai/v1/realtime"

// defaultReadLimit caps a single inbound message. Audio responses are far
// larger than coder/websocket's 32 KiB default.
const defaultReadLimit = 4 << 20

// Conn is one persistent, message-oriented connection to the realtime
// endpoint. Write and Read may be called concurrently with each other; Close
// unblocks both.
type Conn interface {
	// Write sends one text message.
	Write(ctx context.Context, data []byte) error

	// Read blocks until the next inbound message arrives.
	Read(ctx context.Context) ([]byte, error)

	// Close performs an orderly close and may block until the peer
	// acknowledges it. Calling Close more than once is safe.
	Close() error

	// CloseNow drops the connection without waiting for the peer. It unblocks
	// a concurrent Close, Read or Write.
	CloseNow() error
}

// Dialer opens a [Conn].
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

var (
	_ Dialer = (*WebSocketDialer)(nil)
	_ Conn   = (*wsConn)(nil)
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a WebSocketDialer.
type Option func(*WebSocketDialer)

// WithModel adds a model query parameter to the endpoint URL.
func WithModel(model string) Option {
	return func(d *WebSocketDialer) { d.model = model }
}

// WithHeader adds an extra HTTP header to the handshake request.
func WithHeader(key, value string) Option {
	return func(d *WebSocketDialer) { d.header.Add(key, value) }
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *WebSocketDialer) { d.httpClient = c }
}

// WithReadLimit overrides the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *WebSocketDialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// ── WebSocketDialer ────────────────────────────────────────────────────────────

// WebSocketDialer dials the realtime endpoint over WebSocket with bearer-token
// authentication.
type WebSocketDialer struct {
	url        string
	apiKey     string
	model      string
	header     http.Header
	httpClient *http.Client
	readLimit  int64
}

// NewDialer creates a WebSocketDialer. An empty endpoint selects [DefaultURL].
func NewDialer(endpoint, apiKey string, opts ...Option) *WebSocketDialer {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	d := &WebSocketDialer{
		url:       endpoint,
		apiKey:    apiKey,
		header:    http.Header{},
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// URL returns the endpoint the dialer connects to, including the model query
// parameter when one is set.
func (d *WebSocketDialer) URL() (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	if d.model != "" {
		q := u.Query()
		q.Set("model", d.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	wsURL, err := d.URL()
	if err != nil {
		return nil, err
	}

	header := d.header.Clone()
	if d.apiKey != "" {
		header.Set("Authorization", "Bearer "+d.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)
	life, drop := context.WithCancel(context.Background())
	return &wsConn{conn: conn, life: life, drop: drop}, nil
}

// ── wsConn ─────────────────────────────────────────────────────────────────────

type wsConn struct {
	conn *websocket.Conn

	// life bounds every Read and Write. coder/websocket tears the socket
	// down when an operation's context ends, which is the only way to cut a
	// close handshake that is already waiting on the peer.
	life context.Context
	drop context.CancelFunc

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	ctx, done := c.bind(ctx)
	defer done()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	ctx, done := c.bind(ctx)
	defer done()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime: read: %w", err)
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "session closed")
		c.drop()
	})
	return c.closeErr
}

// CloseNow cancels in-flight operations. A pending Close whose handshake is
// parked behind a concurrent Read returns once that Read is cancelled.
// Without a pending Close the socket is dropped directly.
func (c *wsConn) CloseNow() error {
	c.drop()
	if c.closing.Load() {
		return nil
	}
	if err := c.conn.CloseNow(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("realtime: close: %w", err)
	}
	return nil
}
