// Package mock provides in-memory implementations of [realtime.Dialer] and
// [realtime.Conn] for use in unit tests.
//
// All mocks are safe for concurrent use. Conn records every written message
// and serves inbound messages that the test pushes with [Conn.Inbound].
//
// Typical usage:
//
//	conn := mock.NewConn()
//	dialer := &mock.Dialer{Conn: conn}
//	conn.Inbound([]byte(`{"text":"ok"}`))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/realtime"
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("mock: connection closed")

var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*Conn)(nil)
)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [realtime.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial when DialErr is nil.
	Conn *Conn

	// DialErr is returned by Dial.
	DialErr error

	// CallCountDial records how many times Dial was called.
	CallCountDial int
}

// Dial implements [realtime.Dialer].
func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDial++
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Conn, nil
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock implementation of [realtime.Conn].
type Conn struct {
	mu sync.Mutex

	// WriteErr, when set, is returned by every Write.
	WriteErr error

	// FailWriteAfter, when positive, makes Write fail with WriteErr (or
	// ErrClosed) once this many messages have been written.
	FailWriteAfter int

	// IgnoreClose keeps Read blocked after Close, simulating a reader that
	// does not observe shutdown.
	IgnoreClose bool

	// HangClose makes Close block until CloseNow is called, simulating a peer
	// that never answers the close handshake.
	HangClose bool

	written       [][]byte
	closeCount    int
	closeNowCount int

	inbound chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
	dropped chan struct{}
	dropOne sync.Once
}

// NewConn creates a ready Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
		dropped: make(chan struct{}),
	}
}

// Inbound queues data to be returned by a future Read.
func (c *Conn) Inbound(data []byte) {
	c.inbound <- data
}

// FailRead makes the next Read return err, simulating an abrupt close by the
// remote side.
func (c *Conn) FailRead(err error) {
	c.readErr <- err
}

// Write implements [realtime.Conn].
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.FailWriteAfter > 0 && len(c.written) >= c.FailWriteAfter {
		if c.WriteErr != nil {
			return c.WriteErr
		}
		return ErrClosed
	}
	if c.FailWriteAfter == 0 && c.WriteErr != nil {
		return c.WriteErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

// Read implements [realtime.Conn]. Queued inbound messages are served before
// a pending FailRead error.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	closed := c.closed
	if c.IgnoreClose {
		closed = nil
	}
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements [realtime.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCount++
	hang := c.HangClose
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
	if hang {
		<-c.dropped
	}
	return nil
}

// CloseNow implements [realtime.Conn]. It releases a Close held by HangClose.
func (c *Conn) CloseNow() error {
	c.mu.Lock()
	c.closeNowCount++
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
	c.dropOne.Do(func() { close(c.dropped) })
	return nil
}

// Written returns a copy of every successfully written message, in order.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// CloseNowCount returns how many times CloseNow was called.
func (c *Conn) CloseNowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeNowCount
}

// Closed reports whether Close or CloseNow has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
