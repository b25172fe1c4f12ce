// Package webhook posts JSON events to a workspace automation relay (an n8n
// style webhook endpoint).
//
// [Client] sends the generic event envelope used for notifications and build
// requests. [EventMirror] adapts a Client to [ledger.Mirror] so every ledger
// record can be copied to the relay.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/pkg/ledger"
)

const (
	// DefaultSource is reported as the "from" field of every event.
	DefaultSource = "mind-fusion"

	// DefaultTimeout bounds one relay request.
	DefaultTimeout = 15 * time.Second

	// EventBuildRequest is the event name used by [Client.BuildRequest].
	EventBuildRequest = "build_request"

	// timestampLayout matches the relay's expected second-resolution UTC form.
	timestampLayout = "2006-01-02T15:04:05Z"

	maxResponseBytes = 1 << 20
)

var (
	// ErrEmptySpec is returned by [Client.BuildRequest] for a blank spec.
	ErrEmptySpec = errors.New("webhook: build spec is empty")

	// ErrInvalidPriority is returned by [Client.BuildRequest] for a priority
	// other than low, normal or high.
	ErrInvalidPriority = errors.New("webhook: priority must be low, normal or high")
)

// Response is the decoded relay reply. Replies that are not a JSON object are
// returned as {"status": "ok", "raw": <body>}.
type Response map[string]any

// StatusError is returned when the relay answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: relay returned %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook: relay returned %d: %s", e.StatusCode, e.Body)
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSource sets the "from" field.
func WithSource(source string) Option {
	return func(c *Client) {
		if source != "" {
			c.source = source
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// ── Client ───────────────────────────────────────────────────────────────────

// Client posts JSON payloads to one relay URL. It is safe for concurrent use.
type Client struct {
	url     string
	source  string
	timeout time.Duration
	http    *http.Client
	now     func() time.Time
}

// New creates a Client for url. An empty url is a [*config.Error].
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, config.Missing(config.EnvWebhookURL)
	}
	c := &Client{
		url:     url,
		source:  DefaultSource,
		timeout: DefaultTimeout,
		http:    http.DefaultClient,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Post sends payload as a JSON body. A non-2xx reply is a [*StatusError].
func (c *Client) Post(ctx context.Context, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("webhook: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(raw)}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return Response{"status": "ok", "raw": string(raw)}, nil
	}
	return out, nil
}

// Notify sends {"event", "from", "ts", "data"}. data is omitted when nil.
func (c *Client) Notify(ctx context.Context, event string, data map[string]any) (Response, error) {
	payload := map[string]any{
		"event": event,
		"from":  c.source,
		"ts":    c.now().UTC().Format(timestampLayout),
	}
	if data != nil {
		payload["data"] = data
	}
	return c.Post(ctx, payload)
}

// BuildRequest sends a build_request event. priority defaults to "normal".
func (c *Client) BuildRequest(ctx context.Context, spec, priority, notes string) (Response, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrEmptySpec
	}
	switch priority {
	case "":
		priority = "normal"
	case "low", "normal", "high":
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidPriority, priority)
	}
	return c.Notify(ctx, EventBuildRequest, map[string]any{
		"spec":     spec,
		"priority": priority,
		"notes":    notes,
	})
}

const maxBodySnippet = 256

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= maxBodySnippet {
		return s
	}
	cut := maxBodySnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// ── Ledger mirror ────────────────────────────────────────────────────────────

var _ ledger.Mirror = (*EventMirror)(nil)

// EventMirror copies ledger records to the relay as
// {"ts", "session", "event", "data"}.
type EventMirror struct {
	client *Client
}

// NewEventMirror wraps c as a [ledger.Mirror].
func NewEventMirror(c *Client) *EventMirror {
	return &EventMirror{client: c}
}

// Mirror implements [ledger.Mirror].
func (m *EventMirror) Mirror(ctx context.Context, rec ledger.EventRecord) error {
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	_, err := m.client.Post(ctx, map[string]any{
		"ts":      rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"session": rec.SessionID,
		"event":   rec.Event,
		"data":    data,
	})
	return err
}
