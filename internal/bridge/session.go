// Package bridge runs one bounded, full-duplex voice conversation between a
// local capture source and the realtime voice endpoint.
//
// A [Session] dials the endpoint, opens the capture source and then runs two
// concurrent flows until a termination trigger fires:
//
//   - egress sends the optional seed prompt once, then every captured frame
//     in FIFO order as an input_audio_buffer.append message;
//   - ingress reads, decodes and dispatches inbound messages.
//
// Triggers are the session deadline, [Session.Cancel], cancellation of the
// context passed to [Session.Run] and a fatal transport error in either
// flow. Shutdown stops the capture, closes the connection and waits for both
// flows for at most the grace period. A flow still running after that is
// abandoned and reported, never killed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/realtime"
)

const (
	DefaultMaxDuration = 30 * time.Second
	DefaultGracePeriod = 2 * time.Second
)

// Termination reasons reported in [Result.Reason].
const (
	ReasonDeadline        = "deadline"
	ReasonCanceled        = "canceled"
	ReasonConnectionError = "connection_error"
	ReasonCaptureError    = "capture_error"
)

// ErrAlreadyStarted is returned by a second call to [Session.Run].
var ErrAlreadyStarted = errors.New("bridge: session already started")

// ConnectionError is the terminal error of a session whose transport failed
// before shutdown began.
type ConnectionError struct {
	// Op is "dial", "write" or "read".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bridge: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// State is the lifecycle state of a [Session]. States only move forward.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Source produces the capture stream. [*audio.Capture] satisfies it.
type Source interface {
	Start() (*audio.Queue, error)
	Stop() error
}

var _ Source = (*audio.Capture)(nil)

// Config bounds one session.
type Config struct {
	// MaxDuration is the wall-clock limit. Zero means DefaultMaxDuration.
	MaxDuration time.Duration

	// GracePeriod bounds how long shutdown waits for both flows. Zero means
	// DefaultGracePeriod.
	GracePeriod time.Duration

	// SeedPrompt, when set, is sent once as input_text before any audio.
	SeedPrompt string
}

// Handle identifies a session. It is owned by the session and returned by
// value.
type Handle struct {
	ID        string
	CreatedAt time.Time
	Deadline  time.Time
}

// Result summarises a finished session.
type Result struct {
	Handle Handle

	FramesSent       int
	MessagesReceived int
	Texts            []string
	AudioMessages    int
	AudioBytes       int
	ProtocolErrors   int

	Duration time.Duration

	// Abandoned lists what had not finished when the grace period expired:
	// the flows ("egress", "ingress") and "connection" for a close handshake
	// the peer never answered.
	Abandoned []string

	// Reason is one of the Reason* constants.
	Reason string
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithOnMessage registers fn to be called from the ingress flow for every
// decoded inbound message, including unknown kinds.
func WithOnMessage(fn func(realtime.Message)) Option {
	return func(s *Session) { s.onMessage = fn }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClock overrides the time source used for the handle and duration.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is one duplex conversation. Create it with [New], run it once with
// [Session.Run]. [Session.Cancel], [Session.State] and [Session.Handle] may
// be called from any goroutine at any time.
type Session struct {
	dialer    realtime.Dialer
	src       Source
	cfg       Config
	onMessage func(realtime.Message)
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time

	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool
	flows   flowState

	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	handle Handle
	stats  Result
}

// New validates cfg and creates an idle session. A negative MaxDuration or
// GracePeriod is a [*config.Error].
func New(dialer realtime.Dialer, src Source, cfg Config, opts ...Option) (*Session, error) {
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxDuration <= 0 {
		return nil, config.Invalid("bridge.max_duration", "must be positive")
	}
	if cfg.GracePeriod < 0 {
		return nil, config.Invalid("bridge.grace_period", "must not be negative")
	}

	s := &Session{
		dialer: dialer,
		src:    src,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	created := s.now()
	s.handle = Handle{
		ID:        uuid.NewString(),
		CreatedAt: created,
		Deadline:  created.Add(cfg.MaxDuration),
	}
	return s, nil
}

// Handle returns the session's identity and deadline. The times are
// re-stamped when Run begins.
func (s *Session) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Cancel requests shutdown. It is idempotent and safe before, during and
// after Run. Cancelling an idle session makes a later Run return at once.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// advance moves the state forward to next; it never moves backwards.
func (s *Session) advance(next State) {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Session) canceled() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the session to completion. A deadline or cancellation ends the
// session with a nil error; a transport failure returns a
// [*ConnectionError]; a capture-open failure returns the wrapped device
// error. Run may be called only once.
func (s *Session) Run(ctx context.Context) (res Result, err error) {
	if !s.started.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyStarted
	}

	start := s.now()
	s.mu.Lock()
	s.handle.CreatedAt = start
	s.handle.Deadline = start.Add(s.cfg.MaxDuration)
	h := s.handle
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "bridge.session",
		trace.WithAttributes(attribute.String("session.id", h.ID)))
	log := observe.LoggerFrom(ctx, s.log).With("session_id", h.ID)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.advance(StateClosed)
		res = s.snapshot()
		res.Handle = h
		res.Duration = s.now().Sub(start)
		s.metrics.RecordSessionEnd(ctx, res.Reason, res.Duration)
		span.SetAttributes(
			attribute.String("session.reason", res.Reason),
			attribute.Int("session.frames_sent", res.FramesSent),
			attribute.Int("session.messages", res.MessagesReceived),
		)
		observe.EndSpan(span, err)
		log.Info("bridge session closed",
			"reason", res.Reason,
			"duration", res.Duration,
			"frames_sent", res.FramesSent,
			"messages", res.MessagesReceived,
			"protocol_errors", res.ProtocolErrors,
			"abandoned", res.Abandoned,
		)
	}()

	runCtx, cancelRun := context.WithDeadline(ctx, h.Deadline)
	defer cancelRun()
	go func() {
		select {
		case <-s.stopCh:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	if s.canceled() {
		s.setReason(ReasonCanceled)
		return Result{}, nil
	}

	// Connecting
	s.advance(StateConnecting)
	conn, err := s.dialer.Dial(runCtx)
	if err != nil {
		if runCtx.Err() != nil {
			s.setReason(s.classify(ctx, runCtx))
			return Result{}, nil
		}
		s.setReason(ReasonConnectionError)
		log.Warn("bridge: dial failed", "err", err)
		return Result{}, &ConnectionError{Op: "dial", Err: err}
	}

	queue, err := s.src.Start()
	if err != nil {
		_ = conn.CloseNow()
		s.setReason(ReasonCaptureError)
		log.Warn("bridge: capture source failed to open", "err", err)
		return Result{}, fmt.Errorf("bridge: open capture: %w", err)
	}

	// Active
	s.advance(StateActive)
	log.Info("bridge session active", "deadline", h.Deadline, "seed_prompt", s.cfg.SeedPrompt != "")

	// teardown is cancelled only after the grace period expires, so flows
	// normally finish through the sentinel and connection close.
	teardown, cancelTeardown := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTeardown()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.egress(teardown, conn, queue, log) })
	g.Go(func() error { return s.ingress(teardown, conn, log) })

	waitDone := make(chan error, 1)
	go func() { waitDone <- g.Wait() }()

	finished := false
	select {
	case <-gctx.Done():
	case <-waitDone:
		finished = true
	}

	// Closing
	s.closing.Store(true)
	s.advance(StateClosing)

	// A flow failure cancels gctx with the failure as its cause; deadline
	// and cancellation leave a context error there instead.
	var flowFailure error
	if cause := context.Cause(gctx); cause != nil &&
		!errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		flowFailure = cause
	}
	reason := s.classify(ctx, runCtx)
	if flowFailure != nil {
		reason = ReasonConnectionError
		log.Warn("bridge: transport failed", "err", flowFailure)
	}
	s.setReason(reason)

	if err := s.src.Stop(); err != nil {
		log.Warn("bridge: stop capture", "err", err)
	}
	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		if err := conn.Close(); err != nil {
			log.Debug("bridge: close connection", "err", err)
		}
	}()
	if d := queue.Dropped(); d > 0 {
		s.metrics.FramesDropped.Add(ctx, int64(d))
	}

	// The close handshake and the flows share one grace period.
	flowsDone := waitDone
	if finished {
		flowsDone = nil
	}
	closed := closeDone
	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	for flowsDone != nil || closed != nil {
		select {
		case <-flowsDone:
			flowsDone = nil
		case <-closed:
			closed = nil
		case <-timer.C:
			abandoned := s.running()
			if closed != nil {
				abandoned = append(abandoned, "connection")
				if err := conn.CloseNow(); err != nil {
					log.Debug("bridge: force close connection", "err", err)
				}
			}
			s.mu.Lock()
			s.stats.Abandoned = abandoned
			s.mu.Unlock()
			log.Warn("bridge: teardown still running after grace period, abandoning",
				"grace_period", s.cfg.GracePeriod, "pending", abandoned)
			cancelTeardown()
			flowsDone, closed = nil, nil
		}
	}

	return Result{}, flowFailure
}

// classify names the trigger that ended runCtx.
func (s *Session) classify(parent, runCtx context.Context) string {
	switch {
	case s.canceled():
		return ReasonCanceled
	case parent.Err() != nil:
		return ReasonCanceled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return ReasonDeadline
	default:
		return ReasonConnectionError
	}
}

func (s *Session) setReason(r string) {
	s.mu.Lock()
	s.stats.Reason = r
	s.mu.Unlock()
}

// ── Flows ────────────────────────────────────────────────────────────────────

// flowState tracks which flows are still running for abandonment reports.
type flowState struct {
	egress, ingress atomic.Bool
}

func (s *Session) running() []string {
	var out []string
	if s.flows.egress.Load() {
		out = append(out, "egress")
	}
	if s.flows.ingress.Load() {
		out = append(out, "ingress")
	}
	return out
}

// egress sends the seed prompt, then frames until the sentinel. A write
// error before shutdown is fatal; after shutdown began it just ends the
// flow.
func (s *Session) egress(ctx context.Context, conn realtime.Conn, q *audio.Queue, log *slog.Logger) error {
	s.flows.egress.Store(true)
	defer s.flows.egress.Store(false)

	write := func(payload []byte) error {
		if err := conn.Write(ctx, payload); err != nil {
			if s.closing.Load() || ctx.Err() != nil {
				return errStopped
			}
			return &ConnectionError{Op: "write", Err: err}
		}
		return nil
	}

	if s.cfg.SeedPrompt != "" {
		payload, err := realtime.EncodeInputText(s.cfg.SeedPrompt)
		if err != nil {
			return fmt.Errorf("bridge: encode seed prompt: %w", err)
		}
		if err := write(payload); err != nil {
			return ignoreStopped(err)
		}
	}

	for {
		item, err := q.Pop(ctx)
		if err != nil {
			return nil
		}
		switch it := item.(type) {
		case audio.AudioFrame:
			payload, err := realtime.EncodeAudio(it.Data)
			if err != nil {
				return fmt.Errorf("bridge: encode frame %d: %w", it.Seq, err)
			}
			if err := write(payload); err != nil {
				return ignoreStopped(err)
			}
			s.mu.Lock()
			s.stats.FramesSent++
			s.mu.Unlock()
			s.metrics.FramesSent.Add(ctx, 1)
		case audio.EndOfStream:
			if it.Err != nil && !s.closing.Load() {
				log.Warn("bridge: capture ended mid-session, continuing receive-only", "err", it.Err)
			}
			return nil
		}
	}
}

// ingress reads until the connection is closed. Undecodable messages are
// counted and skipped.
func (s *Session) ingress(ctx context.Context, conn realtime.Conn, log *slog.Logger) error {
	s.flows.ingress.Store(true)
	defer s.flows.ingress.Store(false)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil {
				return nil
			}
			return &ConnectionError{Op: "read", Err: err}
		}

		msg, err := realtime.Decode(data)
		if err != nil {
			s.mu.Lock()
			s.stats.ProtocolErrors++
			s.mu.Unlock()
			s.metrics.ProtocolErrors.Add(ctx, 1)
			log.Warn("bridge: skipping undecodable message", "err", err)
			continue
		}

		s.mu.Lock()
		s.stats.MessagesReceived++
		switch msg.Kind {
		case realtime.KindText:
			s.stats.Texts = append(s.stats.Texts, msg.Text)
		case realtime.KindAudio:
			s.stats.AudioMessages++
			s.stats.AudioBytes += msg.AudioBytes
		}
		s.mu.Unlock()
		s.metrics.RecordMessage(ctx, msg.Kind.String())

		switch msg.Kind {
		case realtime.KindText:
			log.Debug("bridge: text received", "text", msg.Text)
		case realtime.KindAudio:
			log.Debug("bridge: audio received", "bytes", msg.AudioBytes)
		default:
			log.Debug("bridge: unhandled message", "type", msg.Type)
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

var errStopped = errors.New("bridge: stopped")

func ignoreStopped(err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// snapshot copies the accumulated counters.
func (s *Session) snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.stats
	r.Texts = append([]string(nil), s.stats.Texts...)
	r.Abandoned = append([]string(nil), s.stats.Abandoned...)
	return r
}
