// Package app wires the voicebridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the session ledger and
// constructs the optional integrations, Handler serves the HTTP API,
// RunSession drives one duplex voice session, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithLedgerStore,
// WithDialer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/grant"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/pkg/ledger"
	"github.com/MrWong99/voicebridge/pkg/ledger/postgres"
	"github.com/MrWong99/voicebridge/pkg/ledger/sqlite"
	"github.com/MrWong99/voicebridge/pkg/realtime"
	"github.com/MrWong99/voicebridge/pkg/webhook"
)

// Ledger events written around a bridged session.
const (
	EventBridgeStarted = "bridge_started"
	EventBridgeText    = "bridge_text"
	EventBridgeClosed  = "bridge_closed"
	EventBridgeError   = "bridge_error"
	EventTokenOK       = "livekit_token_ok"
	EventTokenErr      = "livekit_token_err"
)

// ErrNotConfigured is returned when an operation needs an integration that
// the configuration leaves out.
var ErrNotConfigured = errors.New("app: integration not configured")

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// live holds the most recently applied config. Only the settings that
	// [config.Diff] treats as live are read from it.
	live atomic.Pointer[config.Config]

	// Subsystems, initialised in New and torn down in Shutdown.
	store    ledger.Store
	mirror   ledger.Mirror
	ledger   *ledger.Ledger
	issuer   *grant.Issuer
	notifier *webhook.Client
	dialer   realtime.Dialer
	metrics  *observe.Metrics
	promHTTP http.Handler
	probe    *health.Probe

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLedgerStore injects an event store instead of opening one from config.
// The App still closes it on Shutdown.
func WithLedgerStore(s ledger.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMirror injects the ledger mirror instead of building a webhook mirror
// from ledger.mirror_url.
func WithMirror(m ledger.Mirror) Option {
	return func(a *App) { a.mirror = m }
}

// WithIssuer injects a grant issuer instead of creating one from the LiveKit
// credentials.
func WithIssuer(i *grant.Issuer) Option {
	return func(a *App) { a.issuer = i }
}

// WithNotifier injects the workspace relay client.
func WithNotifier(c *webhook.Client) Option {
	return func(a *App) { a.notifier = c }
}

// WithDialer injects the realtime dialer used by RunSession.
func WithDialer(d realtime.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics overrides the metrics instance shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler overrides the handler mounted at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	a.live.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.promHTTP == nil {
		a.promHTTP = observe.MetricsHandler()
	}

	// ── 1. Integrations ──────────────────────────────────────────────────
	if err := a.initIntegrations(); err != nil {
		return nil, fmt.Errorf("app: init integrations: %w", err)
	}

	// ── 2. Ledger ────────────────────────────────────────────────────────
	if err := a.initLedger(ctx); err != nil {
		return nil, fmt.Errorf("app: init ledger: %w", err)
	}

	// ── 3. Realtime dialer ───────────────────────────────────────────────
	a.initDialer()

	a.probe = health.New(health.WithPinger("ledger", a.ledger))

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initIntegrations builds the optional relay clients and the grant issuer.
// Each is left nil when its configuration is absent.
func (a *App) initIntegrations() error {
	if a.notifier == nil && a.cfg.Webhook.URL != "" {
		c, err := webhook.New(a.cfg.Webhook.URL,
			webhook.WithSource(a.cfg.Webhook.Source),
			webhook.WithTimeout(a.cfg.Webhook.Timeout.Std()),
		)
		if err != nil {
			return err
		}
		a.notifier = c
	}

	if a.mirror == nil && a.cfg.Ledger.MirrorURL != "" {
		c, err := webhook.New(a.cfg.Ledger.MirrorURL,
			webhook.WithSource(a.cfg.Webhook.Source),
			webhook.WithTimeout(a.cfg.Ledger.MirrorTimeout.Std()),
		)
		if err != nil {
			return err
		}
		a.mirror = resilience.GuardMirror(webhook.NewEventMirror(c), resilience.NewBreaker(resilience.BreakerConfig{
			Name:   "ledger-mirror",
			Logger: a.log,
		}))
	}

	if a.issuer == nil && a.cfg.LiveKit.Enabled() {
		iss, err := grant.New(a.cfg.LiveKit.APIKey, a.cfg.LiveKit.APISecret, grant.WithURL(a.cfg.LiveKit.URL))
		if err != nil {
			return err
		}
		a.issuer = iss
	}
	if a.issuer == nil {
		a.log.Warn("livekit credentials not set; token endpoint disabled")
	}
	return nil
}

// initLedger opens the configured event store (unless one was injected) and
// starts the ledger on top of it.
func (a *App) initLedger(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Ledger.Driver {
		case config.LedgerPostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Ledger.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			s, err := sqlite.Open(ctx, a.cfg.Ledger.Path)
			if err != nil {
				return err
			}
			a.store = s
		}
		a.log.Info("ledger store opened", "driver", a.cfg.Ledger.Driver)
	}

	opts := []ledger.Option{
		ledger.WithMetrics(a.metrics),
		ledger.WithLogger(a.log),
		ledger.WithMirrorTimeout(a.cfg.Ledger.MirrorTimeout.Std()),
		ledger.WithMirrorBuffer(a.cfg.Ledger.MirrorBuffer),
	}
	if a.mirror != nil {
		opts = append(opts, ledger.WithMirror(a.mirror))
	}
	a.ledger = ledger.New(a.store, opts...)
	a.closers = append(a.closers, a.ledger.Close)
	return nil
}

// initDialer builds the WebSocket dialer from the realtime section unless one
// was injected.
func (a *App) initDialer() {
	if a.dialer != nil {
		return
	}
	var opts []realtime.Option
	if a.cfg.Realtime.Model != "" {
		opts = append(opts, realtime.WithModel(a.cfg.Realtime.Model))
	}
	a.dialer = realtime.NewDialer(a.cfg.Realtime.URL, a.cfg.Realtime.APIKey, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Ledger returns the session event ledger.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Issuer returns the grant issuer, or nil when LiveKit is not configured.
func (a *App) Issuer() *grant.Issuer { return a.issuer }

// Notifier returns the workspace relay client, or nil when not configured.
func (a *App) Notifier() *webhook.Client { return a.notifier }

// Reload applies the live settings of next: bridge tuning for sessions
// started afterwards and the default grant lifetime. Changes to settings
// bound at startup are logged and otherwise ignored.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	d := config.Diff(a.live.Load(), next)
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes take effect after restart", "fields", d.RestartRequired)
	}
	if d.BridgeChanged || d.TokenTTLChanged || d.LogLevelChanged {
		a.live.Store(next)
		a.log.Info("config applied", "bridge", d.BridgeChanged, "token_ttl", d.TokenTTLChanged)
	}
	return d
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// SessionOption configures one [App.RunSession] call.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	sessionID string
	bridge    []bridge.Option
	onText    func(string)
}

// WithSessionID records the session's events under id instead of starting a
// fresh ledger session.
func WithSessionID(id string) SessionOption {
	return func(o *sessionOptions) { o.sessionID = id }
}

// WithBridgeOptions passes opts through to [bridge.New].
func WithBridgeOptions(opts ...bridge.Option) SessionOption {
	return func(o *sessionOptions) { o.bridge = append(o.bridge, opts...) }
}

// WithOnText registers fn for every text message the peer sends. It runs on
// the session's ingress goroutine.
func WithOnText(fn func(string)) SessionOption {
	return func(o *sessionOptions) { o.onText = fn }
}

// RunSession runs one duplex session from src to the realtime endpoint and
// records its lifecycle in the ledger. Ledger failures are logged and never
// end the session.
//
// It returns the session's ledger id with the bridge result.
func (a *App) RunSession(ctx context.Context, src bridge.Source, opts ...SessionOption) (string, bridge.Result, error) {
	var so sessionOptions
	for _, o := range opts {
		o(&so)
	}

	if so.sessionID == "" {
		id, err := a.ledger.StartSession(ctx, map[string]any{"source": "bridge"})
		if err != nil {
			return "", bridge.Result{}, fmt.Errorf("app: start session: %w", err)
		}
		so.sessionID = id
	}
	log := a.log.With("session", so.sessionID)
	tuning := a.live.Load().Bridge

	// Events are recorded on a detached context so that a cancelled session
	// still logs what it received.
	recCtx := context.WithoutCancel(ctx)
	texts := a.startTextLog(recCtx, log, so.sessionID)
	onMessage := func(m realtime.Message) {
		if m.Kind != realtime.KindText {
			return
		}
		texts.add(m.Text)
		if so.onText != nil {
			so.onText(m.Text)
		}
	}

	bopts := append([]bridge.Option{
		bridge.WithOnMessage(onMessage),
		bridge.WithMetrics(a.metrics),
		bridge.WithLogger(log),
	}, so.bridge...)
	sess, err := bridge.New(a.dialer, src, bridge.Config{
		MaxDuration: tuning.MaxDuration.Std(),
		GracePeriod: tuning.GracePeriod.Std(),
		SeedPrompt:  tuning.SeedPrompt,
	}, bopts...)
	if err != nil {
		texts.close()
		return so.sessionID, bridge.Result{}, err
	}

	h := sess.Handle()
	a.record(recCtx, log, so.sessionID, EventBridgeStarted, map[string]any{
		"bridge_id":    h.ID,
		"max_duration": tuning.MaxDuration.Std().Seconds(),
	})

	res, runErr := sess.Run(ctx)
	dropped := texts.close()
	if runErr != nil {
		a.record(recCtx, log, so.sessionID, EventBridgeError, map[string]any{
			"bridge_id": res.Handle.ID,
			"reason":    res.Reason,
			"error":     runErr.Error(),
		})
		return so.sessionID, res, runErr
	}
	data := map[string]any{
		"bridge_id":         res.Handle.ID,
		"reason":            res.Reason,
		"frames_sent":       res.FramesSent,
		"messages_received": res.MessagesReceived,
		"duration_seconds":  res.Duration.Seconds(),
	}
	if len(res.Abandoned) > 0 {
		data["abandoned"] = res.Abandoned
	}
	if dropped > 0 {
		data["texts_dropped"] = dropped
	}
	a.record(recCtx, log, so.sessionID, EventBridgeClosed, data)
	return so.sessionID, res, nil
}

// textBacklog bounds the bridge_text events waiting for the ledger.
const textBacklog = 256

// textLog writes bridge_text events off the session's ingress goroutine, in
// arrival order. A text arriving while the backlog is full is dropped.
type textLog struct {
	mu      sync.Mutex
	closed  bool
	dropped int
	ch      chan string
	done    chan struct{}
	log     *slog.Logger
}

func (a *App) startTextLog(ctx context.Context, log *slog.Logger, sessionID string) *textLog {
	tl := &textLog{
		ch:   make(chan string, textBacklog),
		done: make(chan struct{}),
		log:  log,
	}
	go func() {
		defer close(tl.done)
		for text := range tl.ch {
			a.record(ctx, log, sessionID, EventBridgeText, map[string]any{"text": text})
		}
	}()
	return tl
}

// add never blocks. Texts after close are ignored; an abandoned ingress may
// still deliver some.
func (tl *textLog) add(text string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.closed {
		return
	}
	select {
	case tl.ch <- text:
	default:
		tl.dropped++
		tl.log.Warn("ledger backlog full, dropping text event", "backlog", textBacklog)
	}
}

// close waits for the backlog to be written and reports how many texts were
// dropped.
func (tl *textLog) close() int {
	tl.mu.Lock()
	if !tl.closed {
		tl.closed = true
		close(tl.ch)
	}
	tl.mu.Unlock()
	<-tl.done

	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.dropped
}

// record writes one ledger event, logging instead of failing.
func (a *App) record(ctx context.Context, log *slog.Logger, sessionID, event string, data map[string]any) {
	if err := a.ledger.LogEvent(ctx, sessionID, event, data); err != nil {
		log.Warn("ledger write failed", "event", event, "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Drain fails every later readiness probe. Call it before stopping the HTTP
// server so new work is routed elsewhere.
func (a *App) Drain() { a.probe.Drain() }

// Shutdown drains the readiness probe and tears down all subsystems in init
// order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.probe.Drain()
		a.log.Info("shutting down", "closers", len(a.closers))

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
