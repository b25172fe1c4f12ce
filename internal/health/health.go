// Package health serves the liveness and readiness probes of the voicebridge
// API.
//
// GET /healthz answers 200 while the process is up. GET /readyz runs every
// registered check concurrently and answers 200 only when all pass and the
// probe is not draining. Both respond with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds one check.
const DefaultTimeout = 5 * time.Second

// CheckFunc probes one dependency and returns nil when it is usable.
type CheckFunc func(ctx context.Context) error

// Pinger is anything with a context-aware Ping, such as the session ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report is the body of both probe responses.
type Report struct {
	Status   string                 `json:"status"` // "ok", "fail" or "draining"
	Checks   map[string]CheckReport `json:"checks,omitempty"`
	Draining bool                   `json:"draining,omitempty"`
}

// CheckReport is the outcome of one named check.
type CheckReport struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type check struct {
	name string
	fn   CheckFunc
}

// Probe owns the registered checks and the draining flag. It is safe for
// concurrent use.
type Probe struct {
	checks   []check
	timeout  time.Duration
	draining atomic.Bool
}

// Option configures a [Probe].
type Option func(*Probe)

// WithCheck registers fn under name.
func WithCheck(name string, fn CheckFunc) Option {
	return func(p *Probe) { p.checks = append(p.checks, check{name: name, fn: fn}) }
}

// WithPinger registers p.Ping under name.
func WithPinger(name string, pinger Pinger) Option {
	return WithCheck(name, pinger.Ping)
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New builds a Probe.
func New(opts ...Option) *Probe {
	p := &Probe{timeout: DefaultTimeout}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Drain makes every later readiness probe fail, so load balancers stop
// routing new sessions here while in-flight requests finish. It cannot be
// undone.
func (p *Probe) Drain() { p.draining.Store(true) }

// Register mounts GET /healthz and GET /readyz on mux.
func (p *Probe) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", p.Live)
	mux.HandleFunc("GET /readyz", p.Ready)
}

// Live answers 200 unconditionally.
func (p *Probe) Live(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: "ok"})
}

// Ready answers 200 when every check passes, 503 otherwise. A failing check
// does not cancel the others.
func (p *Probe) Ready(w http.ResponseWriter, r *http.Request) {
	if p.draining.Load() {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: "draining", Draining: true})
		return
	}

	rep := Report{Status: "ok", Checks: p.run(r.Context())}
	status := http.StatusOK
	for _, c := range rep.Checks {
		if !c.OK {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeReport(w, status, rep)
}

func (p *Probe) run(ctx context.Context) map[string]CheckReport {
	var (
		mu  sync.Mutex
		out = make(map[string]CheckReport, len(p.checks))
		g   errgroup.Group
	)
	for _, c := range p.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			began := time.Now()
			err := c.fn(cctx)
			cr := CheckReport{OK: err == nil, LatencyMS: time.Since(began).Milliseconds()}
			if err != nil {
				cr.Error = err.Error()
			}

			mu.Lock()
			out[c.name] = cr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func writeReport(w http.ResponseWriter, status int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}
