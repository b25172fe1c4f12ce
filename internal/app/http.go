package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voicebridge/internal/grant"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/ledger"
	"github.com/MrWong99/voicebridge/pkg/webhook"
)

// maxBody bounds every JSON request body.
const maxBody = 1 << 20

// Handler returns the HTTP API, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	a.probe.Register(mux)
	mux.Handle("GET /metrics", a.promHTTP)

	mux.HandleFunc("POST /v1/token", a.handleIssueToken)
	mux.HandleFunc("POST /v1/token/verify", a.handleVerifyToken)
	mux.HandleFunc("POST /v1/sessions", a.handleStartSession)
	mux.HandleFunc("POST /v1/sessions/{id}/events", a.handleLogEvent)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleListEvents)
	mux.HandleFunc("POST /v1/build", a.handleBuild)

	return observe.Middleware(a.metrics)(mux)
}

// ── Tokens ───────────────────────────────────────────────────────────────────

type tokenRequest struct {
	Room       string `json:"room"`
	Identity   string `json:"identity"`
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttl_seconds"`

	// SessionID, when set, receives a livekit_token_ok/err ledger event.
	SessionID string `json:"session_id"`
}

type tokenResponse struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *App) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if a.issuer == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: livekit credentials", ErrNotConfigured))
		return
	}
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	log := observe.LoggerFrom(ctx, a.log)

	// Range-check before converting; a large ttl_seconds would overflow.
	ttl := a.live.Load().LiveKit.TokenTTL.Std()
	var (
		g   *grant.Grant
		err error
	)
	if maxSeconds := int64(grant.MaxTTL / time.Second); req.TTLSeconds < 0 || int64(req.TTLSeconds) > maxSeconds {
		err = fmt.Errorf("%w: ttl_seconds must be between 1 and %d", grant.ErrInvalidRequest, maxSeconds)
	} else {
		if req.TTLSeconds != 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
		g, err = a.issuer.Issue(req.Room, req.Identity, req.Name, ttl)
	}
	if err != nil {
		a.metrics.RecordGrant(ctx, "error")
		if req.SessionID != "" {
			a.record(ctx, log, req.SessionID, EventTokenErr, map[string]any{"error": err.Error()})
		}
		status := http.StatusInternalServerError
		if errors.Is(err, grant.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	a.metrics.RecordGrant(ctx, "ok")
	if req.SessionID != "" {
		a.record(ctx, log, req.SessionID, EventTokenOK, map[string]any{
			"room":     req.Room,
			"identity": req.Identity,
		})
	}
	log.Info("grant issued", "room", req.Room, "identity", req.Identity, "expires_at", g.ExpiresAt())
	writeJSON(w, http.StatusOK, tokenResponse{URL: g.URL, Token: g.Token, ExpiresAt: g.ExpiresAt()})
}

func (a *App) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	if a.issuer == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: livekit credentials", ErrNotConfigured))
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	claims, err := a.issuer.Verify(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func (a *App) handleStartSession(w http.ResponseWriter, r *http.Request) {
	// The body is optional; it becomes the session_started attributes.
	var attrs map[string]any
	if err := decodeBody(r, &attrs); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.ledger.StartSession(r.Context(), attrs)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *App) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ledger.LogEvent(r.Context(), r.PathValue("id"), req.Event, req.Data); err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *App) handleListEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := a.ledger.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	if recs == nil {
		recs = []ledger.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ledgerStatus maps ledger errors to HTTP status codes.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ── Build requests ───────────────────────────────────────────────────────────

func (a *App) handleBuild(w http.ResponseWriter, r *http.Request) {
	if a.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: workspace webhook", ErrNotConfigured))
		return
	}
	var req struct {
		Spec     string `json:"spec"`
		Priority string `json:"priority"`
		Notes    string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.notifier.BuildRequest(r.Context(), req.Spec, req.Priority, req.Notes)
	switch {
	case errors.Is(err, webhook.ErrEmptySpec), errors.Is(err, webhook.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("app: decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
