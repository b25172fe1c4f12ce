// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Duplex sessions ---

	// SessionDuration tracks the wall-clock length of bridge sessions. Use with
	// attribute.String("reason", ...).
	SessionDuration metric.Float64Histogram

	// SessionsEnded counts finished sessions by termination reason.
	SessionsEnded metric.Int64Counter

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// FramesSent counts audio frames transmitted to the realtime endpoint.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded by a full capture queue.
	FramesDropped metric.Int64Counter

	// MessagesReceived counts decoded inbound messages. Use with
	//   attribute.String("kind", ...)
	MessagesReceived metric.Int64Counter

	// ProtocolErrors counts inbound messages that failed to decode.
	ProtocolErrors metric.Int64Counter

	// --- Grants ---

	// GrantsIssued counts capability grants by status.
	GrantsIssued metric.Int64Counter

	// --- Ledger ---

	// LedgerWriteDuration tracks local store append latency.
	LedgerWriteDuration metric.Float64Histogram

	// LedgerWrites counts local store appends by status.
	LedgerWrites metric.Int64Counter

	// MirrorResults counts mirror deliveries. status is one of "ok",
	// "error", or "dropped".
	MirrorResults metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks API latency by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// sessionBuckets covers bridge sessions from sub-second aborts to long runs.
var sessionBuckets = []float64{
	0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for local
// storage writes.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scope)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.SessionDuration, err = m.Float64Histogram("voicebridge.session.duration",
		metric.WithDescription("Wall-clock duration of duplex bridge sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voicebridge.sessions.ended",
		metric.WithDescription("Total finished bridge sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voicebridge.frames.sent",
		metric.WithDescription("Total audio frames sent to the realtime endpoint."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicebridge.frames.dropped",
		metric.WithDescription("Total audio frames dropped by a full capture queue."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("voicebridge.messages.received",
		metric.WithDescription("Total inbound realtime messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("voicebridge.protocol.errors",
		metric.WithDescription("Total inbound realtime messages that failed to decode."),
	); err != nil {
		return nil, err
	}

	// Grants.
	if met.GrantsIssued, err = m.Int64Counter("voicebridge.grants.issued",
		metric.WithDescription("Total capability grants by status."),
	); err != nil {
		return nil, err
	}

	// Ledger.
	if met.LedgerWriteDuration, err = m.Float64Histogram("voicebridge.ledger.write.duration",
		metric.WithDescription("Latency of local ledger appends."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LedgerWrites, err = m.Int64Counter("voicebridge.ledger.writes",
		metric.WithDescription("Total local ledger appends by status."),
	); err != nil {
		return nil, err
	}
	if met.MirrorResults, err = m.Int64Counter("voicebridge.ledger.mirror",
		metric.WithDescription("Total ledger mirror deliveries by status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP API latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSessionEnd records a finished bridge session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.SessionsEnded.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMessage records one decoded inbound message of the given kind.
func (m *Metrics) RecordMessage(ctx context.Context, kind string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordGrant records a grant issuance attempt.
func (m *Metrics) RecordGrant(ctx context.Context, status string) {
	m.GrantsIssued.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordLedgerWrite records one local ledger append.
func (m *Metrics) RecordLedgerWrite(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.LedgerWrites.Add(ctx, 1, attrs)
	m.LedgerWriteDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMirror records one mirror delivery outcome.
func (m *Metrics) RecordMirror(ctx context.Context, status string) {
	m.MirrorResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
