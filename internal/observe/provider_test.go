package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	prevMP, prevTP, prevProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordGrant(context.Background(), "ok")

	rec := httptest.NewRecorder()
	MetricsHandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voicebridge_grants_issued") {
		t.Errorf("grant counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(string(body), `service_name="voicebridge"`) {
		t.Errorf("service name missing from target info:\n%s", body)
	}

	if fields := otel.GetTextMapPropagator().Fields(); len(fields) == 0 || fields[0] != "traceparent" {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
}

func TestNewResource_SchemaMatchesSDKDefault(t *testing.T) {
	t.Parallel()

	res, err := newResource(ProviderConfig{ServiceName: "voicebridge", ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	if got, want := res.SchemaURL(), resource.Default().SchemaURL(); got != want {
		t.Errorf("schema URL = %q, want SDK default %q", got, want)
	}
	var found bool
	for _, kv := range res.Attributes() {
		if kv.Key == "service.name" && kv.Value.AsString() == "voicebridge" {
			found = true
		}
	}
	if !found {
		t.Errorf("service.name missing from %v", res.Attributes())
	}
}
