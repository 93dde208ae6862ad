package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordViewBuild(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	m.RecordViewBuild("board", nil, 10*time.Millisecond)
	m.RecordViewBuild("board", errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(m.ViewBuildsTotal.WithLabelValues("board", "ok")); got != 1 {
		t.Fatalf("unexpected ok count %v", got)
	}
	if got := testutil.ToFloat64(m.ViewBuildsTotal.WithLabelValues("board", "error")); got != 1 {
		t.Fatalf("unexpected error count %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordViewBuild("list", nil, 0)
	m.RecordWorkflowMutation("create", nil)
	m.RecordStageCacheLookup(true)
	h := m.Middleware(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := m.Middleware(mux)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `trellis_http_requests_total{method="GET",route="GET /ping",status="418"} 1`) {
		t.Fatalf("expected request counter in scrape output, got %s", body)
	}
}

func TestDisabledTracingIsNoop(t *testing.T) {
	p, err := NewProvider(TracingConfig{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "op")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := NewProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unsupported exporter error")
	}
}
