package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentCountsByStatusClass(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))
	if after-before != 1 {
		t.Fatalf("requests_total{4xx} delta = %v, want 1", after-before)
	}
	if v := testutil.ToFloat64(InFlight.WithLabelValues("test_op")); v != 0 {
		t.Fatalf("in_flight = %v after request, want 0", v)
	}
}

func TestObserveProbe(t *testing.T) {
	ok := testutil.ToFloat64(ProbesTotal.WithLabelValues("reachable"))
	bad := testutil.ToFloat64(ProbesTotal.WithLabelValues("unreachable"))
	ObserveProbe(true, 5*time.Millisecond)
	ObserveProbe(false, 0)
	if d := testutil.ToFloat64(ProbesTotal.WithLabelValues("reachable")) - ok; d != 1 {
		t.Fatalf("reachable delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(ProbesTotal.WithLabelValues("unreachable")) - bad; d != 1 {
		t.Fatalf("unreachable delta = %v, want 1", d)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	SetBuildInfo("test", "deadbeef")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "zephyrchat_build_info") {
		t.Fatalf("metrics output missing build info")
	}
}
