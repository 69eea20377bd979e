package healthapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"orchard/pkg/types"
)

type fakeProvider struct {
	ready bool
	snap  types.TelemetrySnapshot
}

func (f fakeProvider) EngineReady() bool                    { return f.ready }
func (f fakeProvider) LastTelemetry() types.TelemetrySnapshot { return f.snap }

func TestHealthzAlwaysOK(t *testing.T) {
	mux := NewMux(fakeProvider{ready: false})
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzReflectsProvider(t *testing.T) {
	mux := NewMux(fakeProvider{ready: false})
	req := httptest.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", w.Code)
	}

	mux = NewMux(fakeProvider{ready: true, snap: types.TelemetrySnapshot{PID: 42, GPUTotalBytes: 100, GPUReservedBytes: 50}})
	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Fatalf("unexpected status: %v", body["status"])
	}
	if body["gpu_utilization"].(float64) != 0.5 {
		t.Fatalf("unexpected gpu_utilization: %v", body["gpu_utilization"])
	}
}

func TestMetricsRouteServesPrometheusOutput(t *testing.T) {
	mux := NewMux(fakeProvider{ready: true})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
