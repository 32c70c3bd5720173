package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/healthz":                 "/healthz",
		"/v1/monitors":             "/v1/monitors",
		"/v1/monitors/abc":         "/v1/monitors/{id}",
		"/v1/monitors/abc/pause":   "/v1/monitors/{id}/pause",
		"/v1/monitors/abc/report/": "/v1/monitors/{id}/report",
		"/v1/tick":                 "/v1/tick",
		"/favicon.ico":             "other",
	}
	for path, want := range cases {
		if got := normalizeRoute(path); got != want {
			t.Fatalf("normalizeRoute(%q)=%q want %q", path, got, want)
		}
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/monitors/m1/pause", nil))

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `monitor_http_requests_total{method="POST",route="/v1/monitors/{id}/pause",status="409"} 1`
	if !strings.Contains(recorder.Body.String(), want) {
		t.Fatalf("expected %q in exposition: %s", want, recorder.Body.String())
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick("success", "", time.Second)
	m.ObserveNotification("sent")
	m.AddExpired(3)
	m.ObserveScheduleFailure("cancel")
	m.ObserveRateLimited()

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", recorder.Code)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.ObserveTick("skipped", "empty-window", 10*time.Millisecond)
	m.AddExpired(2)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := recorder.Body.String()
	if !strings.Contains(body, `monitor_ticks_total{reason="empty-window",status="skipped"} 1`) {
		t.Fatalf("tick counter missing from exposition: %s", body)
	}
	if !strings.Contains(body, "monitor_sessions_expired_total 2") {
		t.Fatalf("expired counter missing from exposition: %s", body)
	}
}
