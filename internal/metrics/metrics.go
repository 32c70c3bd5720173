package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the prometheus collectors of the monitor service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TicksTotal         *prometheus.CounterVec
	TickDurationSec    *prometheus.HistogramVec
	NotificationsTotal *prometheus.CounterVec
	ExpiredTotal       prometheus.Counter
	ScheduleFailures   *prometheus.CounterVec
	RateLimitDropped   prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	RequestDurationSec *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_ticks_total",
			Help: "Total number of session ticks by outcome.",
		}, []string{"status", "reason"}),
		TickDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monitor_tick_duration_seconds",
			Help:    "Duration of a single session tick in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_notifications_total",
			Help: "Total number of notification attempts by result.",
		}, []string{"result"}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_sessions_expired_total",
			Help: "Total number of sessions transitioned to expired.",
		}),
		ScheduleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_schedule_failures_total",
			Help: "Total number of external scheduler failures by operation.",
		}, []string{"operation"}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_ratelimit_dropped_total",
			Help: "Total number of API requests dropped by the rate limiter.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		RequestDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monitor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		registry: registry,
	}

	registry.MustRegister(
		m.TicksTotal,
		m.TickDurationSec,
		m.NotificationsTotal,
		m.ExpiredTotal,
		m.ScheduleFailures,
		m.RateLimitDropped,
		m.RequestsTotal,
		m.RequestDurationSec,
	)

	return m
}

func (m *Metrics) ObserveTick(status, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(status, reason).Inc()
	m.TickDurationSec.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ExpiredTotal.Add(float64(count))
}

func (m *Metrics) ObserveScheduleFailure(operation string) {
	if m == nil {
		return
	}
	m.ScheduleFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitDropped.Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		status := strconv.Itoa(wrapped.statusCode)
		route := normalizeRoute(r.URL.Path)
		m.RequestsTotal.WithLabelValues(route, r.Method, status).Inc()
		m.RequestDurationSec.WithLabelValues(route, r.Method, status).Observe(time.Since(startedAt).Seconds())
	})
}

// normalizeRoute collapses session ids so label cardinality stays bounded.
func normalizeRoute(path string) string {
	switch {
	case path == "/healthz" || path == "/metrics":
		return path
	case strings.HasPrefix(path, "/v1/monitors/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/v1/monitors/"), "/")
		if slash := strings.Index(rest, "/"); slash >= 0 {
			return "/v1/monitors/{id}/" + rest[slash+1:]
		}
		return "/v1/monitors/{id}"
	case strings.HasPrefix(path, "/v1/"):
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *statusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
