package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/metrics"
	"releasewatch/services/monitor/internal/monitor"
	"releasewatch/services/monitor/internal/queue"
	"releasewatch/services/monitor/internal/schedule"
	"releasewatch/services/monitor/internal/store"
)

type MonitorService interface {
	CreateMonitor(ctx context.Context, request monitor.CreateRequest) (monitor.Outcome, error)
	PauseMonitor(ctx context.Context, id string) (store.MonitorSession, error)
	ResumeMonitor(ctx context.Context, id string) (monitor.Outcome, error)
	StopMonitor(ctx context.Context, id string) (store.MonitorSession, error)
	Tick(ctx context.Context, sessionID string) (monitor.BatchResult, error)
	ListMonitors(ctx context.Context) ([]monitor.MonitorView, error)
	GetMonitor(ctx context.Context, id string, historyLimit int) (monitor.MonitorDetail, error)
	GetScheduleSummary(ctx context.Context) (schedule.Summary, error)
	CleanupExpired(ctx context.Context) (int, error)
	MonitorReport(ctx context.Context, id string) (json.RawMessage, error)
	Health(ctx context.Context) error
}

type Options struct {
	CORSAllowedOrigins      []string
	AdminAPIKey             string
	InternalAPIKey          string
	ReportTokenSecret       string
	ReportTokenTTL          time.Duration
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	QueueStats              queue.StatsProvider
	Metrics                 *metrics.Metrics
}

type Handler struct {
	service              MonitorService
	queueStatsProvider   queue.StatsProvider
	metrics              *metrics.Metrics
	corsAllowedOrigins   []string
	adminAPIKey          string
	internalAPIKey       string
	reportTokenSecret    string
	reportTokenTTL       time.Duration
	rateLimiter          *apiRateLimiter
	queueWarningPending  int64
	queueCriticalPending int64
	queueCriticalFailed  int64
}

func NewHandler(service MonitorService, opts Options) *Handler {
	ttl := opts.ReportTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	h := &Handler{
		service:              service,
		queueStatsProvider:   opts.QueueStats,
		metrics:              opts.Metrics,
		corsAllowedOrigins:   opts.CORSAllowedOrigins,
		adminAPIKey:          strings.TrimSpace(opts.AdminAPIKey),
		internalAPIKey:       strings.TrimSpace(opts.InternalAPIKey),
		reportTokenSecret:    strings.TrimSpace(opts.ReportTokenSecret),
		reportTokenTTL:       ttl,
		rateLimiter:          newAPIRateLimiter(opts.RateLimitRequestsPerSec, opts.RateLimitBurst),
		queueWarningPending:  5,
		queueCriticalPending: 50,
		queueCriticalFailed:  1,
	}
	if h.rateLimiter != nil {
		h.rateLimiter.onLimited = opts.Metrics.ObserveRateLimited
		h.rateLimiter.exempt = h.isInternal
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(h.metrics.Middleware)
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Monitor-Admin", "X-Monitor-Internal"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/monitors", h.listMonitors)
		r.With(h.requireAdminAccess).Post("/monitors", h.createMonitor)
		r.Get("/monitors/{monitorID}", h.getMonitor)
		r.With(h.requireAdminAccess).Post("/monitors/{monitorID}/pause", h.pauseMonitor)
		r.With(h.requireAdminAccess).Post("/monitors/{monitorID}/resume", h.resumeMonitor)
		r.With(h.requireAdminAccess).Post("/monitors/{monitorID}/stop", h.stopMonitor)
		r.With(h.requireTickAccess).Post("/monitors/{monitorID}/tick", h.tickMonitor)
		r.With(h.requireAdminAccess).Post("/monitors/{monitorID}/report-link", h.createReportLink)
		r.With(h.requireReportAccess).Get("/monitors/{monitorID}/report", h.getReport)

		r.With(h.requireTickAccess).Post("/tick", h.tickAll)
		r.Get("/schedule/summary", h.scheduleSummary)
		r.With(h.requireAdminAccess).Post("/maintenance/cleanup", h.cleanupExpired)
		r.With(h.requireAdminAccess).Get("/admin/tick-queue", h.getTickQueueHealth)
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createMonitor(w http.ResponseWriter, r *http.Request) {
	payload := monitor.CreateRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	outcome, err := h.service.CreateMonitor(r.Context(), payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (h *Handler) listMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := h.service.ListMonitors(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors})
}

func (h *Handler) getMonitor(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("historyLimit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "historyLimit must be a positive integer"})
			return
		}
		limit = parsed
	}

	detail, err := h.service.GetMonitor(r.Context(), chi.URLParam(r, "monitorID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitor": detail})
}

func (h *Handler) pauseMonitor(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.PauseMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (h *Handler) resumeMonitor(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.service.ResumeMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) stopMonitor(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.StopMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (h *Handler) tickMonitor(w http.ResponseWriter, r *http.Request) {
	h.tick(w, r, chi.URLParam(r, "monitorID"))
}

func (h *Handler) tickAll(w http.ResponseWriter, r *http.Request) {
	h.tick(w, r, strings.TrimSpace(r.URL.Query().Get("sessionId")))
}

func (h *Handler) tick(w http.ResponseWriter, r *http.Request, sessionID string) {
	batch, err := h.service.Tick(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) scheduleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetScheduleSummary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CleanupExpired(r.Context())
	if err != nil {
		log.Warn().Err(err).Int("expired", count).Msg("[API] Cleanup finished with errors")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "cleanup incomplete", "expired": count})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": count})
}

func (h *Handler) createReportLink(w http.ResponseWriter, r *http.Request) {
	monitorID := chi.URLParam(r, "monitorID")
	if !h.hasReportTokenSecret() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "report links disabled"})
		return
	}
	if _, err := h.service.GetMonitor(r.Context(), monitorID, 1); err != nil {
		writeServiceError(w, err)
		return
	}

	expiresAt := time.Now().UTC().Add(h.reportTokenTTL)
	token, err := h.signReportToken(monitorID, expiresAt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unable to sign report link"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"url":       "/v1/monitors/" + monitorID + "/report?token=" + token,
		"expiresAt": expiresAt,
	})
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	payload, err := h.service.MonitorReport(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) getTickQueueHealth(w http.ResponseWriter, r *http.Request) {
	if h.queueStatsProvider == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tick queue unavailable"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 1200*time.Millisecond)
	defer cancel()

	stats, err := h.queueStatsProvider.QueueStats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[API] Tick queue stats failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tick queue stats failed"})
		return
	}

	status := "ok"
	switch {
	case stats.FailedDepth >= h.queueCriticalFailed || stats.Pending >= h.queueCriticalPending:
		status = "critical"
	case stats.Pending >= h.queueWarningPending:
		status = "warning"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "stats": stats})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "monitor not found"})
	case errors.Is(err, monitor.ErrNotActive), errors.Is(err, monitor.ErrNotPaused), errors.Is(err, monitor.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "reason": preconditionReason(err)})
	case errors.Is(err, store.ErrStaleSession):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "monitor changed concurrently, retry", "reason": "conflict"})
	default:
		log.Error().Err(err).Msg("[API] Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func preconditionReason(err error) string {
	for _, sentinel := range []error{monitor.ErrNotActive, monitor.ErrNotPaused, monitor.ErrAlreadyTerminal} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

// requireAdminAccess guards mutations. Without ADMIN_API_KEY the service runs
// open, as in local development.
func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminAPIKey == "" || h.isAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func (h *Handler) requireTickAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminAPIKey == "" && h.internalAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if h.isAdmin(r) || h.isInternal(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func (h *Handler) requireReportAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminAPIKey == "" || h.isAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := h.verifyReportToken(r.URL.Query().Get("token"))
		if err != nil || claims.SessionID != chi.URLParam(r, "monitorID") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.adminAPIKey != "" && strings.TrimSpace(r.Header.Get("X-Monitor-Admin")) == h.adminAPIKey
}

func (h *Handler) isInternal(r *http.Request) bool {
	return h.internalAPIKey != "" && strings.TrimSpace(r.Header.Get("X-Monitor-Internal")) == h.internalAPIKey
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Dur("elapsed", time.Since(startedAt)).
			Msg("[API] Request")
	})
}
