package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/config"
	"releasewatch/services/monitor/internal/metrics"
	"releasewatch/services/monitor/internal/notify"
	"releasewatch/services/monitor/internal/source"
	"releasewatch/services/monitor/internal/store"
)

const defaultMetricTimeout = 30 * time.Second

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultSkipped ResultStatus = "skipped"
	ResultError   ResultStatus = "error"
)

const (
	ReasonExpiredOrInactive = "expired-or-inactive"
	ReasonEmptyWindow       = "empty-window"
	ReasonWindowConflict    = "window-conflict"
)

type Result struct {
	SessionID        string                `json:"sessionId"`
	Status           ResultStatus          `json:"status"`
	Reason           string                `json:"reason,omitempty"`
	Message          string                `json:"message,omitempty"`
	Aggregation      *source.Aggregation   `json:"aggregation,omitempty"`
	NotificationSent bool                  `json:"notificationSent"`
	History          *store.MonitorHistory `json:"history,omitempty"`
}

type BatchResult struct {
	ProcessedCount int      `json:"processedCount"`
	SkippedCount   int      `json:"skippedCount"`
	ErrorCount     int      `json:"errorCount"`
	Results        []Result `json:"results"`
}

func (b *BatchResult) add(result Result) {
	switch result.Status {
	case ResultSuccess:
		b.ProcessedCount++
	case ResultSkipped:
		b.SkippedCount++
	default:
		b.ErrorCount++
	}
	b.Results = append(b.Results, result)
}

type ExecutorOptions struct {
	Thresholds    config.Thresholds
	MetricTimeout time.Duration
	// Unguarded appends history without the last-row check. Concurrent ticks
	// of one session can then double count.
	Unguarded bool
	Metrics   *metrics.Metrics
}

// Executor aggregates one window per session and appends one history row.
type Executor struct {
	store         store.Store
	source        source.MetricSource
	notifier      notify.Notifier
	thresholds    config.Thresholds
	metricTimeout time.Duration
	guarded       bool
	metrics       *metrics.Metrics
}

func NewExecutor(sessions store.Store, metricSource source.MetricSource, notifier notify.Notifier, opts ExecutorOptions) *Executor {
	timeout := opts.MetricTimeout
	if timeout <= 0 {
		timeout = defaultMetricTimeout
	}
	return &Executor{
		store:         sessions,
		source:        metricSource,
		notifier:      notifier,
		thresholds:    opts.Thresholds,
		metricTimeout: timeout,
		guarded:       !opts.Unguarded,
		metrics:       opts.Metrics,
	}
}

func (e *Executor) ExecuteOne(ctx context.Context, session store.MonitorSession, now time.Time) Result {
	startedAt := time.Now()
	result := e.executeOne(ctx, session, now)
	e.metrics.ObserveTick(string(result.Status), result.Reason, time.Since(startedAt))

	event := log.Info()
	if result.Status == ResultError {
		event = log.Error()
	}
	event.Str("session_id", session.ID).
		Str("status", string(result.Status)).
		Str("reason", result.Reason).
		Bool("notification_sent", result.NotificationSent).
		Msg("[Tick] Session tick finished")
	return result
}

func (e *Executor) executeOne(ctx context.Context, session store.MonitorSession, now time.Time) Result {
	if session.Status != store.StatusActive || session.Paused() || now.After(session.ExpiresAt) {
		return skipped(session.ID, ReasonExpiredOrInactive)
	}

	last, err := e.store.GetLastHistory(ctx, session.ID)
	if err != nil {
		return failed(session.ID, fmt.Errorf("load last history: %w", err))
	}

	windowStart := session.StartedAt
	var expectedLastID *string
	if last != nil {
		windowStart = last.WindowEnd
		lastID := last.ID
		expectedLastID = &lastID
	}
	windowEnd := now
	if !windowStart.Before(windowEnd) {
		return skipped(session.ID, ReasonEmptyWindow)
	}

	release := e.resolveRelease(ctx, session)

	metricCtx, cancel := context.WithTimeout(ctx, e.metricTimeout)
	aggregation, err := e.source.AggregateWindow(metricCtx, session.Platform, release, windowStart, windowEnd)
	cancel()
	if err != nil {
		return failed(session.ID, fmt.Errorf("aggregate window: %w", err))
	}
	aggregation.TopIssues = source.RankTopIssues(aggregation.TopIssues)

	notificationSent := false
	if severity, reason, crossed := e.evaluate(ctx, session.ID, aggregation); crossed {
		notificationSent = e.deliver(ctx, session, release, last, windowStart, windowEnd, aggregation, severity, reason)
	}

	row := store.MonitorHistory{
		MonitorID:        session.ID,
		ExecutedAt:       now,
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		EventsCount:      aggregation.EventsCount,
		IssuesCount:      aggregation.IssuesCount,
		UsersCount:       aggregation.UsersCount,
		TopIssues:        aggregation.TopIssues,
		NotificationSent: notificationSent,
	}

	var stored store.MonitorHistory
	if e.guarded {
		stored, err = e.store.AppendHistoryAfter(ctx, row, expectedLastID)
	} else {
		stored, err = e.store.AppendHistory(ctx, row)
	}
	if errors.Is(err, store.ErrHistoryConflict) {
		log.Warn().Str("session_id", session.ID).Msg("[Tick] History advanced during tick, dropping window")
		return skipped(session.ID, ReasonWindowConflict)
	}
	if err != nil {
		return failed(session.ID, fmt.Errorf("append history: %w", err))
	}

	return Result{
		SessionID:        session.ID,
		Status:           ResultSuccess,
		Aggregation:      &aggregation,
		NotificationSent: notificationSent,
		History:          &stored,
	}
}

// ExecuteAll ticks every active, unpaused session. A failing session never
// stops the others.
func (e *Executor) ExecuteAll(ctx context.Context, now time.Time) (BatchResult, error) {
	sessions, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active sessions: %w", err)
	}

	batch := BatchResult{Results: make([]Result, 0, len(sessions))}
	for _, session := range sessions {
		if session.Paused() {
			continue
		}
		batch.add(e.ExecuteOne(ctx, session, now))
	}

	log.Info().
		Int("processed", batch.ProcessedCount).
		Int("skipped", batch.SkippedCount).
		Int("errors", batch.ErrorCount).
		Msg("[Tick] Batch finished")
	return batch, nil
}

func (e *Executor) resolveRelease(ctx context.Context, session store.MonitorSession) string {
	if session.MatchedRelease != nil && *session.MatchedRelease != "" {
		return *session.MatchedRelease
	}
	resolver, ok := e.source.(source.ReleaseResolver)
	if !ok {
		return session.BaseRelease
	}

	resolveCtx, cancel := context.WithTimeout(ctx, e.metricTimeout)
	defer cancel()

	matched, err := resolver.ResolveRelease(resolveCtx, session.Platform, session.BaseRelease)
	if err != nil {
		event := log.Warn()
		if errors.Is(err, source.ErrReleaseNotFound) {
			event = log.Debug()
		}
		event.Err(err).Str("session_id", session.ID).Str("base_release", session.BaseRelease).Msg("[Tick] Release not resolved, using base release")
		return session.BaseRelease
	}

	if _, err := e.store.UpdateSession(ctx, session.ID, store.SessionPatch{MatchedRelease: &matched}); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("[Tick] Failed to persist matched release")
	}
	return matched
}

// evaluate reports whether the window crosses a critical threshold or is a
// surge against the session's recent average.
func (e *Executor) evaluate(ctx context.Context, sessionID string, aggregation source.Aggregation) (notify.Severity, string, bool) {
	t := e.thresholds
	if t.EventsCritical > 0 && aggregation.EventsCount > t.EventsCritical {
		return notify.SeverityCritical, fmt.Sprintf("%d events exceed %d", aggregation.EventsCount, t.EventsCritical), true
	}
	if t.UsersCritical > 0 && aggregation.UsersCount > t.UsersCritical {
		return notify.SeverityCritical, fmt.Sprintf("%d users exceed %d", aggregation.UsersCount, t.UsersCritical), true
	}

	if t.SurgeMultiplier <= 0 || t.SurgeLookback <= 0 || aggregation.EventsCount < t.SurgeMinEvents {
		return "", "", false
	}
	recent, err := e.store.ListHistory(ctx, sessionID, t.SurgeLookback)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("[Tick] Surge check skipped")
		return "", "", false
	}
	if len(recent) == 0 {
		return "", "", false
	}

	total := 0
	for _, row := range recent {
		total += row.EventsCount
	}
	average := float64(total) / float64(len(recent))
	if average > 0 && float64(aggregation.EventsCount) >= t.SurgeMultiplier*average {
		return notify.SeverityWarning, fmt.Sprintf("%d events is %.1fx the recent average of %.1f", aggregation.EventsCount, float64(aggregation.EventsCount)/average, average), true
	}
	return "", "", false
}

func (e *Executor) deliver(
	ctx context.Context,
	session store.MonitorSession,
	release string,
	last *store.MonitorHistory,
	windowStart, windowEnd time.Time,
	aggregation source.Aggregation,
	severity notify.Severity,
	reason string,
) bool {
	if e.notifier == nil {
		e.metrics.ObserveNotification("disabled")
		return false
	}

	current := notify.Counts{Events: aggregation.EventsCount, Issues: aggregation.IssuesCount, Users: aggregation.UsersCount}
	summary := notify.Summary{
		SessionID:       session.ID,
		Platform:        session.Platform,
		BaseRelease:     session.BaseRelease,
		Release:         release,
		TestMode:        session.IsTestMode,
		IntervalMinutes: session.CustomIntervalMinutes,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		Current:         current,
		Cumulative:      current,
		TopIssues:       aggregation.TopIssues,
		Severity:        severity,
		Reason:          reason,
	}
	if last != nil {
		summary.Previous = &notify.Counts{Events: last.EventsCount, Issues: last.IssuesCount, Users: last.UsersCount}
	}
	if totals, err := e.store.HistoryTotals(ctx, session.ID); err == nil {
		summary.Cumulative = notify.Counts{
			Events: totals.Events + current.Events,
			Issues: totals.Issues + current.Issues,
			Users:  totals.Users + current.Users,
		}
	}

	if err := e.notifier.Notify(ctx, summary); err != nil {
		e.metrics.ObserveNotification("failed")
		log.Warn().Err(err).Str("session_id", session.ID).Msg("[Tick] Notification failed, recording tick anyway")
		return false
	}
	e.metrics.ObserveNotification("sent")
	return true
}

func skipped(sessionID, reason string) Result {
	return Result{SessionID: sessionID, Status: ResultSkipped, Reason: reason}
}

func failed(sessionID string, err error) Result {
	return Result{SessionID: sessionID, Status: ResultError, Message: err.Error()}
}
