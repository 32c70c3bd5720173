package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/archive"
	"releasewatch/services/monitor/internal/config"
	"releasewatch/services/monitor/internal/metrics"
	"releasewatch/services/monitor/internal/notify"
	"releasewatch/services/monitor/internal/schedule"
	"releasewatch/services/monitor/internal/scheduler"
	"releasewatch/services/monitor/internal/source"
	"releasewatch/services/monitor/internal/store"
)

const defaultRecentHistory = 20

type Dependencies struct {
	Store     store.Store
	Source    source.MetricSource
	Notifier  notify.Notifier
	Scheduler scheduler.Scheduler
	Runner    LocalRunner
	Archive   archive.Store
	Metrics   *metrics.Metrics
}

type Settings struct {
	Thresholds     config.Thresholds
	Intervals      config.IntervalPolicy
	MetricTimeout  time.Duration
	CallbackTarget string
	ArchivePrefix  string
	Unguarded      bool
}

// Service is the surface consumed by the HTTP layer and the trigger sources.
type Service struct {
	store         store.Store
	manager       *Manager
	executor      *Executor
	scheduler     scheduler.Scheduler
	runner        LocalRunner
	archive       archive.Store
	archivePrefix string
	now           func() time.Time
}

type MonitorView struct {
	store.MonitorSession
	Paused          bool         `json:"paused"`
	Totals          store.Totals `json:"totals"`
	LastExecutedAt  *time.Time   `json:"lastExecutedAt,omitempty"`
	NextExecutionAt *time.Time   `json:"nextExecutionAt,omitempty"`
}

type MonitorDetail struct {
	MonitorView
	History []store.MonitorHistory `json:"history"`
}

func NewService(deps Dependencies, settings Settings) *Service {
	manager := NewManager(deps.Store, ManagerOptions{
		Scheduler:      deps.Scheduler,
		Runner:         deps.Runner,
		Archive:        deps.Archive,
		ArchivePrefix:  settings.ArchivePrefix,
		CallbackTarget: settings.CallbackTarget,
		Intervals:      settings.Intervals,
		Metrics:        deps.Metrics,
	})
	executor := NewExecutor(deps.Store, deps.Source, deps.Notifier, ExecutorOptions{
		Thresholds:    settings.Thresholds,
		MetricTimeout: settings.MetricTimeout,
		Unguarded:     settings.Unguarded,
		Metrics:       deps.Metrics,
	})

	return &Service{
		store:         deps.Store,
		manager:       manager,
		executor:      executor,
		scheduler:     deps.Scheduler,
		runner:        deps.Runner,
		archive:       deps.Archive,
		archivePrefix: settings.ArchivePrefix,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source of the service and its components.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.manager.now = now
}

func (s *Service) CreateMonitor(ctx context.Context, request CreateRequest) (Outcome, error) {
	return s.manager.Create(ctx, request)
}

func (s *Service) PauseMonitor(ctx context.Context, id string) (store.MonitorSession, error) {
	return s.manager.Pause(ctx, id)
}

func (s *Service) ResumeMonitor(ctx context.Context, id string) (Outcome, error) {
	return s.manager.Resume(ctx, id)
}

func (s *Service) StopMonitor(ctx context.Context, id string) (store.MonitorSession, error) {
	return s.manager.Stop(ctx, id)
}

// Tick runs one session when sessionID is set. An empty id sweeps expired
// sessions and then ticks every active one.
func (s *Service) Tick(ctx context.Context, sessionID string) (BatchResult, error) {
	now := s.now()
	if sessionID == "" {
		if _, err := s.manager.CleanupExpired(ctx, now); err != nil {
			log.Warn().Err(err).Msg("[Tick] Expiry sweep incomplete")
		}
		return s.executor.ExecuteAll(ctx, now)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return BatchResult{}, err
	}
	batch := BatchResult{Results: make([]Result, 0, 1)}
	batch.add(s.executor.ExecuteOne(ctx, session, now))
	return batch, nil
}

// TickSession is the callback used by the local runner and the tick queue.
// A trigger that fires for a session no longer due for ticks retires itself.
func (s *Service) TickSession(ctx context.Context, sessionID string) {
	batch, err := s.Tick(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		s.retireTrigger(ctx, sessionID)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("[Tick] Triggered tick failed")
		return
	}
	for _, result := range batch.Results {
		if result.Status == ResultSkipped && result.Reason == ReasonExpiredOrInactive {
			s.retireTrigger(ctx, sessionID)
		}
	}
}

// retireTrigger applies a pending expiry and withdraws a local job that
// outlived its session.
func (s *Service) retireTrigger(ctx context.Context, sessionID string) {
	now := s.now()
	session, err := s.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		log.Warn().Err(err).Str("session_id", sessionID).Msg("[Tick] Retire trigger lookup failed")
		return
	case session.Status == store.StatusActive && now.After(session.ExpiresAt):
		if _, err := s.manager.CleanupExpired(ctx, now); err != nil {
			log.Warn().Err(err).Msg("[Tick] Expiry sweep incomplete")
		}
		return
	case session.Status == store.StatusActive && !session.Paused():
		return
	}

	if s.runner != nil && s.runner.Stop(sessionID) {
		log.Info().Str("session_id", sessionID).Msg("[Tick] Local trigger retired")
	}
}

func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.manager.CleanupExpired(ctx, s.now())
}

func (s *Service) ListMonitors(ctx context.Context) ([]MonitorView, error) {
	if _, err := s.manager.CleanupExpired(ctx, s.now()); err != nil {
		log.Warn().Err(err).Msg("[Monitor] Expiry sweep incomplete")
	}

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	views := make([]MonitorView, 0, len(sessions))
	for _, session := range sessions {
		view, err := s.view(ctx, session)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) GetMonitor(ctx context.Context, id string, historyLimit int) (MonitorDetail, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return MonitorDetail{}, err
	}
	view, err := s.view(ctx, session)
	if err != nil {
		return MonitorDetail{}, err
	}

	if historyLimit <= 0 {
		historyLimit = defaultRecentHistory
	}
	history, err := s.store.ListHistory(ctx, id, historyLimit)
	if err != nil {
		return MonitorDetail{}, fmt.Errorf("list history: %w", err)
	}
	return MonitorDetail{MonitorView: view, History: history}, nil
}

func (s *Service) GetScheduleSummary(ctx context.Context) (schedule.Summary, error) {
	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return schedule.Summary{}, fmt.Errorf("list active sessions: %w", err)
	}

	entries := make([]schedule.Entry, 0, len(sessions))
	for _, session := range sessions {
		if session.Paused() {
			continue
		}
		last, err := s.store.GetLastHistory(ctx, session.ID)
		if err != nil {
			return schedule.Summary{}, fmt.Errorf("last history for %s: %w", session.ID, err)
		}
		entry := schedule.Entry{
			SessionID:       session.ID,
			StartedAt:       session.StartedAt,
			IntervalMinutes: session.CustomIntervalMinutes,
		}
		if last != nil {
			executedAt := last.ExecutedAt
			entry.LastExecutedAt = &executedAt
		}
		entries = append(entries, entry)
	}
	return schedule.Summarize(entries, s.now()), nil
}

// MonitorReport returns the archived report of a session, or a live one when
// nothing has been archived yet.
func (s *Service) MonitorReport(ctx context.Context, id string) (json.RawMessage, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.archive != nil && session.Status.Terminal() {
		payload, err := s.archive.LoadJSON(ctx, archive.ReportKey(s.archivePrefix, session.Platform, session.ID))
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, archive.ErrNotConfigured) && !errors.Is(err, archive.ErrObjectNotFound) {
			log.Warn().Err(err).Str("session_id", id).Msg("[Monitor] Archived report unavailable, building live report")
		}
	}

	report, err := buildReport(ctx, s.store, session, s.now())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return payload, nil
}

// RestoreLocalRunners re-arms the local runner for active sessions after a
// restart. It does nothing when an external scheduler owns the triggers.
func (s *Service) RestoreLocalRunners(ctx context.Context) (int, error) {
	if s.scheduler != nil || s.runner == nil {
		return 0, nil
	}

	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	now := s.now()
	started := 0
	var errs []error
	for _, session := range sessions {
		if session.Paused() || now.After(session.ExpiresAt) {
			continue
		}
		ok, err := s.runner.Start(session.ID, session.Interval())
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", session.ID, err))
			continue
		}
		if ok {
			started++
		}
	}
	return started, errors.Join(errs...)
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

func (s *Service) view(ctx context.Context, session store.MonitorSession) (MonitorView, error) {
	totals, err := s.store.HistoryTotals(ctx, session.ID)
	if err != nil {
		return MonitorView{}, fmt.Errorf("history totals for %s: %w", session.ID, err)
	}
	view := MonitorView{MonitorSession: session, Paused: session.Paused(), Totals: totals}

	last, err := s.store.GetLastHistory(ctx, session.ID)
	if err != nil {
		return MonitorView{}, fmt.Errorf("last history for %s: %w", session.ID, err)
	}
	if last != nil {
		executedAt := last.ExecutedAt
		view.LastExecutedAt = &executedAt
	}
	if session.Status == store.StatusActive && !session.Paused() {
		next := schedule.NextExecutionAt(session.StartedAt, view.LastExecutedAt, session.CustomIntervalMinutes)
		view.NextExecutionAt = &next
	}
	return view, nil
}
