package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/archive"
	"releasewatch/services/monitor/internal/config"
	"releasewatch/services/monitor/internal/metrics"
	"releasewatch/services/monitor/internal/scheduler"
	"releasewatch/services/monitor/internal/store"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotActive       = errors.New("not-active")
	ErrNotPaused       = errors.New("not-paused")
	ErrAlreadyTerminal = errors.New("already-terminal")

	errNoTransition = errors.New("no transition")
)

const transitionAttempts = 3

// LocalRunner is the in-process trigger used when no external scheduler is
// configured.
type LocalRunner interface {
	Start(sessionID string, interval time.Duration) (bool, error)
	Stop(sessionID string) bool
}

type CreateRequest struct {
	Platform        string `json:"platform"`
	BaseRelease     string `json:"baseRelease"`
	Days            int    `json:"days"`
	IntervalMinutes int    `json:"intervalMinutes"`
	IsTestMode      bool   `json:"isTestMode"`
}

// Outcome is a session plus the degradations the caller should know about,
// e.g. a failed schedule registration.
type Outcome struct {
	Session  store.MonitorSession `json:"session"`
	Warnings []string             `json:"warnings,omitempty"`
}

type ManagerOptions struct {
	Scheduler      scheduler.Scheduler
	Runner         LocalRunner
	Archive        archive.Store
	ArchivePrefix  string
	CallbackTarget string
	Intervals      config.IntervalPolicy
	Metrics        *metrics.Metrics
}

// Manager owns session state transitions. A stopped, expired or paused
// session never keeps an external schedule handle.
type Manager struct {
	store          store.Store
	scheduler      scheduler.Scheduler
	runner         LocalRunner
	archive        archive.Store
	archivePrefix  string
	callbackTarget string
	intervals      config.IntervalPolicy
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewManager(sessions store.Store, opts ManagerOptions) *Manager {
	return &Manager{
		store:          sessions,
		scheduler:      opts.Scheduler,
		runner:         opts.Runner,
		archive:        opts.Archive,
		archivePrefix:  opts.ArchivePrefix,
		callbackTarget: opts.CallbackTarget,
		intervals:      opts.Intervals,
		metrics:        opts.Metrics,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Create(ctx context.Context, request CreateRequest) (Outcome, error) {
	platform, ok := store.ParsePlatform(request.Platform)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: invalid platform %q", ErrValidation, request.Platform)
	}
	baseRelease := strings.TrimSpace(request.BaseRelease)
	if baseRelease == "" {
		return Outcome{}, fmt.Errorf("%w: baseRelease is required", ErrValidation)
	}
	days, err := m.validateDays(request.Days)
	if err != nil {
		return Outcome{}, err
	}
	interval, err := m.validateInterval(request.IntervalMinutes, request.IsTestMode)
	if err != nil {
		return Outcome{}, err
	}

	now := m.now()
	session, err := m.store.CreateSession(ctx, store.MonitorSession{
		ID:                    "mon_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Platform:              platform,
		BaseRelease:           baseRelease,
		Status:                store.StatusActive,
		StartedAt:             now,
		ExpiresAt:             now.Add(time.Duration(days) * 24 * time.Hour),
		CustomIntervalMinutes: interval,
		IsTestMode:            request.IsTestMode,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create session: %w", err)
	}

	log.Info().
		Str("session_id", session.ID).
		Str("platform", string(platform)).
		Str("base_release", baseRelease).
		Int("interval_minutes", interval).
		Int("days", days).
		Msg("[Lifecycle] Session created")

	return m.arm(ctx, session)
}

func (m *Manager) Pause(ctx context.Context, id string) (store.MonitorSession, error) {
	previous, updated, err := m.transition(ctx, id, func(session store.MonitorSession) error {
		if session.Status != store.StatusActive || session.Paused() {
			return fmt.Errorf("%w: session %s is %s", ErrNotActive, id, describe(session))
		}
		return nil
	}, store.SessionPatch{
		Pause:               &store.PauseInfo{At: m.now()},
		ClearScheduleHandle: true,
	})
	if err != nil {
		return store.MonitorSession{}, err
	}
	m.disarm(ctx, previous)

	log.Info().Str("session_id", id).Msg("[Lifecycle] Session paused")
	return updated, nil
}

func (m *Manager) Resume(ctx context.Context, id string) (Outcome, error) {
	_, updated, err := m.transition(ctx, id, func(session store.MonitorSession) error {
		if session.Status != store.StatusActive || !session.Paused() {
			return fmt.Errorf("%w: session %s is %s", ErrNotPaused, id, describe(session))
		}
		return nil
	}, store.SessionPatch{ClearPause: true})
	if err != nil {
		return Outcome{}, err
	}

	log.Info().Str("session_id", id).Msg("[Lifecycle] Session resumed")
	return m.arm(ctx, updated)
}

// Stop is terminal. Cancelling the external schedule is best effort; a
// trigger that still fires is skipped by the tick precondition.
func (m *Manager) Stop(ctx context.Context, id string) (store.MonitorSession, error) {
	stopped := store.StatusStopped
	previous, updated, err := m.transition(ctx, id, func(session store.MonitorSession) error {
		if session.Status.Terminal() {
			return fmt.Errorf("%w: session %s is %s", ErrAlreadyTerminal, id, session.Status)
		}
		return nil
	}, store.SessionPatch{
		Status:              &stopped,
		ClearScheduleHandle: true,
		ClearPause:          true,
	})
	if err != nil {
		return store.MonitorSession{}, err
	}
	m.disarm(ctx, previous)
	m.archiveSession(ctx, updated)

	log.Info().Str("session_id", id).Msg("[Lifecycle] Session stopped")
	return updated, nil
}

// CleanupExpired moves every active session past its expiry to expired and
// returns how many it transitioned.
func (m *Manager) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	expired := store.StatusExpired
	transitioned := 0
	var errs []error
	for _, listed := range sessions {
		if !now.After(listed.ExpiresAt) {
			continue
		}
		previous, updated, err := m.transition(ctx, listed.ID, func(session store.MonitorSession) error {
			if session.Status != store.StatusActive || !now.After(session.ExpiresAt) {
				return errNoTransition
			}
			return nil
		}, store.SessionPatch{
			Status:              &expired,
			ClearScheduleHandle: true,
			ClearPause:          true,
		})
		if errors.Is(err, errNoTransition) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", listed.ID, err))
			continue
		}
		transitioned++
		m.disarm(ctx, previous)
		m.archiveSession(ctx, updated)
	}

	m.metrics.AddExpired(transitioned)
	if transitioned > 0 {
		log.Info().Int("count", transitioned).Msg("[Lifecycle] Expired sessions")
	}
	return transitioned, errors.Join(errs...)
}

// transition reads the session, lets check accept or reject it, and writes
// patch only while status, pause state and schedule handle are unchanged.
// A concurrent writer forces a re-read, so check always judges the state the
// write lands on.
func (m *Manager) transition(
	ctx context.Context,
	id string,
	check func(store.MonitorSession) error,
	patch store.SessionPatch,
) (store.MonitorSession, store.MonitorSession, error) {
	for attempt := 1; attempt <= transitionAttempts; attempt++ {
		current, err := m.store.GetSession(ctx, id)
		if err != nil {
			return store.MonitorSession{}, store.MonitorSession{}, err
		}
		if err := check(current); err != nil {
			return current, store.MonitorSession{}, err
		}

		updated, err := m.store.UpdateSession(ctx, id, patch.Expecting(current))
		if errors.Is(err, store.ErrStaleSession) {
			log.Debug().Str("session_id", id).Int("attempt", attempt).Msg("[Lifecycle] Session changed concurrently, re-reading")
			continue
		}
		if err != nil {
			return current, store.MonitorSession{}, fmt.Errorf("update session %s: %w", id, err)
		}
		return current, updated, nil
	}
	return store.MonitorSession{}, store.MonitorSession{}, fmt.Errorf("session %s: %w", id, store.ErrStaleSession)
}

// arm attaches a trigger source to an active, unpaused session: the external
// scheduler when configured, otherwise the local runner.
func (m *Manager) arm(ctx context.Context, session store.MonitorSession) (Outcome, error) {
	outcome := Outcome{Session: session}
	if session.Status != store.StatusActive || session.Paused() {
		outcome.Warnings = append(outcome.Warnings, "session is "+describe(session)+"; no trigger armed")
		return outcome, nil
	}

	if m.scheduler == nil {
		if m.runner == nil {
			outcome.Warnings = append(outcome.Warnings, "no trigger source configured; tick manually")
			return outcome, nil
		}
		started, err := m.runner.Start(session.ID, session.Interval())
		if err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("[Lifecycle] Local runner start failed")
			outcome.Warnings = append(outcome.Warnings, "local runner failed to start: "+err.Error())
			return outcome, nil
		}
		if started {
			m.confirmLocalRunner(ctx, session.ID)
		}
		return outcome, nil
	}

	handle, err := m.scheduler.RegisterRecurring(ctx, session.ID, session.CustomIntervalMinutes, m.callbackTarget)
	if err != nil {
		m.metrics.ObserveScheduleFailure("register")
		log.Warn().Err(err).Str("session_id", session.ID).Msg("[Lifecycle] Schedule registration failed")
		outcome.Warnings = append(outcome.Warnings, "external schedule registration failed: "+err.Error())
		return outcome, nil
	}

	updated, err := m.store.UpdateSession(ctx, session.ID, store.SessionPatch{ExternalScheduleHandle: &handle}.Expecting(session))
	if err == nil {
		outcome.Session = updated
		return outcome, nil
	}

	if cancelErr := m.scheduler.Cancel(ctx, handle); cancelErr != nil {
		m.metrics.ObserveScheduleFailure("cancel")
		log.Error().Err(cancelErr).Str("session_id", session.ID).Str("handle", handle).Msg("[Lifecycle] Compensating cancel failed")
	}
	if !errors.Is(err, store.ErrStaleSession) {
		return Outcome{}, fmt.Errorf("store schedule handle: %w", err)
	}

	log.Warn().Str("session_id", session.ID).Str("handle", handle).Msg("[Lifecycle] Session changed during registration, schedule cancelled")
	if current, getErr := m.store.GetSession(ctx, session.ID); getErr == nil {
		outcome.Session = current
	}
	outcome.Warnings = append(outcome.Warnings, "session changed during schedule registration; schedule cancelled")
	return outcome, nil
}

// confirmLocalRunner stops a just-started job when the session left the
// active, unpaused state while the job was being added.
func (m *Manager) confirmLocalRunner(ctx context.Context, id string) {
	current, err := m.store.GetSession(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("[Lifecycle] Local runner check failed")
		return
	}
	if current.Status != store.StatusActive || current.Paused() {
		m.runner.Stop(id)
		log.Info().Str("session_id", id).Str("state", describe(current)).Msg("[Lifecycle] Local runner withdrawn")
	}
}

// disarm removes whatever trigger the session had before a transition.
func (m *Manager) disarm(ctx context.Context, previous store.MonitorSession) {
	if m.runner != nil {
		m.runner.Stop(previous.ID)
	}
	if !previous.HasSchedule() || m.scheduler == nil {
		return
	}
	if err := m.scheduler.Cancel(ctx, *previous.ExternalScheduleHandle); err != nil {
		m.metrics.ObserveScheduleFailure("cancel")
		log.Warn().Err(err).
			Str("session_id", previous.ID).
			Str("handle", *previous.ExternalScheduleHandle).
			Msg("[Lifecycle] Schedule cancel failed")
	}
}

func (m *Manager) archiveSession(ctx context.Context, session store.MonitorSession) {
	if m.archive == nil {
		return
	}
	report, err := buildReport(ctx, m.store, session, m.now())
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("[Lifecycle] Report build failed")
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("[Lifecycle] Report encode failed")
		return
	}

	key := archive.ReportKey(m.archivePrefix, session.Platform, session.ID)
	if err := m.archive.StoreJSON(ctx, key, payload); err != nil {
		if errors.Is(err, archive.ErrNotConfigured) {
			return
		}
		log.Warn().Err(err).Str("session_id", session.ID).Str("key", key).Msg("[Lifecycle] Archive upload failed")
		return
	}
	log.Info().Str("session_id", session.ID).Str("key", key).Msg("[Lifecycle] Session archived")
}

func (m *Manager) validateDays(days int) (int, error) {
	if days == 0 {
		days = m.intervals.DefaultDays
	}
	if days < 1 || (m.intervals.MaxDays > 0 && days > m.intervals.MaxDays) {
		return 0, fmt.Errorf("%w: days must be between 1 and %d, got %d", ErrValidation, m.intervals.MaxDays, days)
	}
	return days, nil
}

func (m *Manager) validateInterval(minutes int, testMode bool) (int, error) {
	if minutes == 0 {
		minutes = m.intervals.DefaultMinutes
	}
	minimum := m.intervals.MinMinutes
	if testMode {
		minimum = m.intervals.MinTestMinutes
	}
	if minimum < 1 {
		minimum = 1
	}
	if minutes < minimum || (m.intervals.MaxMinutes > 0 && minutes > m.intervals.MaxMinutes) {
		return 0, fmt.Errorf("%w: intervalMinutes must be between %d and %d, got %d", ErrValidation, minimum, m.intervals.MaxMinutes, minutes)
	}
	return minutes, nil
}

func describe(session store.MonitorSession) string {
	if session.Status == store.StatusActive && session.Paused() {
		return "paused"
	}
	return string(session.Status)
}

func buildReport(ctx context.Context, sessions store.Store, session store.MonitorSession, now time.Time) (archive.Report, error) {
	history, err := sessions.ListHistory(ctx, session.ID, 0)
	if err != nil {
		return archive.Report{}, fmt.Errorf("list history: %w", err)
	}
	totals := store.Totals{}
	for _, row := range history {
		totals = totals.Add(row)
	}
	return archive.Report{
		Session:    session,
		History:    history,
		Totals:     totals,
		ArchivedAt: now,
	}, nil
}
