package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps sessions and history in process. It is used by tests and by
// STORE_DRIVER=memory for local development.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]MonitorSession
	history  map[string][]MonitorHistory
}

func NewMemory() *Memory {
	return &Memory{
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]MonitorSession),
		history:  make(map[string][]MonitorHistory),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Health(_ context.Context) error {
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (MonitorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return MonitorSession{}, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *Memory) ListSessions(_ context.Context) ([]MonitorSession, error) {
	return m.list(func(MonitorSession) bool { return true }), nil
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]MonitorSession, error) {
	return m.list(func(session MonitorSession) bool { return session.Status == StatusActive }), nil
}

func (m *Memory) list(keep func(MonitorSession) bool) []MonitorSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]MonitorSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		if keep(session) {
			sessions = append(sessions, cloneSession(session))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

func (m *Memory) CreateSession(_ context.Context, session MonitorSession) (MonitorSession, error) {
	if !session.ExpiresAt.After(session.StartedAt) {
		return MonitorSession{}, errors.New("expiresAt must be after startedAt")
	}
	if session.CustomIntervalMinutes <= 0 {
		return MonitorSession{}, errors.New("customIntervalMinutes must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return MonitorSession{}, errors.New("monitor session already exists")
	}
	if session.Status == "" {
		session.Status = StatusActive
	}
	now := m.now()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.LastHistoryID = nil

	m.sessions[session.ID] = cloneSession(session)
	return cloneSession(session), nil
}

func (m *Memory) UpdateSession(_ context.Context, id string, patch SessionPatch) (MonitorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return MonitorSession{}, ErrNotFound
	}
	if !patch.matches(session) {
		return MonitorSession{}, ErrStaleSession
	}
	if patch.Empty() {
		return cloneSession(session), nil
	}

	patch.apply(&session)
	session.UpdatedAt = m.now()
	m.sessions[id] = session
	return cloneSession(session), nil
}

func (m *Memory) AppendHistory(_ context.Context, row MonitorHistory) (MonitorHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appendLocked(row)
}

func (m *Memory) AppendHistoryAfter(_ context.Context, row MonitorHistory, expectedLastID *string) (MonitorHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[row.MonitorID]
	if !ok {
		return MonitorHistory{}, ErrNotFound
	}
	if !sameHistoryID(session.LastHistoryID, expectedLastID) {
		return MonitorHistory{}, ErrHistoryConflict
	}
	return m.appendLocked(row)
}

func (m *Memory) appendLocked(row MonitorHistory) (MonitorHistory, error) {
	session, ok := m.sessions[row.MonitorID]
	if !ok {
		return MonitorHistory{}, ErrNotFound
	}
	if err := validateHistoryRow(row); err != nil {
		return MonitorHistory{}, err
	}

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TopIssues == nil {
		row.TopIssues = []TopIssue{}
	}
	stored := cloneHistory(row)
	m.history[row.MonitorID] = append(m.history[row.MonitorID], stored)

	lastID := row.ID
	session.LastHistoryID = &lastID
	session.UpdatedAt = m.now()
	m.sessions[row.MonitorID] = session

	return cloneHistory(stored), nil
}

func (m *Memory) GetLastHistory(_ context.Context, monitorID string) (*MonitorHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.history[monitorID]
	if len(rows) == 0 {
		return nil, nil
	}

	last := rows[0]
	for _, row := range rows[1:] {
		if !row.ExecutedAt.Before(last.ExecutedAt) {
			last = row
		}
	}
	clone := cloneHistory(last)
	return &clone, nil
}

func (m *Memory) ListHistory(_ context.Context, monitorID string, limit int) ([]MonitorHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]MonitorHistory, 0, len(m.history[monitorID]))
	for _, row := range m.history[monitorID] {
		rows = append(rows, cloneHistory(row))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ExecutedAt.Before(rows[j].ExecutedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

func (m *Memory) HistoryTotals(_ context.Context, monitorID string) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := Totals{}
	for _, row := range m.history[monitorID] {
		totals = totals.Add(row)
	}
	return totals, nil
}

func validateHistoryRow(row MonitorHistory) error {
	if row.EventsCount < 0 || row.IssuesCount < 0 || row.UsersCount < 0 {
		return errors.New("history counts must be non-negative")
	}
	if !row.WindowEnd.After(row.WindowStart) {
		return errors.New("history window must not be empty")
	}
	return nil
}

func sameHistoryID(current, expected *string) bool {
	if current == nil || expected == nil {
		return current == nil && expected == nil
	}
	return *current == *expected
}

func cloneSession(session MonitorSession) MonitorSession {
	if session.MatchedRelease != nil {
		value := *session.MatchedRelease
		session.MatchedRelease = &value
	}
	if session.ExternalScheduleHandle != nil {
		value := *session.ExternalScheduleHandle
		session.ExternalScheduleHandle = &value
	}
	if session.Pause != nil {
		value := *session.Pause
		session.Pause = &value
	}
	if session.LastHistoryID != nil {
		value := *session.LastHistoryID
		session.LastHistoryID = &value
	}
	return session
}

func cloneHistory(row MonitorHistory) MonitorHistory {
	issues := make([]TopIssue, len(row.TopIssues))
	copy(issues, row.TopIssues)
	row.TopIssues = issues
	return row
}
