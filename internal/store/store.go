package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("monitor session not found")
	ErrHistoryConflict = errors.New("history advanced since window was resolved")
	ErrStaleSession    = errors.New("monitor session changed since it was read")
)

type Store interface {
	GetSession(ctx context.Context, id string) (MonitorSession, error)
	ListSessions(ctx context.Context) ([]MonitorSession, error)
	ListActiveSessions(ctx context.Context) ([]MonitorSession, error)
	CreateSession(ctx context.Context, session MonitorSession) (MonitorSession, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (MonitorSession, error)

	AppendHistory(ctx context.Context, row MonitorHistory) (MonitorHistory, error)
	// AppendHistoryAfter commits only while the session's last history id still
	// equals expectedLastID, returning ErrHistoryConflict otherwise.
	AppendHistoryAfter(ctx context.Context, row MonitorHistory, expectedLastID *string) (MonitorHistory, error)
	GetLastHistory(ctx context.Context, monitorID string) (*MonitorHistory, error)
	ListHistory(ctx context.Context, monitorID string, limit int) ([]MonitorHistory, error)
	HistoryTotals(ctx context.Context, monitorID string) (Totals, error)

	Health(ctx context.Context) error
	Close()
}
