package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidRequest = errors.New("invalid schedule request")
	ErrNotFound       = errors.New("schedule not found")
)

// Scheduler owns recurring remote triggers. Handles are opaque to callers.
type Scheduler interface {
	RegisterRecurring(ctx context.Context, sessionID string, intervalMinutes int, callbackTarget string) (string, error)
	Cancel(ctx context.Context, handle string) error
}

type Schedule struct {
	Handle          string    `json:"handle"`
	SessionID       string    `json:"sessionId"`
	IntervalMinutes int       `json:"intervalMinutes"`
	Target          string    `json:"target"`
	CreatedAt       time.Time `json:"createdAt"`
	NextFireAt      time.Time `json:"nextFireAt"`
}

func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}
