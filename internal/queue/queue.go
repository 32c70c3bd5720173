package queue

import (
	"context"
	"time"
)

// TickJob asks the monitor service to run one tick for a session.
type TickJob struct {
	SessionID      string    `json:"sessionId"`
	ScheduleHandle string    `json:"scheduleHandle"`
	Target         string    `json:"target"`
	FiredAt        time.Time `json:"firedAt"`
}

type Producer interface {
	EnqueueTick(ctx context.Context, job TickJob) error
	Close() error
}

type StatsProvider interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

type QueueStats struct {
	StreamDepth int64 `json:"streamDepth"`
	Pending     int64 `json:"pending"`
	FailedDepth int64 `json:"failedDepth"`
}
