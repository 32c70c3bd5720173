package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/queue"
)

// Dispatcher fires due schedules into the tick queue and pushes each one to
// its next slot. Fires missed while the dispatcher was down collapse into one.
type Dispatcher struct {
	scheduler *RedisScheduler
	producer  queue.Producer
	batchSize int64
	now       func() time.Time
}

func NewDispatcher(scheduler *RedisScheduler, producer queue.Producer, batchSize int64) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		scheduler: scheduler,
		producer:  producer,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()
	due, err := d.scheduler.Due(ctx, now, d.batchSize)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, schedule := range due {
		job := queue.TickJob{
			SessionID:      schedule.SessionID,
			ScheduleHandle: schedule.Handle,
			Target:         schedule.Target,
			FiredAt:        now,
		}
		if err := d.producer.EnqueueTick(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("fire %s: %w", schedule.Handle, err))
			continue
		}
		if err := d.scheduler.Reschedule(ctx, schedule.Handle, now.Add(schedule.Interval())); err != nil {
			errs = append(errs, err)
			continue
		}
		fired++
	}

	return fired, errors.Join(errs...)
}

func (d *Dispatcher) Run(ctx context.Context, poll time.Duration) {
	d.runCycle(ctx)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fired, err := d.RunOnce(cycleCtx)
	if err != nil {
		log.Error().Err(err).Int("fired", fired).Msg("[Dispatcher] Cycle finished with errors")
		return
	}
	if fired > 0 {
		log.Info().Int("fired", fired).Msg("[Dispatcher] Fired due schedules")
	}
}
