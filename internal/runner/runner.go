package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type TickFunc func(ctx context.Context, sessionID string)

// Runner is the in-process trigger used when no external scheduler is
// configured: one gocron duration job per session id.
type Runner struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]uuid.UUID
	tick      TickFunc
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(tick TickFunc) (*Runner, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create local scheduler: %w", err)
	}
	scheduler.Start()

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		scheduler: scheduler,
		jobs:      make(map[string]uuid.UUID),
		tick:      tick,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start registers a repeating job for sessionID. It returns false without
// changing anything when the session already has one.
func (r *Runner) Start(sessionID string, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("interval must be positive, got %s", interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[sessionID]; exists {
		return false, nil
	}

	job, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			r.tick(r.ctx, sessionID)
		}),
		gocron.WithName("tick:"+sessionID),
		gocron.WithTags(sessionID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return false, fmt.Errorf("schedule local tick for %s: %w", sessionID, err)
	}

	r.jobs[sessionID] = job.ID()
	log.Info().Str("session_id", sessionID).Dur("interval", interval).Msg("[LocalRunner] Started")
	return true, nil
}

func (r *Runner) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobID, exists := r.jobs[sessionID]
	if !exists {
		return false
	}
	delete(r.jobs, sessionID)

	if err := r.scheduler.RemoveJob(jobID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("[LocalRunner] Remove job failed")
	}
	log.Info().Str("session_id", sessionID).Msg("[LocalRunner] Stopped")
	return true
}

func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.jobs[sessionID]
	return exists
}

func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.jobs)
}

func (r *Runner) Shutdown() error {
	r.mu.Lock()
	r.jobs = make(map[string]uuid.UUID)
	r.mu.Unlock()

	r.cancel()
	return r.scheduler.Shutdown()
}
