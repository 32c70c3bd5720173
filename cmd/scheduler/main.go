package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/config"
	"releasewatch/services/monitor/internal/logging"
	"releasewatch/services/monitor/internal/queue"
	"releasewatch/services/monitor/internal/scheduler"
)

const dispatchBatchSize = 100

// The scheduler process owns recurring registrations stored in Redis and
// turns each due fire into a tick job for the API consumers.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("[Config] Load failed")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := queue.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("[Scheduler] Redis unavailable")
	}
	defer client.Close()

	producer, err := queue.NewRedisProducer(cfg.RedisAddr, cfg.TickQueueName)
	if err != nil {
		log.Fatal().Err(err).Msg("[TickQueue] Producer unavailable")
	}
	defer producer.Close()

	registry := scheduler.NewRedisScheduler(client, cfg.ScheduleKeyPrefix)
	if count, err := registry.Count(ctx); err == nil {
		log.Info().Int64("schedules", count).Dur("poll", cfg.DispatchPoll).Msg("[Scheduler] Dispatcher starting")
	}

	scheduler.NewDispatcher(registry, producer, dispatchBatchSize).Run(ctx, cfg.DispatchPoll)
	log.Info().Msg("[Scheduler] Dispatcher stopped")
}
