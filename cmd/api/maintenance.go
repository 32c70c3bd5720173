package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"releasewatch/services/monitor/internal/queue"
)

const (
	tickReadCount = 10
	tickReadBlock = 5 * time.Second
	tickTimeout   = 2 * time.Minute
)

type tickConsumer interface {
	Read(ctx context.Context, count int64, block time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, id string) error
}

type tickFunc func(ctx context.Context, sessionID string)

func startTickConsumer(ctx context.Context, consumer tickConsumer, tick tickFunc) {
	if consumer == nil {
		return
	}
	go runTickConsumerLoop(ctx, consumer, tick)
}

// runTickConsumerLoop acknowledges every job once its tick returned. A tick
// that failed is not retried from the queue; the next fire covers its window.
func runTickConsumerLoop(ctx context.Context, consumer tickConsumer, tick tickFunc) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := runTickConsumeCycle(ctx, consumer, tick); err != nil {
			log.Error().Err(err).Msg("[TickQueue] Consume cycle failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func runTickConsumeCycle(ctx context.Context, consumer tickConsumer, tick tickFunc) error {
	deliveries, err := consumer.Read(ctx, tickReadCount, tickReadBlock)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	for _, delivery := range deliveries {
		tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
		tick(tickCtx, delivery.Job.SessionID)
		cancel()

		if err := consumer.Ack(ctx, delivery.ID); err != nil {
			log.Warn().Err(err).Str("message_id", delivery.ID).Msg("[TickQueue] Ack failed")
			continue
		}
		log.Debug().
			Str("session_id", delivery.Job.SessionID).
			Str("schedule_handle", delivery.Job.ScheduleHandle).
			Time("fired_at", delivery.Job.FiredAt).
			Msg("[TickQueue] Tick job handled")
	}
	return nil
}
