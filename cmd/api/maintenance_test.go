package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"releasewatch/services/monitor/internal/queue"
)

type stubConsumer struct {
	deliveries []queue.Delivery
	readErr    error
	acked      []string
}

func (s *stubConsumer) Read(context.Context, int64, time.Duration) ([]queue.Delivery, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	deliveries := s.deliveries
	s.deliveries = nil
	return deliveries, nil
}

func (s *stubConsumer) Ack(_ context.Context, id string) error {
	s.acked = append(s.acked, id)
	return nil
}

func TestTickConsumeCycleTicksAndAcks(t *testing.T) {
	consumer := &stubConsumer{deliveries: []queue.Delivery{
		{ID: "1-0", Job: queue.TickJob{SessionID: "mon_a"}},
		{ID: "2-0", Job: queue.TickJob{SessionID: "mon_b"}},
	}}
	ticked := []string{}

	err := runTickConsumeCycle(context.Background(), consumer, func(_ context.Context, sessionID string) {
		ticked = append(ticked, sessionID)
	})
	if err != nil {
		t.Fatalf("consume cycle failed: %v", err)
	}
	if len(ticked) != 2 || ticked[0] != "mon_a" || ticked[1] != "mon_b" {
		t.Fatalf("unexpected ticked sessions %v", ticked)
	}
	if len(consumer.acked) != 2 || consumer.acked[1] != "2-0" {
		t.Fatalf("expected both deliveries to be acked, got %v", consumer.acked)
	}
}

func TestTickConsumeCycleReportsReadErrors(t *testing.T) {
	consumer := &stubConsumer{readErr: errors.New("redis unavailable")}
	if err := runTickConsumeCycle(context.Background(), consumer, func(context.Context, string) {}); err == nil {
		t.Fatal("expected read error to be returned")
	}

	consumer.readErr = context.Canceled
	if err := runTickConsumeCycle(context.Background(), consumer, func(context.Context, string) {}); err != nil {
		t.Fatalf("expected cancellation to end the cycle quietly, got %v", err)
	}
}
