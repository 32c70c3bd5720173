package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func NewRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func groupName(stream string) string {
	return stream + ":group"
}

func failedListName(stream string) string {
	return stream + ":failed"
}

type RedisProducer struct {
	client       *redis.Client
	streamName   string
	ensureMu     sync.Mutex
	queueEnsured bool
}

func NewRedisProducer(addr, streamName string) (*RedisProducer, error) {
	client, err := NewRedisClient(addr)
	if err != nil {
		return nil, err
	}
	return &RedisProducer{client: client, streamName: streamName}, nil
}

func (p *RedisProducer) EnqueueTick(ctx context.Context, job TickJob) error {
	if err := p.ensureStreamQueue(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		Values: map[string]any{
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue tick job: %w", err)
	}
	return nil
}

func (p *RedisProducer) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{}

	depth, err := p.client.XLen(ctx, p.streamName).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("stream depth: %w", err)
	}
	stats.StreamDepth = depth

	pending, err := p.client.XPending(ctx, p.streamName, groupName(p.streamName)).Result()
	switch {
	case err == nil:
		stats.Pending = pending.Count
	case isMissingGroup(err):
	default:
		return QueueStats{}, fmt.Errorf("stream pending: %w", err)
	}

	failed, err := p.client.LLen(ctx, failedListName(p.streamName)).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed depth: %w", err)
	}
	stats.FailedDepth = failed

	return stats, nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}

func (p *RedisProducer) ensureStreamQueue(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.queueEnsured {
		return nil
	}

	queueType, err := p.client.Type(ctx, p.streamName).Result()
	if err != nil {
		return fmt.Errorf("ensure tick queue stream: %w", err)
	}
	if queueType != "none" && queueType != "stream" {
		return fmt.Errorf("ensure tick queue stream: unsupported redis key type=%s", queueType)
	}

	p.queueEnsured = true
	return nil
}

type Delivery struct {
	ID  string
	Job TickJob
}

// RedisConsumer reads tick jobs through a consumer group so a job that was
// read but not acknowledged stays pending.
type RedisConsumer struct {
	client       *redis.Client
	streamName   string
	consumerName string
	groupMu      sync.Mutex
	groupReady   bool
}

func NewRedisConsumer(addr, streamName, consumerName string) (*RedisConsumer, error) {
	client, err := NewRedisClient(addr)
	if err != nil {
		return nil, err
	}
	return &RedisConsumer{client: client, streamName: streamName, consumerName: consumerName}, nil
}

func (c *RedisConsumer) Read(ctx context.Context, count int64, block time.Duration) ([]Delivery, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName(c.streamName),
		Consumer: c.consumerName,
		Streams:  []string{c.streamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if isMissingGroup(err) {
		c.forgetGroup()
	}
	if err != nil {
		return nil, fmt.Errorf("read tick jobs: %w", err)
	}

	deliveries := make([]Delivery, 0)
	for _, stream := range streams {
		for _, message := range stream.Messages {
			raw, _ := message.Values["payload"].(string)
			job := TickJob{}
			if err := json.Unmarshal([]byte(raw), &job); err != nil || strings.TrimSpace(job.SessionID) == "" {
				if failErr := c.fail(ctx, message.ID, raw, "unprocessable tick payload"); failErr != nil {
					return deliveries, failErr
				}
				log.Warn().Str("message_id", message.ID).Msg("[TickQueue] Dropped unprocessable payload")
				continue
			}
			deliveries = append(deliveries, Delivery{ID: message.ID, Job: job})
		}
	}
	return deliveries, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.streamName, groupName(c.streamName), id).Err(); err != nil {
		return fmt.Errorf("ack tick job %s: %w", id, err)
	}
	return nil
}

func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

func (c *RedisConsumer) fail(ctx context.Context, id, payload, reason string) error {
	entry, err := json.Marshal(map[string]any{
		"failedAt": time.Now().UTC().Format(time.RFC3339),
		"error":    reason,
		"payload":  payload,
	})
	if err != nil {
		return err
	}
	if err := c.client.LPush(ctx, failedListName(c.streamName), string(entry)).Err(); err != nil {
		return fmt.Errorf("record failed tick job: %w", err)
	}
	return c.Ack(ctx, id)
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.groupReady {
		return nil
	}

	err := c.client.XGroupCreateMkStream(ctx, c.streamName, groupName(c.streamName), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create tick consumer group: %w", err)
	}
	c.groupReady = true
	return nil
}

// forgetGroup makes the next Read recreate the group, e.g. after the stream
// key was deleted or flushed.
func (c *RedisConsumer) forgetGroup() {
	c.groupMu.Lock()
	c.groupReady = false
	c.groupMu.Unlock()
}

func isMissingGroup(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "nogroup") || strings.Contains(message, "no such key")
}
