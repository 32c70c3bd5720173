package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// cancelScript drops the schedule hash and its due entry, and clears the
// session index only while it still points at this handle.
var cancelScript = redis.NewScript(`
local sessionId = redis.call('HGET', KEYS[1], 'sessionId')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if sessionId then
  local indexKey = ARGV[2] .. sessionId
  if redis.call('GET', indexKey) == ARGV[1] then
    redis.call('DEL', indexKey)
  end
end
return 1
`)

type RedisScheduler struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisScheduler(client *redis.Client, prefix string) *RedisScheduler {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "releasewatch"
	}
	return &RedisScheduler{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisScheduler) scheduleKey(handle string) string {
	return s.prefix + ":schedule:" + handle
}

func (s *RedisScheduler) dueKey() string {
	return s.prefix + ":due"
}

func (s *RedisScheduler) sessionKeyPrefix() string {
	return s.prefix + ":session:"
}

func (s *RedisScheduler) RegisterRecurring(
	ctx context.Context,
	sessionID string,
	intervalMinutes int,
	callbackTarget string,
) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || intervalMinutes <= 0 {
		return "", fmt.Errorf("%w: session=%q interval=%d", ErrInvalidRequest, sessionID, intervalMinutes)
	}

	previous, err := s.SessionHandle(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if previous != "" {
		if err := s.Cancel(ctx, previous); err != nil {
			return "", fmt.Errorf("cancel previous schedule %s: %w", previous, err)
		}
	}

	now := s.now()
	handle := "sch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	nextFireAt := now.Add(time.Duration(intervalMinutes) * time.Minute)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.scheduleKey(handle), map[string]any{
			"sessionId":       sessionID,
			"intervalMinutes": intervalMinutes,
			"target":          callbackTarget,
			"createdAt":       now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(nextFireAt.Unix()), Member: handle})
		pipe.Set(ctx, s.sessionKeyPrefix()+sessionID, handle, 0)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("register schedule: %w", err)
	}
	return handle, nil
}

// Cancel is idempotent; unknown handles are a no-op.
func (s *RedisScheduler) Cancel(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil
	}

	err := cancelScript.Run(
		ctx,
		s.client,
		[]string{s.scheduleKey(handle), s.dueKey()},
		handle,
		s.sessionKeyPrefix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cancel schedule %s: %w", handle, err)
	}
	return nil
}

func (s *RedisScheduler) SessionHandle(ctx context.Context, sessionID string) (string, error) {
	handle, err := s.client.Get(ctx, s.sessionKeyPrefix()+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session schedule: %w", err)
	}
	return handle, nil
}

func (s *RedisScheduler) Get(ctx context.Context, handle string) (Schedule, error) {
	values, err := s.client.HGetAll(ctx, s.scheduleKey(handle)).Result()
	if err != nil {
		return Schedule{}, fmt.Errorf("load schedule %s: %w", handle, err)
	}
	if len(values) == 0 {
		return Schedule{}, ErrNotFound
	}

	schedule := parseSchedule(handle, values)
	score, err := s.client.ZScore(ctx, s.dueKey(), handle).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Schedule{}, fmt.Errorf("load schedule score %s: %w", handle, err)
	}
	if err == nil {
		schedule.NextFireAt = time.Unix(int64(score), 0).UTC()
	}
	return schedule, nil
}

// Due returns schedules whose next fire time is at or before now.
func (s *RedisScheduler) Due(ctx context.Context, now time.Time, limit int64) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}

	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}

	schedules := make([]Schedule, 0, len(entries))
	for _, entry := range entries {
		handle, _ := entry.Member.(string)
		values, err := s.client.HGetAll(ctx, s.scheduleKey(handle)).Result()
		if err != nil {
			return nil, fmt.Errorf("load due schedule %s: %w", handle, err)
		}
		if len(values) == 0 {
			_ = s.client.ZRem(ctx, s.dueKey(), handle).Err()
			continue
		}
		schedule := parseSchedule(handle, values)
		schedule.NextFireAt = time.Unix(int64(entry.Score), 0).UTC()
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// Reschedule moves an existing schedule's next fire time. A schedule that was
// cancelled meanwhile is not recreated.
func (s *RedisScheduler) Reschedule(ctx context.Context, handle string, next time.Time) error {
	err := s.client.ZAddXX(ctx, s.dueKey(), redis.Z{Score: float64(next.Unix()), Member: handle}).Err()
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", handle, err)
	}
	return nil
}

func (s *RedisScheduler) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.dueKey()).Result()
}

func parseSchedule(handle string, values map[string]string) Schedule {
	interval, _ := strconv.Atoi(values["intervalMinutes"])
	createdAt, _ := time.Parse(time.RFC3339Nano, values["createdAt"])
	return Schedule{
		Handle:          handle,
		SessionID:       values["sessionId"],
		IntervalMinutes: interval,
		Target:          values["target"],
		CreatedAt:       createdAt,
	}
}
