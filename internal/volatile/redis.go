package volatile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOperationTimeout = 250 * time.Millisecond

// windowReserveScript purges, counts and conditionally inserts in a single
// atomic step. Scores and the window span are in milliseconds.
var windowReserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset = 0
	if oldest[2] then
		reset = window - (now - tonumber(oldest[2]))
		if reset < 0 then reset = 0 end
	end
	return {0, count, reset}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisStoreConfig describes the dependencies of the Redis-backed tier.
type RedisStoreConfig struct {
	Client  *redis.Client
	Clock   func() time.Time
	Timeout time.Duration
}

// RedisStore implements Store on a Redis instance. Window entry sets live in
// sorted sets keyed by attempt time; cooldown markers are plain keys with a
// TTL; cached views are JSON strings.
type RedisStore struct {
	client  *redis.Client
	clock   func() time.Time
	timeout time.Duration
}

// NewRedisStore constructs the Redis-backed volatile tier.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("volatile: redis client is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &RedisStore{client: cfg.Client, clock: clock, timeout: timeout}, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// WindowReserve implements Store using a Lua script so purge, count and insert
// execute atomically on the Redis side.
func (s *RedisStore) WindowReserve(ctx context.Context, submitterID int64, window time.Duration, limit int) (WindowStatus, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clock().UTC()
	member := fmt.Sprintf("%d", now.UnixNano())
	raw, err := windowReserveScript.Run(opCtx, s.client,
		[]string{WindowKey(submitterID)},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		return WindowStatus{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return WindowStatus{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, raw)
	}
	reserved, _ := reply[0].(int64)
	count, _ := reply[1].(int64)
	resetMillis, _ := reply[2].(int64)

	return WindowStatus{
		Reserved: reserved == 1,
		Count:    count,
		ResetIn:  time.Duration(resetMillis) * time.Millisecond,
	}, nil
}

// WindowRelease drops the newest entry for the submitter.
func (s *RedisStore) WindowRelease(ctx context.Context, submitterID int64) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZRemRangeByRank(opCtx, WindowKey(submitterID), -1, -1).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetFlag implements Store.
func (s *RedisStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(opCtx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FlagTTL implements Store. Absent keys report a zero duration.
func (s *RedisStore) FlagTTL(ctx context.Context, key string) (time.Duration, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl, err := s.client.TTL(opCtx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// GetJSON implements Store.
func (s *RedisStore) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := s.client.Get(opCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		// A malformed cached value is treated as a miss; it will be rewritten.
		return false, nil
	}
	return true, nil
}

// PutJSON implements Store.
func (s *RedisStore) PutJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(opCtx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(opCtx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
