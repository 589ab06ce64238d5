package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript prunes entries older than the window, counts what remains and
// records the current attempt only when the count is under the limit, in one
// atomic unit. It returns the pre-insert count; rejected attempts leave the
// window untouched. Scores and window bounds are unix milliseconds; members
// carry a random suffix so concurrent attempts in the same millisecond remain
// distinct.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, window_start - 1)
local count = redis.call('ZCOUNT', key, window_start, '+inf')
if count < limit then
	redis.call('ZADD', key, now, member)
end
return count
`)

// RedisStore implements Store on a shared Redis instance. It is the only
// implementation valid for multi-instance deployments: the Lua script above
// and SET NX give true atomicity across processes.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds connection settings for the admission store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// AdmitIntoWindow implements Store.
func (s *RedisStore) AdmitIntoWindow(ctx context.Context, key string, now, windowStart time.Time, limit int64) (int64, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	res, err := admitScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), windowStart.UnixMilli(), limit, member).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	return count, nil
}

// OldestInWindow implements Store.
func (s *RedisStore) OldestInWindow(ctx context.Context, key string, windowStart time.Time) (time.Time, bool, error) {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   strconv.FormatInt(windowStart.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(entries[0].Score)), true, nil
}

// SetExpiry implements Store.
func (s *RedisStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InsertUnique implements Store via SET NX.
func (s *RedisStore) InsertUnique(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	inserted, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return inserted, nil
}
