package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the durable Store. The first increment of a caller's day sets
// a 24h expiry so keys self-clean without a sweep job.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func redisKey(caller, day string) string {
	return "quota:" + caller + ":" + day
}

func (s *RedisStore) Usage(ctx context.Context, caller, day string) (int, error) {
	n, err := s.client.Get(ctx, redisKey(caller, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) Increment(ctx context.Context, caller, day string) (int, error) {
	k := redisKey(caller, day)

	n, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}

	if n == 1 {
		// New day for this caller: let the key expire on its own.
		if err := s.client.Expire(ctx, k, 24*time.Hour).Err(); err != nil {
			return int(n), err
		}
	}

	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
