package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/logging"
)

// RedisStore implements Store on a Redis server. Connection failures map to
// STORE_UNAVAILABLE so callers can degrade to cache-miss behavior.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at url (redis:// form).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeStoreUnavailable, err, "invalid redis url %q", url)
	}
	client := redis.NewClient(opts)
	return &RedisStore{client: client}, nil
}

func wrapRedis(err error, op string) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return kairoserr.Wrap(kairoserr.CodeStoreUnavailable, err, "redis %s failed", op)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedis(err, "get")
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapRedis(s.client.Set(ctx, key, value, ttl).Err(), "set")
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapRedis(s.client.Del(ctx, keys...).Err(), "del")
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedis(err, "hget")
	}
	return val, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return wrapRedis(s.client.HSet(ctx, key, field, value).Err(), "hset")
}

func (s *RedisStore) HIncr(ctx context.Context, key, field string) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, 1).Result()
	if err != nil {
		return 0, wrapRedis(err, "hincrby")
	}
	return n, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapRedis(err, "hgetall")
	}
	return m, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapRedis(err, "incr")
	}
	return n, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedis(err, "scan")
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, msg string) error {
	return wrapRedis(s.client.Publish(ctx, channel, msg).Err(), "publish")
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so callers do not miss
	// messages published immediately after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrapRedis(err, "subscribe")
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			default:
				logging.Get(logging.CategoryKV).Warn("dropping pub/sub message on %s: subscriber slow", channel)
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapRedis(s.client.Ping(ctx).Err(), "ping")
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
