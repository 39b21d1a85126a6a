package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "sitevoice:presence:"

// RedisStore implements Store with one expiring key per instance.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: defaultKeyPrefix, ttl: ttl}, nil
}

// NewRedisStoreFromURL parses a redis:// URL, checks connectivity and returns a store.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, ttl)
}

func (s *RedisStore) Publish(ctx context.Context, instanceID string, panels int) error {
	return s.client.Set(ctx, s.key(instanceID), panels, s.ttl).Err()
}

func (s *RedisStore) Remove(ctx context.Context, instanceID string) error {
	return s.client.Del(ctx, s.key(instanceID)).Err()
}

// Total sums the counts of every live instance key.
func (s *RedisStore) Total(ctx context.Context) (int, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("read presence keys: %w", err)
	}
	total := 0
	for _, v := range vals {
		// Keys can expire between SCAN and MGET.
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(instanceID string) string {
	return s.prefix + instanceID
}
