package sessionstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps states in Redis under prefix+platform with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore initializes a Redis-backed Store.
func NewRedisStore(addr, prefix string, ttl time.Duration) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix, ttl)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "apply:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(platform string) string {
	return s.prefix + platform
}

// Set writes the state. Its TTL is the earlier of the store TTL and the state's expiry.
func (s *RedisStore) Set(ctx context.Context, st State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	ttl := s.ttl
	if !st.ExpiresAt.IsZero() {
		until := time.Until(st.ExpiresAt)
		if until <= 0 {
			return s.Delete(ctx, st.Platform)
		}
		if ttl == 0 || until < ttl {
			ttl = until
		}
	}
	if err := s.client.Set(ctx, s.key(st.Platform), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get reads the state for platform.
func (s *RedisStore) Get(ctx context.Context, platform string) (State, bool, error) {
	val, err := s.client.Get(ctx, s.key(platform)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("redis get: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return State{}, false, fmt.Errorf("unmarshal session state: %w", err)
	}
	return st, true, nil
}

// Delete removes the state for platform.
func (s *RedisStore) Delete(ctx context.Context, platform string) error {
	if err := s.client.Del(ctx, s.key(platform)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Platforms scans keys under the prefix.
func (s *RedisStore) Platforms(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
