package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/mailroom/internal/llm"
)

const redisKeyPrefix = "mailroom:chat:"

// RedisStore keeps each thread as a JSON string under its own key.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to the redis:// URL. A zero ttl keeps
// threads forever; otherwise every Put refreshes the expiry.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opt), ttl: ttl}, nil
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, id string) ([]llm.Message, bool, error) {
	data, err := s.rdb.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get thread %s: %w", id, err)
	}

	messages, err := decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("thread %s: %w", id, err)
	}
	return messages, true, nil
}

// Put implements [Store].
func (s *RedisStore) Put(ctx context.Context, id string, messages []llm.Message) error {
	data, err := encode(messages)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put thread %s: %w", id, err)
	}
	return nil
}

// Ping implements [Store].
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements [Store].
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
