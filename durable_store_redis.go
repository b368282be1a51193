package submq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisDurableStore implements DurableStore.
var _ DurableStore = (*RedisDurableStore)(nil)

// RedisDurableStore implements DurableStore on top of a Redis hash per
// filter and a Redis set per client's durable-filter ownership list.
//
// Writes and deletes are dispatched in a background goroutine and reported
// through the returned Future; reads complete synchronously, since
// cold-start reload and SearchSubscribers need the data immediately.
type RedisDurableStore struct {
	rdb    *redis.Client
	config *redisStoreConfig
}

type redisStoreConfig struct {
	keyPrefix string
}

// RedisStoreOption configures a RedisDurableStore.
type RedisStoreOption func(*redisStoreConfig)

// WithKeyPrefix namespaces every key this store touches, useful when several
// brokers or environments share one Redis instance.
//
// Example:
//
//	store := submq.NewRedisDurableStore(rdb, submq.WithKeyPrefix("prod:"))
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.keyPrefix = prefix
	}
}

// NewRedisDurableStore wraps an already-connected go-redis client.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := submq.NewRedisDurableStore(rdb)
//	svc, err := submq.NewSubscriptionService(submq.Config{DurableStore: store})
func NewRedisDurableStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisDurableStore {
	cfg := &redisStoreConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &RedisDurableStore{rdb: rdb, config: cfg}
}

func (s *RedisDurableStore) key(k string) string {
	return s.config.keyPrefix + k
}

// HashPut issues HSET in a background goroutine.
func (s *RedisDurableStore) HashPut(ctx context.Context, key, field, value string) Future {
	f := newFuture()
	go func() {
		err := s.rdb.HSet(ctx, s.key(key), field, value).Err()
		f.complete(wrapRedisErr("HSET", err))
	}()
	return f
}

// HashRemove issues HDEL in a background goroutine.
func (s *RedisDurableStore) HashRemove(ctx context.Context, key, field string) Future {
	f := newFuture()
	go func() {
		err := s.rdb.HDel(ctx, s.key(key), field).Err()
		f.complete(wrapRedisErr("HDEL", err))
	}()
	return f
}

// HashEntries issues HGETALL synchronously.
func (s *RedisDurableStore) HashEntries(ctx context.Context, key string) (map[string]string, error) {
	entries, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, wrapRedisErr("HGETALL", err)
	}
	return entries, nil
}

// SetAdd issues SADD in a background goroutine.
func (s *RedisDurableStore) SetAdd(ctx context.Context, key, member string) Future {
	f := newFuture()
	go func() {
		err := s.rdb.SAdd(ctx, s.key(key), member).Err()
		f.complete(wrapRedisErr("SADD", err))
	}()
	return f
}

// SetRemove issues SREM in a background goroutine.
func (s *RedisDurableStore) SetRemove(ctx context.Context, key string, members ...string) Future {
	f := newFuture()
	go func() {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		err := s.rdb.SRem(ctx, s.key(key), args...).Err()
		f.complete(wrapRedisErr("SREM", err))
	}()
	return f
}

// SetMembers issues SMEMBERS synchronously.
func (s *RedisDurableStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, wrapRedisErr("SMEMBERS", err)
	}
	return members, nil
}

// Delete issues DEL in a background goroutine.
func (s *RedisDurableStore) Delete(ctx context.Context, key string) Future {
	f := newFuture()
	go func() {
		err := s.rdb.Del(ctx, s.key(key)).Err()
		f.complete(wrapRedisErr("DEL", err))
	}()
	return f
}

func wrapRedisErr(op string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return &DurableStoreError{Op: op, Parent: fmt.Errorf("%w", err)}
}
