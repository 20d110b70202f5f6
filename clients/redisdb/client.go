// Package redisdb provides a narrow Redis command contract for the
// orchestration core. Components depend on the Client interface rather than a
// concrete driver so units remain testable without Redis; production wiring
// uses the go-redis backed implementation from New.
package redisdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Client exposes exactly the Redis commands the core uses. All components
	// (blackboard, task store, query cache, barriers) share one Client.
	//
	// Read operations report absence via a boolean or an empty slice; they never
	// fabricate defaults. Implementations must be safe for concurrent use.
	Client interface {
		// Get returns the string value at key. found is false when the key does
		// not exist.
		Get(ctx context.Context, key string) (value string, found bool, err error)
		// Set writes value at key with the given TTL. A zero TTL means no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// SetNX writes value at key only if the key does not exist. Returns true
		// when the write happened.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Incr atomically increments the integer at key and returns the new value.
		Incr(ctx context.Context, key string) (int64, error)
		// Expire sets the TTL on an existing key.
		Expire(ctx context.Context, key string, ttl time.Duration) error
		// RPush appends value to the list at key.
		RPush(ctx context.Context, key, value string) error
		// LRange returns list elements in [start, stop] (inclusive, -1 is last).
		LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// ZAdd adds member with score to the sorted set at key.
		ZAdd(ctx context.Context, key string, score float64, member string) error
		// ZRevRange returns members in [start, stop] ordered by descending score.
		ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// ZRange returns members in [start, stop] ordered by ascending score.
		ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// ZRangeByScoreBelow returns members whose score is at most max.
		ZRangeByScoreBelow(ctx context.Context, key string, max float64) ([]string, error)
		// ZRem removes members from the sorted set at key.
		ZRem(ctx context.Context, key string, members ...string) error
		// ZCard returns the cardinality of the sorted set at key.
		ZCard(ctx context.Context, key string) (int64, error)
		// Keys returns the keys matching pattern. Bounded use only: the core
		// scans cache metadata (≤100 candidates consumed) and purge sweeps.
		Keys(ctx context.Context, pattern string) ([]string, error)
		// Del removes keys and returns the number deleted.
		Del(ctx context.Context, keys ...string) (int64, error)
		// Ping verifies connectivity.
		Ping(ctx context.Context) error
		// Close releases the connection.
		Close() error
	}

	// Options configures the go-redis backed client.
	Options struct {
		// Redis is the connection to wrap. Required.
		Redis *redis.Client
	}

	client struct {
		rdb *redis.Client
	}
)

// New wraps a go-redis connection in the Client contract.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{rdb: opts.Redis}, nil
}

func (c *client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (c *client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (c *client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	return n, nil
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %q: %w", key, err)
	}
	return nil
}

func (c *client) RPush(ctx context.Context, key, value string) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis rpush %q: %w", key, err)
	}
	return nil
}

func (c *client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", key, err)
	}
	return vals, nil
}

func (c *client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %q: %w", key, err)
	}
	return nil
}

func (c *client) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %q: %w", key, err)
	}
	return vals, nil
}

func (c *client) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange %q: %w", key, err)
	}
	return vals, nil
}

func (c *client) ZRangeByScoreBelow(ctx context.Context, key string, max float64) ([]string, error) {
	vals, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %q: %w", key, err)
	}
	return vals, nil
}

func (c *client) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis zrem %q: %w", key, err)
	}
	return nil
}

func (c *client) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %q: %w", key, err)
	}
	return n, nil
}

func (c *client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %q: %w", pattern, err)
	}
	return keys, nil
}

func (c *client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

func (c *client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *client) Close() error {
	return c.rdb.Close()
}
