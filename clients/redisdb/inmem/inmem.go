// Package inmem provides an in-memory implementation of redisdb.Client for
// tests and local tooling. TTLs are honored against an injectable clock so
// expiry behavior is testable without waiting.
package inmem

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

type (
	// Client is an in-memory redisdb.Client. Safe for concurrent use.
	Client struct {
		mu      sync.RWMutex
		strings map[string]entry
		lists   map[string][]string
		zsets   map[string]map[string]float64
		now     func() time.Time
	}

	entry struct {
		value     string
		expiresAt time.Time // zero means no expiry
	}
)

// New returns an empty in-memory client using the wall clock.
func New() *Client {
	return &Client{
		strings: make(map[string]entry),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for TTL expiry (tests only).
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Client) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.strings[key]
	if !ok || c.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = c.entryFor(value, ttl)
	return nil
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.strings[key]; ok && !c.expired(e) {
		return false, nil
	}
	c.strings[key] = c.entryFor(value, ttl)
	return true, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.strings[key]; ok && !c.expired(e) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	prev := c.strings[key]
	c.strings[key] = entry{value: strconv.FormatInt(n, 10), expiresAt: prev.expiresAt}
	return n, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.strings[key]; ok && !c.expired(e) {
		e.expiresAt = c.now().Add(ttl)
		c.strings[key] = e
	}
	return nil
}

func (c *Client) RPush(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append(c.lists[key], value)
	return nil
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, list[start:stop+1]...)
	return out, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (c *Client) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := c.sortedMembers(ctx, key, true)
	if err != nil {
		return nil, err
	}
	return sliceRange(members, start, stop), nil
}

func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := c.sortedMembers(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return sliceRange(members, start, stop), nil
}

func (c *Client) ZRangeByScoreBelow(ctx context.Context, key string, max float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	type scored struct {
		member string
		score  float64
	}
	var out []scored
	for m, s := range c.zsets[key] {
		if s <= max {
			out = append(out, scored{member: m, score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score < out[j].score })
	members := make([]string, len(out))
	for i, s := range out {
		members[i] = s.member
	}
	return members, nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		delete(c.zsets[key], m)
	}
	return nil
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.zsets[key])), nil
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for k, e := range c.strings {
		if c.expired(e) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	for k := range c.lists {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.strings[k]; ok {
			delete(c.strings, k)
			n++
			continue
		}
		if _, ok := c.lists[k]; ok {
			delete(c.lists, k)
			n++
			continue
		}
		if _, ok := c.zsets[k]; ok {
			delete(c.zsets, k)
			n++
		}
	}
	return n, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) entryFor(value string, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

func (c *Client) sortedMembers(ctx context.Context, key string, descending bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	z := c.zsets[key]
	type scored struct {
		member string
		score  float64
	}
	out := make([]scored, 0, len(z))
	for m, s := range z {
		out = append(out, scored{member: m, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].member < out[j].member
		}
		if descending {
			return out[i].score > out[j].score
		}
		return out[i].score < out[j].score
	})
	members := make([]string, len(out))
	for i, s := range out {
		members[i] = s.member
	}
	return members, nil
}

func sliceRange(members []string, start, stop int64) []string {
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil
	}
	return members[start : stop+1]
}
