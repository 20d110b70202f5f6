// Package querycache deduplicates near-identical queries. Lookup tries an
// exact digest of the query bytes first, then falls back to a bounded scan of
// stored token sets compared by Jaccard similarity.
package querycache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/orcaresearch/orca/clients/redisdb"
)

// Matching parameters.
const (
	// SimilarityThreshold is the minimum Jaccard score for a similar hit.
	SimilarityThreshold = 0.80
	// MaxCandidates bounds how many stored metadata entries one lookup scans.
	MaxCandidates = 100
	// DefaultTTL is the retention for cached documents and their metadata.
	DefaultTTL = 24 * time.Hour
)

const keyPrefix = "cache:query:"

type (
	// Cache is the similarity-aware result cache.
	Cache struct {
		db  redisdb.Client
		ttl time.Duration
		now func() time.Time
	}

	// Hit describes a successful lookup.
	Hit struct {
		Document    json.RawMessage
		SourceQuery string
		Similarity  float64
		Exact       bool
	}

	// Option configures a Cache.
	Option func(*Cache)

	metaRecord struct {
		Query     string    `json:"query"`
		Tokens    []string  `json:"tokens"`
		ResultKey string    `json:"result_key"`
		CreatedAt time.Time `json:"created_at"`
	}
)

// WithTTL overrides the cache entry retention.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock overrides the cache clock (tests only).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over the given store.
func New(db redisdb.Client, opts ...Option) (*Cache, error) {
	if db == nil {
		return nil, errors.New("store client is required")
	}
	c := &Cache{db: db, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Lookup returns the cached document for query, if any. Exact digest match is
// tried first; similarity only runs when the query yields a non-empty token
// set. found is false on a miss.
func (c *Cache) Lookup(ctx context.Context, query string) (*Hit, bool, error) {
	raw, found, err := c.db.Get(ctx, documentKey(query))
	if err != nil {
		return nil, false, err
	}
	if found {
		return &Hit{Document: json.RawMessage(raw), SourceQuery: query, Similarity: 1, Exact: true}, true, nil
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, false, nil
	}
	return c.lookupSimilar(ctx, tokens)
}

func (c *Cache) lookupSimilar(ctx context.Context, tokens []string) (*Hit, bool, error) {
	keys, err := c.db.Keys(ctx, keyPrefix+"*:meta")
	if err != nil {
		return nil, false, err
	}
	if len(keys) > MaxCandidates {
		keys = keys[:MaxCandidates]
	}
	type candidate struct {
		meta  metaRecord
		score float64
	}
	var candidates []candidate
	for _, key := range keys {
		raw, found, err := c.db.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		var m metaRecord
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		score := jaccard(tokens, m.Tokens)
		if score >= SimilarityThreshold {
			candidates = append(candidates, candidate{meta: m, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].meta.CreatedAt.After(candidates[j].meta.CreatedAt)
	})
	for _, cand := range candidates {
		raw, found, err := c.db.Get(ctx, cand.meta.ResultKey)
		if err != nil {
			return nil, false, err
		}
		if !found {
			// Metadata outlived its document; skip, never fail.
			continue
		}
		return &Hit{Document: json.RawMessage(raw), SourceQuery: cand.meta.Query, Similarity: cand.score}, true, nil
	}
	return nil, false, nil
}

// Store caches the rendered document for query, writing the document and its
// similarity metadata side by side under a shared TTL.
func (c *Cache) Store(ctx context.Context, query string, doc json.RawMessage) error {
	docKey := documentKey(query)
	if err := c.db.Set(ctx, docKey, string(doc), c.ttl); err != nil {
		return err
	}
	m := metaRecord{
		Query:     query,
		Tokens:    Tokenize(query),
		ResultKey: docKey,
		CreatedAt: c.now(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal cache meta: %w", err)
	}
	return c.db.Set(ctx, docKey+":meta", string(raw), c.ttl)
}

func documentKey(query string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(query)))
	return keyPrefix + hex.EncodeToString(sum[:])
}
