// Package rulecache provides the TTL cache of per-post keyword rules.
package rulecache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-social/magpie/internal/domain"
)

// DefaultTTL bounds how long a cached rule list is served before a
// refetch.
const DefaultTTL = 5 * time.Minute

// entry is the serialized cache payload for one post.
type entry struct {
	Rules     []*domain.KeywordRule `json:"rules"`
	FetchedAt time.Time             `json:"fetchedAt"`
}

// inflight tracks one in-progress fetch so concurrent misses for the
// same post collapse into a single repository call.
type inflight struct {
	done  chan struct{}
	rules []*domain.KeywordRule
	err   error
}

// Cache serves each post's ordered active rule list, backed by a byte
// cache (LRU or Redis) and refreshed from the rule store on miss or
// expiry.
type Cache struct {
	store domain.Cache
	repo  domain.Repository
	ttl   time.Duration

	mu       sync.Mutex
	fetching map[string]*inflight

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a rule cache over the given byte cache and rule store.
func New(store domain.Cache, repo domain.Repository, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:    store,
		repo:     repo,
		ttl:      ttl,
		fetching: make(map[string]*inflight),
	}
}

// RulesFor returns the ordered active rules for a post. The second
// return reports whether the list came from cache. Malformed post IDs
// degrade to an empty rule list, never an error.
func (c *Cache) RulesFor(ctx context.Context, postID string) ([]*domain.KeywordRule, bool, error) {
	if cached := c.lookup(ctx, postID); cached != nil {
		c.hits.Add(1)
		return cached.Rules, true, nil
	}

	c.misses.Add(1)

	rules, err := c.fetch(ctx, postID)
	if err != nil {
		return nil, false, err
	}
	return rules, false, nil
}

// lookup returns a valid cache entry or nil.
func (c *Cache) lookup(ctx context.Context, postID string) *entry {
	data, err := c.store.Get(ctx, domain.ScopeRules, postID)
	if err != nil || data == nil {
		return nil
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt entry: drop it and refetch.
		_ = c.store.Delete(ctx, domain.ScopeRules, postID)
		return nil
	}

	if time.Since(e.FetchedAt) >= c.ttl {
		return nil
	}
	return &e
}

// fetch loads rules from the repository, collapsing concurrent misses
// for the same post into one call.
func (c *Cache) fetch(ctx context.Context, postID string) ([]*domain.KeywordRule, error) {
	c.mu.Lock()
	if f, ok := c.fetching[postID]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.rules, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &inflight{done: make(chan struct{})}
	c.fetching[postID] = f
	c.mu.Unlock()

	f.rules, f.err = c.fetchLocked(ctx, postID)

	c.mu.Lock()
	delete(c.fetching, postID)
	c.mu.Unlock()
	close(f.done)

	return f.rules, f.err
}

func (c *Cache) fetchLocked(ctx context.Context, postID string) ([]*domain.KeywordRule, error) {
	rules, err := c.repo.FetchActiveRules(ctx, postID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidResource) {
			// Matching degrades to "no rules" for malformed IDs.
			rules = nil
		} else {
			return nil, err
		}
	}

	if rules == nil {
		rules = []*domain.KeywordRule{}
	}

	data, err := json.Marshal(entry{Rules: rules, FetchedAt: time.Now()})
	if err != nil {
		return rules, nil
	}
	if err := c.store.Set(ctx, domain.ScopeRules, postID, data, c.ttl); err != nil {
		slog.Warn("failed to cache rules", "post_id", postID, "error", err)
	}

	return rules, nil
}

// Refresh force-evicts a post's entry and refetches it. Returns false
// on fetch failure, never an error.
func (c *Cache) Refresh(ctx context.Context, postID string) bool {
	if err := c.store.Delete(ctx, domain.ScopeRules, postID); err != nil {
		slog.Warn("failed to evict rules", "post_id", postID, "error", err)
		return false
	}

	if _, err := c.fetch(ctx, postID); err != nil {
		slog.Warn("failed to refresh rules", "post_id", postID, "error", err)
		return false
	}
	return true
}

// Invalidate evicts a single post's entry without refetching.
func (c *Cache) Invalidate(ctx context.Context, postID string) error {
	return c.store.Delete(ctx, domain.ScopeRules, postID)
}

// ClearAll evicts every cached rule list. Calling it on an already
// empty cache is a no-op.
func (c *Cache) ClearAll(ctx context.Context) error {
	return c.store.Flush(ctx, domain.ScopeRules)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
