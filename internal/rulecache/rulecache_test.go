package rulecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-social/magpie/internal/cache"
	"github.com/opensource-social/magpie/internal/domain"
)

// fakeRepo implements the rule-store side of domain.Repository.
type fakeRepo struct {
	domain.Repository

	mu      sync.Mutex
	rules   map[string][]*domain.KeywordRule
	fetches atomic.Int64
	err     error
	delay   time.Duration
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rules: make(map[string][]*domain.KeywordRule)}
}

func (f *fakeRepo) FetchActiveRules(ctx context.Context, postID string) ([]*domain.KeywordRule, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	if postID == "" || len(postID) > 128 {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidResource, postID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[postID], nil
}

func testRules(n int) []*domain.KeywordRule {
	rules := make([]*domain.KeywordRule, n)
	for i := range rules {
		rules[i] = &domain.KeywordRule{
			ID:       fmt.Sprintf("rule-%03d", i),
			PostID:   "post-001",
			Keyword:  fmt.Sprintf("keyword%d", i),
			Enabled:  true,
			Strategy: domain.StrategyContains,
			Priority: 10 - i,
		}
	}
	return rules
}

func TestRulesFor(t *testing.T) {
	ctx := context.Background()

	t.Run("MissThenHit", func(t *testing.T) {
		repo := newFakeRepo()
		repo.rules["post-001"] = testRules(3)
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		rules, cached, err := c.RulesFor(ctx, "post-001")
		if err != nil {
			t.Fatalf("RulesFor failed: %v", err)
		}
		if cached {
			t.Error("first call should be a miss")
		}
		if len(rules) != 3 {
			t.Fatalf("expected 3 rules, got %d", len(rules))
		}

		rules2, cached, err := c.RulesFor(ctx, "post-001")
		if err != nil {
			t.Fatalf("RulesFor failed: %v", err)
		}
		if !cached {
			t.Error("second call within TTL should be a hit")
		}
		if len(rules2) != len(rules) {
			t.Errorf("cached list differs: %d vs %d", len(rules2), len(rules))
		}
		for i := range rules {
			if rules2[i].ID != rules[i].ID {
				t.Errorf("rule %d: got %s, want %s", i, rules2[i].ID, rules[i].ID)
			}
		}

		if got := repo.fetches.Load(); got != 1 {
			t.Errorf("expected 1 fetch, got %d", got)
		}

		hits, misses := c.Stats()
		if hits != 1 || misses != 1 {
			t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
		}
	})

	t.Run("ExpiryRefetches", func(t *testing.T) {
		repo := newFakeRepo()
		repo.rules["post-001"] = testRules(1)
		c := New(cache.NewLRUCache(100), repo, 20*time.Millisecond)

		_, _, _ = c.RulesFor(ctx, "post-001")
		time.Sleep(30 * time.Millisecond)

		_, cached, err := c.RulesFor(ctx, "post-001")
		if err != nil {
			t.Fatalf("RulesFor failed: %v", err)
		}
		if cached {
			t.Error("expired entry should refetch")
		}
		if got := repo.fetches.Load(); got != 2 {
			t.Errorf("expected 2 fetches, got %d", got)
		}
	})

	t.Run("MalformedIDDegrades", func(t *testing.T) {
		repo := newFakeRepo()
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		longID := make([]byte, 200)
		for i := range longID {
			longID[i] = 'x'
		}

		rules, _, err := c.RulesFor(ctx, string(longID))
		if err != nil {
			t.Fatalf("malformed ID should not error: %v", err)
		}
		if len(rules) != 0 {
			t.Errorf("malformed ID should yield empty rules, got %d", len(rules))
		}
	})

	t.Run("FetchErrorPropagates", func(t *testing.T) {
		repo := newFakeRepo()
		repo.err = errors.New("store unavailable")
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		if _, _, err := c.RulesFor(ctx, "post-001"); err == nil {
			t.Error("expected fetch error to propagate")
		}
	})

	t.Run("ConcurrentMissesCollapse", func(t *testing.T) {
		repo := newFakeRepo()
		repo.rules["post-001"] = testRules(2)
		repo.delay = 30 * time.Millisecond
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rules, _, err := c.RulesFor(ctx, "post-001")
				if err != nil {
					t.Errorf("RulesFor failed: %v", err)
				}
				if len(rules) != 2 {
					t.Errorf("expected 2 rules, got %d", len(rules))
				}
			}()
		}
		wg.Wait()

		if got := repo.fetches.Load(); got != 1 {
			t.Errorf("expected concurrent misses to collapse to 1 fetch, got %d", got)
		}
	})
}

func TestRefreshAndClear(t *testing.T) {
	ctx := context.Background()

	t.Run("RefreshForcesRefetch", func(t *testing.T) {
		repo := newFakeRepo()
		repo.rules["post-001"] = testRules(1)
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		_, _, _ = c.RulesFor(ctx, "post-001")

		repo.mu.Lock()
		repo.rules["post-001"] = testRules(4)
		repo.mu.Unlock()

		if !c.Refresh(ctx, "post-001") {
			t.Fatal("Refresh should succeed")
		}

		rules, cached, _ := c.RulesFor(ctx, "post-001")
		if !cached {
			t.Error("post-refresh read should hit cache")
		}
		if len(rules) != 4 {
			t.Errorf("expected refreshed rules, got %d", len(rules))
		}
	})

	t.Run("RefreshFailureReturnsFalse", func(t *testing.T) {
		repo := newFakeRepo()
		repo.err = errors.New("store unavailable")
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		if c.Refresh(ctx, "post-001") {
			t.Error("Refresh should report failure")
		}
	})

	t.Run("ClearAllIdempotent", func(t *testing.T) {
		repo := newFakeRepo()
		repo.rules["post-001"] = testRules(1)
		c := New(cache.NewLRUCache(100), repo, time.Minute)

		_, _, _ = c.RulesFor(ctx, "post-001")

		if err := c.ClearAll(ctx); err != nil {
			t.Fatalf("ClearAll failed: %v", err)
		}
		if err := c.ClearAll(ctx); err != nil {
			t.Errorf("second ClearAll should be a no-op, got %v", err)
		}

		_, cached, _ := c.RulesFor(ctx, "post-001")
		if cached {
			t.Error("cleared entry should be a miss")
		}
	})
}
