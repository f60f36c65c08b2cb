package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-social/magpie/internal/bus"
	"github.com/opensource-social/magpie/internal/cache"
	"github.com/opensource-social/magpie/internal/condition"
	"github.com/opensource-social/magpie/internal/domain"
	"github.com/opensource-social/magpie/internal/engine"
	"github.com/opensource-social/magpie/internal/queue"
	"github.com/opensource-social/magpie/internal/rulecache"
)

// fakeRepo records stats updates and activities in memory.
type fakeRepo struct {
	domain.Repository

	mu         sync.Mutex
	rules      map[string][]*domain.KeywordRule
	stats      []statCall
	activities []*domain.Activity
}

type statCall struct {
	ruleID  string
	outcome domain.ResponseOutcome
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rules: make(map[string][]*domain.KeywordRule)}
}

func (f *fakeRepo) FetchActiveRules(ctx context.Context, postID string) ([]*domain.KeywordRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[postID], nil
}

func (f *fakeRepo) IncrementRuleStats(ctx context.Context, ruleID string, outcome domain.ResponseOutcome, latencyMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, statCall{ruleID, outcome})
	return nil
}

func (f *fakeRepo) RecordActivity(ctx context.Context, accountID string, activity *domain.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeRepo) activityStatuses() []domain.ActivityStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ActivityStatus, len(f.activities))
	for i, a := range f.activities {
		out[i] = a.Status
	}
	return out
}

// fakeResponder scripts delivery outcomes per response kind.
type fakeResponder struct {
	mu       sync.Mutex
	failDM   bool
	errDM    bool
	sends    []sendCall
	respLast int
}

type sendCall struct {
	kind    domain.ResponseKind
	to      string
	message string
	mode    domain.ResponseMode
}

func (f *fakeResponder) Send(ctx context.Context, kind domain.ResponseKind, recipientID string, message string, mode domain.ResponseMode) (*domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends = append(f.sends, sendCall{kind, recipientID, message, mode})

	if kind == domain.ResponseDM && f.errDM {
		return nil, errors.New("connection refused")
	}
	if kind == domain.ResponseDM && f.failDM {
		return &domain.SendResult{Success: false, ErrorCode: "user_blocked"}, nil
	}

	f.respLast++
	return &domain.SendResult{Success: true, ResponseID: fmt.Sprintf("resp-%d", f.respLast)}, nil
}

func (f *fakeResponder) sentKinds() []domain.ResponseKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ResponseKind, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.kind
	}
	return out
}

type fixture struct {
	repo      *fakeRepo
	responder *fakeResponder
	queue     *queue.Queue
	bus       *bus.ChannelBus
	worker    *Worker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	repo := newFakeRepo()
	responder := &fakeResponder{}
	store := cache.NewLRUCache(100)
	q := queue.New()
	b := bus.NewChannelBus(100)

	gate, err := condition.NewGate()
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	eng := engine.New(rulecache.New(store, repo, time.Minute), gate)

	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue = domain.QueueConfig{
			MaxRetries: 1,
			RetryDelay: 10 * time.Millisecond,
			Timeout:    time.Second,
		}
	}
	if cfg.MatchOptions == (domain.MatchOptions{}) {
		cfg.MatchOptions = domain.DefaultMatchOptions()
	}

	w := New(b, repo, eng, q, responder, store, cfg)

	t.Cleanup(func() {
		w.Stop()
		q.Close()
		b.Close()
	})

	return &fixture{repo: repo, responder: responder, queue: q, bus: b, worker: w}
}

func dmRule(id, postID, keyword string) *domain.KeywordRule {
	return &domain.KeywordRule{
		ID:        id,
		AccountID: "acct-001",
		PostID:    postID,
		Keyword:   keyword,
		DMMessage: "Here you go!",
		Enabled:   true,
		Strategy:  domain.StrategyContains,
		Priority:  5,
	}
}

func commentEvent(postID, text string) *domain.WebhookEvent {
	return &domain.WebhookEvent{
		Kind:      domain.EventKindComment,
		AccountID: "acct-001",
		PostID:    postID,
		SenderID:  "user-42",
		Text:      text,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("SuccessfulDM", func(t *testing.T) {
		f := newFixture(t, Config{})
		rule := dmRule("r1", "post-001", "harga")
		rule.IncludeProductLink = true
		rule.ProductLinkURL = "https://shop.example/item"
		f.repo.rules["post-001"] = []*domain.KeywordRule{rule}

		itemID, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "berapa harga?"))
		if err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}
		if itemID == "" {
			t.Fatal("expected a queue item ID")
		}

		waitFor(t, 2*time.Second, func() bool { return f.queue.Stats().Processed == 1 })

		f.responder.mu.Lock()
		sends := append([]sendCall(nil), f.responder.sends...)
		f.responder.mu.Unlock()
		if len(sends) != 1 || sends[0].kind != domain.ResponseDM {
			t.Fatalf("expected one DM send, got %+v", sends)
		}
		if sends[0].to != "user-42" {
			t.Errorf("DM recipient = %q, want user-42", sends[0].to)
		}
		if sends[0].message != "Here you go!\nhttps://shop.example/item" {
			t.Errorf("message = %q, product link missing", sends[0].message)
		}

		statuses := f.repo.activityStatuses()
		if len(statuses) != 1 || statuses[0] != domain.ActivityResponded {
			t.Errorf("activities = %v, want one responded", statuses)
		}

		f.repo.mu.Lock()
		stats := append([]statCall(nil), f.repo.stats...)
		f.repo.mu.Unlock()
		if len(stats) != 1 || stats[0].outcome != domain.OutcomeSuccess || stats[0].ruleID != "r1" {
			t.Errorf("stats = %+v, want one success for r1", stats)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.repo.rules["post-001"] = []*domain.KeywordRule{dmRule("r1", "post-001", "harga")}

		_, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "nice picture"))
		if err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool { return f.queue.Stats().Processed == 1 })

		if kinds := f.responder.sentKinds(); len(kinds) != 0 {
			t.Errorf("nothing should be sent on no match, got %v", kinds)
		}
		statuses := f.repo.activityStatuses()
		if len(statuses) != 1 || statuses[0] != domain.ActivityNoMatch {
			t.Errorf("activities = %v, want one no_match", statuses)
		}
	})

	t.Run("CommentFallback", func(t *testing.T) {
		f := newFixture(t, Config{})
		rule := dmRule("r1", "post-001", "harga")
		rule.FallbackComment = "Check your DM!"
		f.repo.rules["post-001"] = []*domain.KeywordRule{rule}
		f.responder.failDM = true

		_, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "berapa harga?"))
		if err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool { return f.queue.Stats().Processed == 1 })

		kinds := f.responder.sentKinds()
		if len(kinds) != 2 || kinds[0] != domain.ResponseDM || kinds[1] != domain.ResponseComment {
			t.Fatalf("sends = %v, want DM then comment fallback", kinds)
		}

		statuses := f.repo.activityStatuses()
		if len(statuses) != 1 || statuses[0] != domain.ActivityFallback {
			t.Errorf("activities = %v, want one fallback", statuses)
		}

		f.repo.mu.Lock()
		stats := append([]statCall(nil), f.repo.stats...)
		f.repo.mu.Unlock()
		if len(stats) != 1 || stats[0].outcome != domain.OutcomeFallback {
			t.Errorf("stats = %+v, want one fallback", stats)
		}
	})

	t.Run("TerminalFailure", func(t *testing.T) {
		f := newFixture(t, Config{})
		// No fallback configured and DM transport always fails.
		f.repo.rules["post-001"] = []*domain.KeywordRule{dmRule("r1", "post-001", "harga")}
		f.responder.errDM = true

		_, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "berapa harga?"))
		if err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool { return f.queue.Stats().Failed == 1 })
		waitFor(t, 2*time.Second, func() bool { return len(f.repo.activityStatuses()) == 1 })

		statuses := f.repo.activityStatuses()
		if statuses[0] != domain.ActivityFailed {
			t.Errorf("activities = %v, want one failed", statuses)
		}

		f.repo.mu.Lock()
		activity := f.repo.activities[0]
		stats := append([]statCall(nil), f.repo.stats...)
		f.repo.mu.Unlock()
		if activity.RuleID != "r1" {
			t.Errorf("failure activity should keep the matched rule, got %q", activity.RuleID)
		}
		if activity.Error == "" {
			t.Error("failure activity should carry the error")
		}
		if len(stats) != 1 || stats[0].outcome != domain.OutcomeFailed {
			t.Errorf("stats = %+v, want one failed", stats)
		}
	})
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyText", func(t *testing.T) {
		f := newFixture(t, Config{})

		_, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", ""))
		if !errors.Is(err, ErrIgnored) {
			t.Fatalf("expected ErrIgnored, got %v", err)
		}

		statuses := f.repo.activityStatuses()
		if len(statuses) != 1 || statuses[0] != domain.ActivityIgnored {
			t.Errorf("activities = %v, want one ignored", statuses)
		}
	})

	t.Run("MissingIdentifiers", func(t *testing.T) {
		f := newFixture(t, Config{})

		ev := commentEvent("post-001", "hello")
		ev.AccountID = ""
		if _, err := f.worker.EnqueueEvent(ctx, ev); !errors.Is(err, ErrIgnored) {
			t.Errorf("expected ErrIgnored for missing accountID, got %v", err)
		}
	})

	t.Run("GeneratesEventID", func(t *testing.T) {
		f := newFixture(t, Config{})
		ev := commentEvent("post-001", "hello")

		if _, err := f.worker.EnqueueEvent(ctx, ev); err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}
		if ev.ID == "" {
			t.Error("event ID should be generated")
		}
	})
}

func TestThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{
		ThrottleLimit:  1,
		ThrottleWindow: time.Minute,
	})
	f.repo.rules["post-001"] = []*domain.KeywordRule{dmRule("r1", "post-001", "harga")}

	if _, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "berapa harga?")); err != nil {
		t.Fatalf("first event should pass: %v", err)
	}

	_, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "harga dong"))
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.repo.activityStatuses()) >= 2 })

	var ignored int
	for _, s := range f.repo.activityStatuses() {
		if s == domain.ActivityIgnored {
			ignored++
		}
	}
	if ignored != 1 {
		t.Errorf("expected 1 ignored activity for the throttled event, got %d", ignored)
	}
}

func TestMatchRecordClearedOnSuccess(t *testing.T) {
	f := newFixture(t, Config{})

	// An earlier attempt matched and failed to deliver; the retry then
	// finished clean (no match after a rule change). The in-flight match
	// record must not outlive the item.
	ev := commentEvent("post-001", "berapa harga?")
	ev.ID = "evt-retry"
	f.worker.matched.Store(ev.ID, matchInfo{RuleID: "r1", MatchedTerm: "harga", Confidence: 1})

	now := time.Now().UTC()
	f.worker.onQueueNotify(queue.NotifyProcessed, queue.Snapshot{
		ID:          "item-1",
		Status:      queue.StatusSuccess,
		Data:        ev,
		CreatedAt:   now,
		CompletedAt: &now,
	})

	if _, ok := f.worker.matched.Load(ev.ID); ok {
		t.Error("match record should be dropped once the item succeeds")
	}
	if statuses := f.repo.activityStatuses(); len(statuses) != 0 {
		t.Errorf("a processed notification must not write activities, got %v", statuses)
	}
}

func TestStatsDuringStop(t *testing.T) {
	f := newFixture(t, Config{AccountIDs: []string{"acct-001"}})

	if err := f.worker.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.worker.GetStats()
		}
	}()

	f.worker.Stop()
	<-done

	if got := f.worker.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("subscriptions after stop = %d, want 0", got)
	}
}

func TestBusIntake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AccountIDs: []string{"acct-001"}})
	f.repo.rules["post-001"] = []*domain.KeywordRule{dmRule("r1", "post-001", "harga")}

	if err := f.worker.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := f.worker.GetStats().SubscriptionCount; got != 1 {
		t.Fatalf("subscriptions = %d, want 1", got)
	}

	payload, _ := json.Marshal(commentEvent("post-001", "berapa harga?"))
	time.Sleep(10 * time.Millisecond)
	if err := f.bus.Publish(ctx, "acct-001", domain.TopicEventReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return f.queue.Stats().Processed == 1 })

	statuses := f.repo.activityStatuses()
	if len(statuses) != 1 || statuses[0] != domain.ActivityResponded {
		t.Errorf("activities = %v, want one responded", statuses)
	}
}

func TestQueueNotificationsOnBus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.repo.rules["post-001"] = []*domain.KeywordRule{dmRule("r1", "post-001", "harga")}

	var mu sync.Mutex
	var topics []string
	_, err := f.bus.Subscribe(ctx, "acct-001", domain.TopicQueueProcessed, func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		defer mu.Unlock()
		topics = append(topics, msg.Topic)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := f.worker.EnqueueEvent(ctx, commentEvent("post-001", "berapa harga?")); err != nil {
		t.Fatalf("EnqueueEvent failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if topics[0] != domain.TopicQueueProcessed {
		t.Errorf("topic = %q, want %q", topics[0], domain.TopicQueueProcessed)
	}
}
