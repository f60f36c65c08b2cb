// Package worker drives the reply pipeline: events arrive over the bus
// or the API, wait in the queue, and leave as DM or comment responses.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-social/magpie/internal/domain"
	"github.com/opensource-social/magpie/internal/engine"
	"github.com/opensource-social/magpie/internal/queue"
)

// ErrThrottled marks an event dropped by the per-account reply cap.
var ErrThrottled = errors.New("account reply limit reached")

// ErrIgnored marks an event rejected before enqueueing.
var ErrIgnored = errors.New("event ignored")

// Config holds worker configuration.
type Config struct {
	// AccountIDs to subscribe for bus-delivered events (empty = global).
	AccountIDs []string

	// Queue policy applied to every enqueued event.
	Queue domain.QueueConfig

	// ThrottleLimit caps replies per account per ThrottleWindow. Zero
	// disables throttling.
	ThrottleLimit  int
	ThrottleWindow time.Duration

	// MatchOptions used for every event.
	MatchOptions domain.MatchOptions
}

// Worker consumes webhook events and produces responses.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	engine    *engine.Engine
	queue     *queue.Queue
	responder domain.Responder
	cache     domain.Cache
	cfg       Config

	// matched tracks the winning rule per in-flight event so terminal
	// failures can still be attributed.
	matched sync.Map // eventID -> matchInfo

	subMu         sync.Mutex
	subscriptions []domain.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

type matchInfo struct {
	RuleID      string
	MatchedTerm string
	Confidence  float64
}

// processResult is the queue item result for a terminal event outcome.
type processResult struct {
	Status     domain.ActivityStatus `json:"status"`
	RuleID     string                `json:"ruleId,omitempty"`
	ResponseID string                `json:"responseId,omitempty"`
}

// New creates a worker. The queue's lifecycle notifications are claimed
// by the worker for failure activities and bus publishing.
func New(bus domain.EventBus, repo domain.Repository, eng *engine.Engine, q *queue.Queue, responder domain.Responder, cache domain.Cache, cfg Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		bus:       bus,
		repo:      repo,
		engine:    eng,
		queue:     q,
		responder: responder,
		cache:     cache,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	q.SetNotify(w.onQueueNotify)
	return w
}

// Start subscribes to the event-received topic for each configured
// account, or globally when none are configured.
func (w *Worker) Start() error {
	accounts := w.cfg.AccountIDs
	if len(accounts) == 0 {
		accounts = []string{"_global"}
	}

	for _, accountID := range accounts {
		sub, err := w.bus.Subscribe(w.ctx, accountID, domain.TopicEventReceived, w.handleMessage)
		if err != nil {
			slog.Error("failed to subscribe for account",
				"account_id", accountID,
				"error", err,
			)
			continue
		}
		w.subMu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.subMu.Unlock()
	}

	slog.Info("worker started",
		"account_count", len(accounts),
		"topic", domain.TopicEventReceived,
	)

	return nil
}

// handleMessage decodes a bus-delivered event and enqueues it.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var ev domain.WebhookEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse webhook event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.AccountID == "" {
		ev.AccountID = msg.AccountID
	}

	_, err := w.EnqueueEvent(ctx, &ev)
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrIgnored) {
		return nil
	}
	return err
}

// EnqueueEvent validates an event and adds it to the queue, returning
// the queue item ID. Throttled and malformed events are recorded as
// ignored activities and rejected.
func (w *Worker) EnqueueEvent(ctx context.Context, ev *domain.WebhookEvent) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("%w: event is required", ErrIgnored)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	if ev.AccountID == "" || ev.PostID == "" || ev.SenderID == "" {
		return "", fmt.Errorf("%w: accountId, postId and senderId are required", ErrIgnored)
	}
	if ev.Text == "" {
		w.recordActivity(ctx, ev, &domain.Activity{
			Status: domain.ActivityIgnored,
			Error:  "empty text",
		})
		return "", fmt.Errorf("%w: empty text", ErrIgnored)
	}

	if w.cfg.ThrottleLimit > 0 {
		count, err := w.cache.IncrementCounter(ctx, domain.ScopeThrottle, ev.AccountID, w.cfg.ThrottleWindow)
		if err != nil {
			slog.Warn("throttle counter unavailable, allowing event",
				"account_id", ev.AccountID,
				"error", err,
			)
		} else if count > int64(w.cfg.ThrottleLimit) {
			w.recordActivity(ctx, ev, &domain.Activity{
				Status: domain.ActivityIgnored,
				Error:  ErrThrottled.Error(),
			})
			return "", ErrThrottled
		}
	}

	opts := queue.Options{
		Priority:   eventPriority(ev),
		MaxRetries: w.cfg.Queue.MaxRetries,
		RetryDelay: w.cfg.Queue.RetryDelay,
		Timeout:    w.cfg.Queue.Timeout,
	}

	itemID, err := w.queue.Enqueue(ev, w.processEvent, opts)
	if err != nil {
		return "", err
	}

	slog.Debug("event enqueued",
		"event_id", ev.ID,
		"item_id", itemID,
		"post_id", ev.PostID,
	)
	return itemID, nil
}

// eventPriority ranks DMs above comments so direct questions are
// answered first under load.
func eventPriority(ev *domain.WebhookEvent) int {
	if ev.Kind == domain.EventKindDM {
		return 5
	}
	return 0
}

// processEvent is the queue processor: match, respond, record.
func (w *Worker) processEvent(ctx context.Context, data any) (any, error) {
	ev, ok := data.(*domain.WebhookEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected queue payload %T", data)
	}

	start := time.Now()

	opts := w.cfg.MatchOptions
	outcome := w.engine.MatchEvent(ctx, ev, &opts)
	if !outcome.Success {
		return nil, fmt.Errorf("matching failed: %s", outcome.Error)
	}

	if len(outcome.Matches) == 0 {
		w.recordActivity(ctx, ev, &domain.Activity{
			Status:    domain.ActivityNoMatch,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return &processResult{Status: domain.ActivityNoMatch}, nil
	}

	m := outcome.Matches[0]
	rule := m.Rule
	w.matched.Store(ev.ID, matchInfo{
		RuleID:      m.RuleID,
		MatchedTerm: m.MatchedTerm,
		Confidence:  m.Confidence,
	})

	message := rule.DMMessage
	if rule.IncludeProductLink && rule.ProductLinkURL != "" {
		message += "\n" + rule.ProductLinkURL
	}

	result, err := w.responder.Send(ctx, domain.ResponseDM, ev.SenderID, message, domain.ModeNew)
	if err == nil && result.Success {
		latency := time.Since(start).Milliseconds()
		w.finishMatched(ctx, ev, m, domain.OutcomeSuccess, latency)
		w.recordActivity(ctx, ev, &domain.Activity{
			Status:       domain.ActivityResponded,
			RuleID:       m.RuleID,
			MatchedTerm:  m.MatchedTerm,
			Confidence:   m.Confidence,
			ResponseKind: string(domain.ResponseDM),
			ResponseID:   result.ResponseID,
			LatencyMs:    latency,
		})
		return &processResult{
			Status:     domain.ActivityResponded,
			RuleID:     m.RuleID,
			ResponseID: result.ResponseID,
		}, nil
	}

	dmErr := err
	if dmErr == nil {
		dmErr = fmt.Errorf("dm rejected: %s", result.ErrorCode)
	}
	slog.Warn("dm delivery failed",
		"event_id", ev.ID,
		"rule_id", m.RuleID,
		"error", dmErr,
	)

	// Comment fallback for comment events with a configured fallback.
	if ev.Kind == domain.EventKindComment && rule.FallbackComment != "" {
		result, err := w.responder.Send(ctx, domain.ResponseComment, ev.SenderID, rule.FallbackComment, domain.ModeReply)
		if err == nil && result.Success {
			latency := time.Since(start).Milliseconds()
			w.finishMatched(ctx, ev, m, domain.OutcomeFallback, latency)
			w.recordActivity(ctx, ev, &domain.Activity{
				Status:       domain.ActivityFallback,
				RuleID:       m.RuleID,
				MatchedTerm:  m.MatchedTerm,
				Confidence:   m.Confidence,
				ResponseKind: string(domain.ResponseComment),
				ResponseID:   result.ResponseID,
				LatencyMs:    latency,
			})
			return &processResult{
				Status:     domain.ActivityFallback,
				RuleID:     m.RuleID,
				ResponseID: result.ResponseID,
			}, nil
		}
	}

	// Attempt failed end to end; the queue decides whether to retry.
	return nil, dmErr
}

// finishMatched updates rule statistics and clears the in-flight match
// record.
func (w *Worker) finishMatched(ctx context.Context, ev *domain.WebhookEvent, m *domain.MatchResult, outcome domain.ResponseOutcome, latencyMs int64) {
	w.matched.Delete(ev.ID)
	if err := w.repo.IncrementRuleStats(ctx, m.RuleID, outcome, latencyMs); err != nil {
		slog.Error("failed to update rule stats",
			"rule_id", m.RuleID,
			"error", err,
		)
	}
}

// onQueueNotify handles terminal queue outcomes: failed items become
// failure activities, and both outcomes are announced on the bus.
func (w *Worker) onQueueNotify(event string, item queue.Snapshot) {
	ev, ok := item.Data.(*domain.WebhookEvent)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if event == queue.NotifyFailed {
		activity := &domain.Activity{
			Status: domain.ActivityFailed,
			Error:  item.LastError,
		}
		if info, ok := w.matched.LoadAndDelete(ev.ID); ok {
			mi := info.(matchInfo)
			activity.RuleID = mi.RuleID
			activity.MatchedTerm = mi.MatchedTerm
			activity.Confidence = mi.Confidence
			if err := w.repo.IncrementRuleStats(ctx, mi.RuleID, domain.OutcomeFailed, item.CompletedAt.Sub(item.CreatedAt).Milliseconds()); err != nil {
				slog.Error("failed to update rule stats",
					"rule_id", mi.RuleID,
					"error", err,
				)
			}
		}
		w.recordActivity(ctx, ev, activity)
	} else {
		// A retried event can finish without a match (rules changed
		// between attempts); drop any record left by an earlier attempt.
		w.matched.Delete(ev.ID)
	}

	topic := domain.TopicQueueProcessed
	if event == queue.NotifyFailed {
		topic = domain.TopicQueueFailed
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, ev.AccountID, topic, payload); err != nil {
		slog.Debug("failed to publish queue notification",
			"topic", topic,
			"error", err,
		)
	}
}

// recordActivity fills the event fields and writes one activity row.
func (w *Worker) recordActivity(ctx context.Context, ev *domain.WebhookEvent, activity *domain.Activity) {
	activity.AccountID = ev.AccountID
	activity.PostID = ev.PostID
	activity.EventID = ev.ID
	activity.EventKind = ev.Kind
	activity.SenderID = ev.SenderID
	activity.Text = ev.Text
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	if err := w.repo.RecordActivity(ctx, ev.AccountID, activity); err != nil {
		slog.Error("failed to record activity",
			"event_id", ev.ID,
			"status", activity.Status,
			"error", err,
		)
	}
}

// Stop unsubscribes from the bus. The queue keeps draining until the
// caller closes it.
func (w *Worker) Stop() error {
	w.cancel()

	w.subMu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.subMu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("worker stopped")
	return nil
}

// Stats holds worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
