// Package engine orchestrates the rule cache and matcher for one
// message or a batch of messages.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-social/magpie/internal/condition"
	"github.com/opensource-social/magpie/internal/domain"
	"github.com/opensource-social/magpie/internal/matcher"
	"github.com/opensource-social/magpie/internal/rulecache"
)

// Engine runs keyword matching against a post's cached rule set and
// tracks aggregate performance metrics.
type Engine struct {
	rules *rulecache.Cache
	gate  *condition.Gate // optional

	mu          sync.Mutex
	totalCalls  int64
	cacheHits   int64
	cacheMisses int64
	avgMatchMs  float64
}

// New creates a matching engine. The condition gate may be nil.
func New(rules *rulecache.Cache, gate *condition.Gate) *Engine {
	return &Engine{rules: rules, gate: gate}
}

// MatchOutcome is the synchronous result of one matching call. Success
// false carries an error string; expected failure modes never panic or
// propagate as errors.
type MatchOutcome struct {
	Success   bool                  `json:"success"`
	PostID    string                `json:"postId"`
	MessageID string                `json:"messageId,omitempty"`
	Matches   []*domain.MatchResult `json:"matches"`
	Reason    string                `json:"reason,omitempty"`
	Error     string                `json:"error,omitempty"`
	CacheHit  bool                  `json:"cacheHit"`
	ProcessMs int64                 `json:"processMs"`
}

// MatchOne matches one text against a post's active rules. A nil opts
// uses the engine defaults.
func (e *Engine) MatchOne(ctx context.Context, postID string, text string, opts *domain.MatchOptions) *MatchOutcome {
	return e.match(ctx, postID, text, opts, nil)
}

// MatchEvent matches a webhook event, additionally applying per-rule
// condition gating against the event's metadata.
func (e *Engine) MatchEvent(ctx context.Context, ev *domain.WebhookEvent, opts *domain.MatchOptions) *MatchOutcome {
	if ev == nil {
		return &MatchOutcome{Success: false, Error: "event is required"}
	}
	return e.match(ctx, ev.PostID, ev.Text, opts, ev)
}

func (e *Engine) match(ctx context.Context, postID string, text string, opts *domain.MatchOptions, ev *domain.WebhookEvent) *MatchOutcome {
	start := time.Now()

	outcome := &MatchOutcome{PostID: postID, Matches: []*domain.MatchResult{}}

	// Validation failures are reported synchronously and never touch
	// the cache.
	if postID == "" {
		outcome.Error = "postId is required"
		outcome.ProcessMs = time.Since(start).Milliseconds()
		return outcome
	}
	if text == "" {
		outcome.Error = "text is required"
		outcome.ProcessMs = time.Since(start).Milliseconds()
		return outcome
	}

	o := domain.DefaultMatchOptions()
	if opts != nil {
		o = *opts
	}

	rules, cacheHit, err := e.rules.RulesFor(ctx, postID)
	outcome.CacheHit = cacheHit
	if err != nil {
		outcome.Error = fmt.Sprintf("failed to fetch rules: %v", err)
		outcome.ProcessMs = time.Since(start).Milliseconds()
		e.record(start, cacheHit)
		return outcome
	}

	outcome.Success = true

	if len(rules) == 0 {
		outcome.Reason = "no active rules"
		outcome.ProcessMs = time.Since(start).Milliseconds()
		e.record(start, cacheHit)
		return outcome
	}

	matches := make([]*domain.MatchResult, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if ev != nil && e.gate != nil && !e.gate.Eligible(rule, ev) {
			continue
		}
		if res := matcher.Match(text, rule, o); res != nil {
			matches = append(matches, res)
		}
	}

	// Priority descending, then confidence descending; ties keep rule
	// evaluation order.
	sort.SliceStable(matches, func(i, j int) bool {
		if o.PriorityWeighting && matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].Confidence > matches[j].Confidence
	})

	if len(matches) > o.MaxMatches {
		matches = matches[:o.MaxMatches]
	}

	filtered := matches[:0]
	for _, m := range matches {
		if m.Confidence >= o.MinConfidence {
			filtered = append(filtered, m)
		}
	}
	outcome.Matches = filtered

	if len(outcome.Matches) == 0 {
		outcome.Reason = "no matches"
	}

	outcome.ProcessMs = time.Since(start).Milliseconds()
	e.record(start, cacheHit)
	return outcome
}

// BatchMessage is one message of a batch call. It decodes from either a
// bare JSON string or an {id, text} object.
type BatchMessage struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts "text" and {"id": ..., "text": ...} forms.
func (m *BatchMessage) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.ID = ""
		m.Text = s
		return nil
	}

	type plain BatchMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = BatchMessage(p)
	return nil
}

// BatchSummary aggregates one batch call.
type BatchSummary struct {
	Total        int     `json:"total"`
	Matched      int     `json:"matched"`
	Unmatched    int     `json:"unmatched"`
	AvgMatches   float64 `json:"avgMatches"`
	AvgProcessMs float64 `json:"avgProcessMs"`
	CacheHitRate float64 `json:"cacheHitRate"`
}

// BatchOutcome is the result of matching a batch of messages.
type BatchOutcome struct {
	Success bool            `json:"success"`
	Results []*MatchOutcome `json:"results"`
	Summary BatchSummary    `json:"summary"`
	Error   string          `json:"error,omitempty"`
}

// MatchMany sequentially matches each message against one post's rules.
// A single message's failure never short-circuits the batch.
func (e *Engine) MatchMany(ctx context.Context, postID string, messages []BatchMessage, opts *domain.MatchOptions) *BatchOutcome {
	out := &BatchOutcome{Results: make([]*MatchOutcome, 0, len(messages))}

	if postID == "" {
		out.Error = "postId is required"
		return out
	}
	if len(messages) == 0 {
		out.Error = "messages are required"
		return out
	}

	var totalMatches, matched, hits int
	var totalMs int64
	for _, msg := range messages {
		res := e.match(ctx, postID, msg.Text, opts, nil)
		res.MessageID = msg.ID
		out.Results = append(out.Results, res)

		totalMs += res.ProcessMs
		if res.CacheHit {
			hits++
		}
		if len(res.Matches) > 0 {
			matched++
			totalMatches += len(res.Matches)
		}
	}

	n := len(messages)
	out.Success = true
	out.Summary = BatchSummary{
		Total:        n,
		Matched:      matched,
		Unmatched:    n - matched,
		AvgMatches:   float64(totalMatches) / float64(n),
		AvgProcessMs: float64(totalMs) / float64(n),
		CacheHitRate: float64(hits) / float64(n),
	}
	return out
}

// Metrics is the engine's aggregate counters.
type Metrics struct {
	TotalCalls   int64   `json:"totalCalls"`
	CacheHits    int64   `json:"cacheHits"`
	CacheMisses  int64   `json:"cacheMisses"`
	CacheHitRate float64 `json:"cacheHitRate"`
	AvgMatchMs   float64 `json:"avgMatchMs"`
}

// Metrics returns a snapshot of the engine counters. The hit rate is
// derived on read, never stored.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		TotalCalls:  e.totalCalls,
		CacheHits:   e.cacheHits,
		CacheMisses: e.cacheMisses,
		AvgMatchMs:  e.avgMatchMs,
	}
	if total := e.cacheHits + e.cacheMisses; total > 0 {
		m.CacheHitRate = float64(e.cacheHits) / float64(total)
	}
	return m
}

// record updates the running totals with one call's duration using an
// incremental mean.
func (e *Engine) record(start time.Time, cacheHit bool) {
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0

	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalCalls++
	e.avgMatchMs += (elapsedMs - e.avgMatchMs) / float64(e.totalCalls)
	if cacheHit {
		e.cacheHits++
	} else {
		e.cacheMisses++
	}
}
