package domain

import "time"

// EventKind is the inbound event type.
type EventKind string

const (
	EventKindComment EventKind = "comment"
	EventKindDM      EventKind = "dm"
)

// WebhookEvent is one inbound social-media event to be matched and
// responded to.
type WebhookEvent struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	AccountID  string         `json:"accountId"`
	PostID     string         `json:"postId"`
	SenderID   string         `json:"senderId"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// ActivityStatus is the terminal outcome of processing one event.
type ActivityStatus string

const (
	ActivityResponded ActivityStatus = "responded"
	ActivityFallback  ActivityStatus = "fallback"
	ActivityFailed    ActivityStatus = "failed"
	ActivityNoMatch   ActivityStatus = "no_match"
	ActivityIgnored   ActivityStatus = "ignored"
)

// Activity is the full record of one processed event's outcome. Exactly
// one activity is recorded per terminal event outcome.
type Activity struct {
	ID        string         `json:"id"`
	AccountID string         `json:"accountId"`
	PostID    string         `json:"postId"`
	EventID   string         `json:"eventId"`
	EventKind EventKind      `json:"eventKind"`
	SenderID  string         `json:"senderId"`
	Text      string         `json:"text"`
	Status    ActivityStatus `json:"status"`

	// Match detail (empty when no rule matched)
	RuleID      string  `json:"ruleId,omitempty"`
	MatchedTerm string  `json:"matchedTerm,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`

	// Response detail
	ResponseKind string `json:"responseKind,omitempty"` // dm or comment
	ResponseID   string `json:"responseId,omitempty"`
	LatencyMs    int64  `json:"latencyMs"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
