// Package domain defines the core interfaces and types for Magpie.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// MatchStrategy determines how a keyword term is compared against text.
type MatchStrategy string

const (
	StrategyExact      MatchStrategy = "exact"
	StrategyContains   MatchStrategy = "contains"
	StrategyStartsWith MatchStrategy = "starts_with"
	StrategyEndsWith   MatchStrategy = "ends_with"
)

// ValidStrategy reports whether s is a known match strategy.
func ValidStrategy(s MatchStrategy) bool {
	switch s {
	case StrategyExact, StrategyContains, StrategyStartsWith, StrategyEndsWith:
		return true
	}
	return false
}

// KeywordRule is a keyword auto-reply configuration scoped to one post.
type KeywordRule struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	PostID    string `json:"postId"`

	// Keyword is the primary term. Stored normalized-lowercase unless
	// CaseSensitive is set.
	Keyword  string   `json:"keyword"`
	Synonyms []string `json:"synonyms,omitempty"`

	// Response payloads
	DMMessage          string `json:"dmMessage"`
	FallbackComment    string `json:"fallbackComment"`
	IncludeProductLink bool   `json:"includeProductLink"`
	ProductLinkURL     string `json:"productLinkUrl,omitempty"`

	// Condition is an optional CEL expression evaluated against event
	// metadata before keyword matching. Empty means always eligible.
	Condition string `json:"condition,omitempty"`

	// Settings
	Enabled       bool          `json:"enabled"`
	Strategy      MatchStrategy `json:"strategy"`
	CaseSensitive bool          `json:"caseSensitive"`
	Priority      int           `json:"priority"` // 1..10, higher considered first

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Stats RuleStats `json:"stats"`
}

// RuleStats holds cumulative per-rule counters, mutated only through
// Repository.IncrementRuleStats after a terminal match outcome.
type RuleStats struct {
	Matches           int64      `json:"matches"`
	SuccessResponses  int64      `json:"successResponses"`
	FailedResponses   int64      `json:"failedResponses"`
	FallbackResponses int64      `json:"fallbackResponses"`
	LastMatchedAt     *time.Time `json:"lastMatchedAt,omitempty"`
	AvgResponseMs     float64    `json:"avgResponseMs"`
}

// NormalizeTerm trims a term and lowercases it unless the rule is case
// sensitive.
func (r *KeywordRule) NormalizeTerm(term string) string {
	term = strings.TrimSpace(term)
	if r.CaseSensitive {
		return term
	}
	return strings.ToLower(term)
}

// Normalize canonicalizes the keyword and synonyms: terms are trimmed,
// case-folded per the rule settings, deduplicated, and synonyms equal to
// the primary keyword are dropped.
func (r *KeywordRule) Normalize() {
	r.Keyword = r.NormalizeTerm(r.Keyword)

	seen := map[string]bool{r.Keyword: true}
	out := r.Synonyms[:0]
	for _, s := range r.Synonyms {
		s = r.NormalizeTerm(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	r.Synonyms = out
}

// Validate checks rule fields that the core depends on.
func (r *KeywordRule) Validate() error {
	if r.PostID == "" {
		return fmt.Errorf("postId is required")
	}
	if strings.TrimSpace(r.Keyword) == "" {
		return fmt.Errorf("keyword is required")
	}
	if !ValidStrategy(r.Strategy) {
		return fmt.Errorf("invalid strategy: %q", r.Strategy)
	}
	if r.Priority < 1 || r.Priority > 10 {
		return fmt.Errorf("priority must be in [1,10], got %d", r.Priority)
	}
	if r.IncludeProductLink && r.ProductLinkURL == "" {
		return fmt.Errorf("productLinkUrl is required when includeProductLink is set")
	}
	return nil
}

// MatchKind describes which term kind produced a match and whether the
// match was exact or fuzzy.
type MatchKind string

const (
	MatchKindKeyword      MatchKind = "keyword"
	MatchKindSynonym      MatchKind = "synonym"
	MatchKindFuzzyKeyword MatchKind = "fuzzy_keyword"
	MatchKindFuzzySynonym MatchKind = "fuzzy_synonym"
)

// MatchResult is the outcome of matching one rule against one text.
// Ephemeral: produced per matching call, never persisted.
type MatchResult struct {
	RuleID      string       `json:"ruleId"`
	Rule        *KeywordRule `json:"-"`
	MatchedTerm string       `json:"matchedTerm"`
	Kind        MatchKind    `json:"kind"`
	Confidence  float64      `json:"confidence"` // [0,1], 1.0 for exact strategies
	Priority    int          `json:"priority"`
}

// MatchOptions tune a single matching call.
type MatchOptions struct {
	EnableFuzzyMatching bool    `json:"enableFuzzyMatching"`
	FuzzyThreshold      float64 `json:"fuzzyThreshold"`
	EnableWordBoundary  bool    `json:"enableWordBoundary"`
	MaxMatches          int     `json:"maxMatches"`
	MinConfidence       float64 `json:"minConfidence"`
	PriorityWeighting   bool    `json:"priorityWeighting"`
}

// DefaultMatchOptions returns the engine defaults: fuzzy off with a 0.8
// threshold, no word boundary, at most 5 matches at confidence >= 0.7,
// priority weighting on.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		EnableFuzzyMatching: false,
		FuzzyThreshold:      0.8,
		EnableWordBoundary:  false,
		MaxMatches:          5,
		MinConfidence:       0.7,
		PriorityWeighting:   true,
	}
}

// ResponseOutcome classifies the terminal outcome of responding to a
// matched event, for rule statistics.
type ResponseOutcome string

const (
	OutcomeSuccess  ResponseOutcome = "success"
	OutcomeFailed   ResponseOutcome = "failed"
	OutcomeFallback ResponseOutcome = "fallback"
)
