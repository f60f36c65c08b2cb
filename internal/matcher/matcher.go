// Package matcher provides pure keyword matching over normalized text.
package matcher

import (
	"strings"
	"unicode"

	"github.com/opensource-social/magpie/internal/domain"
)

// Match decides whether text satisfies one keyword rule. The primary
// keyword is tried first, then synonyms in declaration order; the first
// matching term wins. Exact-strategy matches score 1.0; fuzzy matches
// score their normalized edit-distance similarity. Returns nil when no
// term matches.
func Match(text string, rule *domain.KeywordRule, opts domain.MatchOptions) *domain.MatchResult {
	norm := normalize(text, rule.CaseSensitive)
	if norm == "" {
		return nil
	}

	terms := collectTerms(rule)
	if len(terms) == 0 {
		return nil
	}

	// Exact pass: first declared term wins.
	for i, term := range terms {
		if !strategyMatch(norm, term, rule.Strategy, opts.EnableWordBoundary) {
			continue
		}
		return &domain.MatchResult{
			RuleID:      rule.ID,
			Rule:        rule,
			MatchedTerm: term,
			Kind:        exactKind(i),
			Confidence:  1.0,
			Priority:    rule.Priority,
		}
	}

	if !opts.EnableFuzzyMatching {
		return nil
	}

	// Fuzzy pass: per term, the best-scoring whitespace token decides.
	tokens := strings.Fields(norm)
	for i, term := range terms {
		best := 0.0
		for _, tok := range tokens {
			if s := Similarity(tok, term); s > best {
				best = s
			}
		}
		if best >= opts.FuzzyThreshold {
			return &domain.MatchResult{
				RuleID:      rule.ID,
				Rule:        rule,
				MatchedTerm: term,
				Kind:        fuzzyKind(i),
				Confidence:  best,
				Priority:    rule.Priority,
			}
		}
	}

	return nil
}

func exactKind(termIndex int) domain.MatchKind {
	if termIndex == 0 {
		return domain.MatchKindKeyword
	}
	return domain.MatchKindSynonym
}

func fuzzyKind(termIndex int) domain.MatchKind {
	if termIndex == 0 {
		return domain.MatchKindFuzzyKeyword
	}
	return domain.MatchKindFuzzySynonym
}

func normalize(s string, caseSensitive bool) string {
	s = strings.TrimSpace(s)
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// collectTerms returns the rule's terms normalized per the rule settings,
// primary keyword first. Empty terms are skipped.
func collectTerms(rule *domain.KeywordRule) []string {
	terms := make([]string, 0, 1+len(rule.Synonyms))
	if kw := rule.NormalizeTerm(rule.Keyword); kw != "" {
		terms = append(terms, kw)
	}
	for _, s := range rule.Synonyms {
		if s = rule.NormalizeTerm(s); s != "" {
			terms = append(terms, s)
		}
	}
	return terms
}

func strategyMatch(text, term string, strategy domain.MatchStrategy, wordBoundary bool) bool {
	switch strategy {
	case domain.StrategyExact:
		return text == term
	case domain.StrategyContains:
		if wordBoundary {
			return containsWord(text, term)
		}
		return strings.Contains(text, term)
	case domain.StrategyStartsWith:
		return strings.HasPrefix(text, term)
	case domain.StrategyEndsWith:
		return strings.HasSuffix(text, term)
	}
	return false
}

// containsWord reports whether term occurs in text bounded by non-word
// runes or string edges.
func containsWord(text, term string) bool {
	if term == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], term)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(term)

		beforeOK := idx == 0 || !isWordRune(lastRune(text[:idx]))
		afterOK := end == len(text) || !isWordRune(firstRune(text[end:]))
		if beforeOK && afterOK {
			return true
		}

		start = idx + 1
		if start >= len(text) {
			return false
		}
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}

// Similarity returns the normalized Levenshtein similarity of two
// strings: 1 - distance/max(len(a), len(b)), over runes. Identical
// strings score 1.0, fully dissimilar strings 0.0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes the edit distance with a two-row DP table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
