package matcher

import (
	"testing"

	"github.com/opensource-social/magpie/internal/domain"
)

func rule(keyword string, strategy domain.MatchStrategy) *domain.KeywordRule {
	return &domain.KeywordRule{
		ID:       "rule-001",
		PostID:   "post-001",
		Keyword:  keyword,
		Enabled:  true,
		Strategy: strategy,
		Priority: 5,
	}
}

func TestMatchStrategies(t *testing.T) {
	opts := domain.DefaultMatchOptions()

	tests := []struct {
		name     string
		strategy domain.MatchStrategy
		keyword  string
		text     string
		want     bool
	}{
		{"ExactEqual", domain.StrategyExact, "warna", "warna", true},
		{"ExactSuperstring", domain.StrategyExact, "warna", "warna merah", false},
		{"ExactSubstring", domain.StrategyExact, "warna merah", "warna", false},
		{"ExactCaseFolded", domain.StrategyExact, "warna", "WARNA", true},
		{"ContainsMiddle", domain.StrategyContains, "harga", "berapa harga dan stok?", true},
		{"ContainsAbsent", domain.StrategyContains, "harga", "berapa stok?", false},
		{"StartsWith", domain.StrategyStartsWith, "halo", "halo kak", true},
		{"StartsWithMiddle", domain.StrategyStartsWith, "kak", "halo kak", false},
		{"EndsWith", domain.StrategyEndsWith, "stok?", "berapa stok?", true},
		{"EndsWithMiddle", domain.StrategyEndsWith, "berapa", "berapa stok?", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Match(tt.text, rule(tt.keyword, tt.strategy), opts)
			if got := res != nil; got != tt.want {
				t.Errorf("Match(%q, %q, %s) = %v, want %v", tt.text, tt.keyword, tt.strategy, got, tt.want)
			}
			if res != nil && res.Confidence != 1.0 {
				t.Errorf("exact-strategy confidence = %v, want 1.0", res.Confidence)
			}
		})
	}
}

func TestMatchCaseSensitive(t *testing.T) {
	r := rule("Harga", domain.StrategyContains)
	r.CaseSensitive = true
	opts := domain.DefaultMatchOptions()

	if Match("berapa harga?", r, opts) != nil {
		t.Error("case-sensitive rule matched different case")
	}
	if Match("berapa Harga?", r, opts) == nil {
		t.Error("case-sensitive rule did not match same case")
	}
}

func TestMatchWordBoundary(t *testing.T) {
	r := rule("stok", domain.StrategyContains)
	opts := domain.DefaultMatchOptions()
	opts.EnableWordBoundary = true

	tests := []struct {
		text string
		want bool
	}{
		{"ada stok?", true},
		{"stok", true},
		{"stok habis", true},
		{"restok barang", false},
		{"stoknya ada?", false},
		{"(stok)", true},
	}

	for _, tt := range tests {
		if got := Match(tt.text, r, opts) != nil; got != tt.want {
			t.Errorf("word-boundary match on %q = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMatchTermOrder(t *testing.T) {
	r := rule("harga", domain.StrategyContains)
	r.Synonyms = []string{"price", "biaya"}
	opts := domain.DefaultMatchOptions()

	t.Run("KeywordFirst", func(t *testing.T) {
		res := Match("harga dan price?", r, opts)
		if res == nil {
			t.Fatal("expected match")
		}
		if res.MatchedTerm != "harga" || res.Kind != domain.MatchKindKeyword {
			t.Errorf("got term %q kind %s, want keyword 'harga'", res.MatchedTerm, res.Kind)
		}
	})

	t.Run("SynonymDeclarationOrder", func(t *testing.T) {
		res := Match("biaya dan price?", r, opts)
		if res == nil {
			t.Fatal("expected match")
		}
		if res.MatchedTerm != "price" || res.Kind != domain.MatchKindSynonym {
			t.Errorf("got term %q kind %s, want synonym 'price'", res.MatchedTerm, res.Kind)
		}
	})
}

func TestMatchFuzzy(t *testing.T) {
	r := rule("harga", domain.StrategyContains)

	t.Run("DisabledNoMatch", func(t *testing.T) {
		opts := domain.DefaultMatchOptions()
		if Match("hrga berapa?", r, opts) != nil {
			t.Error("fuzzy disabled should not match typo")
		}
	})

	t.Run("EnabledMatchesTypo", func(t *testing.T) {
		opts := domain.DefaultMatchOptions()
		opts.EnableFuzzyMatching = true
		opts.FuzzyThreshold = 0.7

		res := Match("hrga berapa?", r, opts)
		if res == nil {
			t.Fatal("expected fuzzy match")
		}
		if res.Kind != domain.MatchKindFuzzyKeyword {
			t.Errorf("kind = %s, want fuzzy_keyword", res.Kind)
		}
		if res.Confidence < 0.7 || res.Confidence >= 1.0 {
			t.Errorf("confidence = %v, want in [0.7, 1.0)", res.Confidence)
		}
	})

	t.Run("BelowThresholdNoMatch", func(t *testing.T) {
		opts := domain.DefaultMatchOptions()
		opts.EnableFuzzyMatching = true
		opts.FuzzyThreshold = 0.95

		if Match("hrga berapa?", r, opts) != nil {
			t.Error("typo should not clear a 0.95 threshold")
		}
	})

	t.Run("BestTokenWins", func(t *testing.T) {
		opts := domain.DefaultMatchOptions()
		opts.EnableFuzzyMatching = true
		opts.FuzzyThreshold = 0.5

		// "hargaa" (0.833) should beat "hr" (0.4)
		res := Match("hr hargaa", r, opts)
		if res == nil {
			t.Fatal("expected fuzzy match")
		}
		if res.Confidence < 0.8 {
			t.Errorf("confidence = %v, want best-token score >= 0.8", res.Confidence)
		}
	})
}

func TestMatchEdgeCases(t *testing.T) {
	opts := domain.DefaultMatchOptions()

	t.Run("EmptyText", func(t *testing.T) {
		if Match("", rule("harga", domain.StrategyContains), opts) != nil {
			t.Error("empty text should never match")
		}
	})

	t.Run("WhitespaceText", func(t *testing.T) {
		if Match("   ", rule("harga", domain.StrategyContains), opts) != nil {
			t.Error("whitespace-only text should never match")
		}
	})

	t.Run("EmptyTermSet", func(t *testing.T) {
		if Match("harga", rule("", domain.StrategyContains), opts) != nil {
			t.Error("rule without terms should never match")
		}
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		if Match("harga", rule("harga", "unknown"), opts) != nil {
			t.Error("unknown strategy should never match")
		}
	})
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"harga", "harga", 1.0},
		{"hrga", "harga", 0.8},
		{"", "", 1.0},
		{"", "abc", 0.0},
		{"abc", "", 0.0},
		{"kitten", "sitting", 1.0 - 3.0/7.0},
	}

	for _, tt := range tests {
		if got := Similarity(tt.a, tt.b); !closeEnough(got, tt.want) {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func closeEnough(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
