// Package condition provides the CEL-based rule condition gate.
//
// A rule may carry an optional CEL expression that gates which events it
// applies to (for example `event_kind == "comment"` or
// `metadata.follower_count > 100`). Expressions compile at rule load
// time, never at match time.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-social/magpie/internal/domain"
)

// Gate compiles and evaluates per-rule condition expressions.
type Gate struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewGate creates a condition gate with the event variables in scope.
func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_kind", cel.StringType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("post_id", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Gate{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles an expression without storing it.
func (g *Gate) Validate(expr string) error {
	if expr == "" {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	_, err := g.compile(expr)
	return err
}

// Load compiles a rule's condition and stores the program. Rules without
// a condition evict any previously stored program.
func (g *Gate) Load(rule *domain.KeywordRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rule.Condition == "" {
		delete(g.programs, rule.ID)
		return nil
	}

	program, err := g.compile(rule.Condition)
	if err != nil {
		return err
	}

	g.programs[rule.ID] = program
	return nil
}

// Remove evicts a rule's compiled condition.
func (g *Gate) Remove(ruleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.programs, ruleID)
}

// Eligible reports whether an event passes a rule's condition. Rules
// without a compiled condition are always eligible; a condition that
// errors at evaluation fails closed.
func (g *Gate) Eligible(rule *domain.KeywordRule, ev *domain.WebhookEvent) bool {
	if rule.Condition == "" {
		return true
	}

	g.mu.RLock()
	program, ok := g.programs[rule.ID]
	g.mu.RUnlock()

	if !ok {
		// Condition never loaded; compile on demand so cache-served
		// rules behave like freshly loaded ones.
		if err := g.Load(rule); err != nil {
			return false
		}
		g.mu.RLock()
		program = g.programs[rule.ID]
		g.mu.RUnlock()
	}

	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	out, _, err := program.Eval(map[string]any{
		"event_kind": string(ev.Kind),
		"sender_id":  ev.SenderID,
		"post_id":    ev.PostID,
		"account_id": ev.AccountID,
		"text":       ev.Text,
		"metadata":   metadata,
	})
	if err != nil {
		return false
	}

	b, ok := out.(types.Bool)
	return ok && bool(b)
}

// Count returns the number of compiled conditions.
func (g *Gate) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.programs)
}

func (g *Gate) compile(expr string) (cel.Program, error) {
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	return g.env.Program(ast)
}
