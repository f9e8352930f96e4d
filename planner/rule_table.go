// Package planner provides implementations of the epic.Planner interface:
// RuleTable matches requests against glob patterns, and OpenAIPlanner asks a
// hosted model to decompose a request. The engine treats either as an opaque,
// possibly unreliable dependency.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/epic"
	"github.com/gobwas/glob"
)

// Rule maps a request pattern to a fixed step sequence. Patterns use glob
// syntax and are matched case-insensitively against the whole request, so
// "*deploy*" matches any request mentioning a deploy.
type Rule struct {
	Pattern string          `json:"pattern" yaml:"pattern"`
	Steps   []epic.PlanStep `json:"steps" yaml:"steps"`
}

type compiledRule struct {
	pattern string
	matcher glob.Glob
	steps   []epic.PlanStep
}

// RuleTable is a deterministic Planner backed by an ordered rule list.
// The first matching rule wins.
type RuleTable struct {
	rules []compiledRule
}

// NewRuleTable compiles the given rules.
func NewRuleTable(rules []Rule) (*RuleTable, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if len(rule.Steps) == 0 {
			return nil, fmt.Errorf("rule %d (%q) has no steps", i, rule.Pattern)
		}
		matcher, err := glob.Compile(strings.ToLower(rule.Pattern))
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
		}
		compiled = append(compiled, compiledRule{
			pattern: rule.Pattern,
			matcher: matcher,
			steps:   rule.Steps,
		})
	}
	return &RuleTable{rules: compiled}, nil
}

// Plan returns the step sequence of the first rule whose pattern matches the
// request, or an error wrapping epic.ErrUnroutable.
func (t *RuleTable) Plan(ctx context.Context, request string) ([]epic.PlanStep, error) {
	normalized := strings.ToLower(strings.TrimSpace(request))
	for _, rule := range t.rules {
		if rule.matcher.Match(normalized) {
			return append([]epic.PlanStep(nil), rule.steps...), nil
		}
	}
	return nil, fmt.Errorf("%w: no rule matches %q", epic.ErrUnroutable, request)
}
