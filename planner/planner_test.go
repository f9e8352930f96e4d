package planner

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/epic"
	"github.com/stretchr/testify/require"
)

func TestRuleTablePlan(t *testing.T) {
	table, err := NewRuleTable([]Rule{
		{
			Pattern: "*deploy*",
			Steps: []epic.PlanStep{
				{StepID: "build"},
				{StepID: "deploy"},
			},
		},
		{
			Pattern: "*refactor*",
			Steps: []epic.PlanStep{
				{StepID: "analyze", Parallel: true},
				{StepID: "lint", Parallel: true},
				{StepID: "apply"},
			},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		request   string
		wantSteps []string
		wantError bool
	}{
		{
			name:      "deploy request",
			request:   "Deploy the latest build to staging",
			wantSteps: []string{"build", "deploy"},
		},
		{
			name:      "refactor request matches second rule",
			request:   "refactor the payment service",
			wantSteps: []string{"analyze", "lint", "apply"},
		},
		{
			name:      "unroutable request",
			request:   "make me a sandwich",
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := table.Plan(context.Background(), tt.request)
			if tt.wantError {
				require.ErrorIs(t, err, epic.ErrUnroutable)
				return
			}
			require.NoError(t, err)
			ids := make([]string, 0, len(steps))
			for _, step := range steps {
				ids = append(ids, step.StepID)
			}
			require.Equal(t, tt.wantSteps, ids)
		})
	}
}

func TestRuleTableFirstMatchWins(t *testing.T) {
	table, err := NewRuleTable([]Rule{
		{Pattern: "*", Steps: []epic.PlanStep{{StepID: "generic"}}},
		{Pattern: "*deploy*", Steps: []epic.PlanStep{{StepID: "deploy"}}},
	})
	require.NoError(t, err)

	steps, err := table.Plan(context.Background(), "deploy it")
	require.NoError(t, err)
	require.Equal(t, "generic", steps[0].StepID)
}

func TestRuleTableValidation(t *testing.T) {
	_, err := NewRuleTable(nil)
	require.Error(t, err)

	_, err = NewRuleTable([]Rule{{Pattern: "*", Steps: nil}})
	require.Error(t, err)

	_, err = NewRuleTable([]Rule{{Pattern: "[", Steps: []epic.PlanStep{{StepID: "x"}}}})
	require.Error(t, err)
}

func TestOpenAIPlannerParsePlan(t *testing.T) {
	planner := &OpenAIPlanner{
		steps: []epic.StepSpec{{ID: "analyze"}, {ID: "apply"}},
	}

	steps, err := planner.parsePlan(`[{"step_id":"analyze"},{"step_id":"apply"}]`, "refactor")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// Fenced output is tolerated.
	steps, err = planner.parsePlan("```json\n[{\"step_id\":\"analyze\"}]\n```", "refactor")
	require.NoError(t, err)
	require.Len(t, steps, 1)

	// Empty plans are unroutable.
	_, err = planner.parsePlan("[]", "refactor")
	require.ErrorIs(t, err, epic.ErrUnroutable)

	// Invented step ids are refused.
	_, err = planner.parsePlan(`[{"step_id":"rm-rf"}]`, "refactor")
	require.Error(t, err)

	_, err = planner.parsePlan("not json", "refactor")
	require.Error(t, err)
}

func TestNewOpenAIPlannerRequiresCatalog(t *testing.T) {
	_, err := NewOpenAIPlanner(OpenAIPlannerOptions{})
	require.Error(t, err)
}
