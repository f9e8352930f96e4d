package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
steps:
  - id: analyze
    description: Analyze the code base
    estimated_cost: 2
    idempotent: true
  - id: apply
    description: Apply changes
    estimated_cost: 5
    requires_approval: true
    approval_reason: breaking_change
rules:
  - pattern: "*refactor*"
    steps:
      - step_id: analyze
      - step_id: apply
`

func TestParse(t *testing.T) {
	file, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, file.Steps, 2)
	require.Len(t, file.Rules, 1)

	require.Equal(t, "analyze", file.Steps[0].ID)
	require.Equal(t, 2.0, file.Steps[0].EstimatedCost)
	require.True(t, file.Steps[0].Idempotent)

	require.True(t, file.Steps[1].RequiresApproval)
	require.Equal(t, epic.ApprovalReasonBreakingChange, file.Steps[1].ApprovalReason)

	require.Equal(t, "analyze", file.Rules[0].Steps[0].StepID)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no steps", yaml: `steps: []`},
		{name: "missing id", yaml: "steps:\n  - description: x"},
		{name: "duplicate id", yaml: "steps:\n  - id: a\n  - id: a"},
		{name: "negative cost", yaml: "steps:\n  - id: a\n    estimated_cost: -1"},
		{name: "bad approval reason", yaml: "steps:\n  - id: a\n    approval_reason: whatever"},
		{name: "rule references unknown step", yaml: "steps:\n  - id: a\nrules:\n  - pattern: \"*\"\n    steps:\n      - step_id: missing"},
		{name: "not yaml", yaml: "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0644))

	c, err := Load(path, nil)
	require.NoError(t, err)

	spec, ok := c.Step("apply")
	require.True(t, ok)
	require.Equal(t, 5.0, spec.EstimatedCost)

	_, ok = c.Step("missing")
	require.False(t, ok)

	require.Len(t, c.Steps(), 2)
	require.Len(t, c.Rules(), 1)
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0644))

	c, err := Load(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	updated := sampleCatalog + `
  - pattern: "*deploy*"
    steps:
      - step_id: apply
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	require.Eventually(t, func() bool {
		return len(c.Rules()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// A broken rewrite keeps the previous contents.
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0644))
	time.Sleep(200 * time.Millisecond)
	require.Len(t, c.Rules(), 2)
}
