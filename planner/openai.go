package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/epic"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var DefaultModel = openai.ChatModelGPT4o

// OpenAIPlannerOptions configures an OpenAIPlanner.
type OpenAIPlannerOptions struct {
	Model openai.ChatModel

	// Steps lists the workflow steps the model may plan with. Required: the
	// model must not invent step ids.
	Steps []epic.StepSpec

	// RequestOptions are passed through to the OpenAI client (API key,
	// base URL, etc).
	RequestOptions []option.RequestOption
}

// OpenAIPlanner decomposes a request into workflow steps by asking a hosted
// model to choose from the configured step catalog.
type OpenAIPlanner struct {
	client openai.Client
	model  openai.ChatModel
	steps  []epic.StepSpec
}

// NewOpenAIPlanner creates a model-backed planner.
func NewOpenAIPlanner(opts OpenAIPlannerOptions) (*OpenAIPlanner, error) {
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("a step catalog is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	return &OpenAIPlanner{
		client: openai.NewClient(opts.RequestOptions...),
		model:  opts.Model,
		steps:  opts.Steps,
	}, nil
}

const plannerSystemPrompt = `You turn a task request into an ordered plan of workflow steps.
Respond with a JSON array only. Each element is {"step_id": "...", "parallel": bool}.
Mark adjacent steps "parallel": true only when they are independent of each other.
Use only the provided step ids. If no steps apply, respond with [].`

// Plan asks the model for a step sequence. An empty plan from the model is
// reported wrapping epic.ErrUnroutable.
func (p *OpenAIPlanner) Plan(ctx context.Context, request string) ([]epic.PlanStep, error) {
	var catalog strings.Builder
	for _, spec := range p.steps {
		fmt.Fprintf(&catalog, "- %s: %s\n", spec.ID, spec.Description)
	}

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(plannerSystemPrompt),
			openai.UserMessage(fmt.Sprintf("Available steps:\n%s\nRequest: %s", catalog.String(), request)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planner model call failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("planner model returned no choices")
	}
	return p.parsePlan(completion.Choices[0].Message.Content, request)
}

func (p *OpenAIPlanner) parsePlan(content, request string) ([]epic.PlanStep, error) {
	// Models sometimes wrap JSON in a code fence.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var steps []epic.PlanStep
	if err := json.Unmarshal([]byte(content), &steps); err != nil {
		return nil, fmt.Errorf("failed to parse planner response: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: model produced no steps for %q", epic.ErrUnroutable, request)
	}
	known := make(map[string]bool, len(p.steps))
	for _, spec := range p.steps {
		known[spec.ID] = true
	}
	for _, step := range steps {
		if !known[step.StepID] {
			return nil, fmt.Errorf("planner proposed unknown step %q", step.StepID)
		}
	}
	return steps, nil
}
