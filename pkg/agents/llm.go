package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// ErrNoPrompt is returned when a task config carries no prompt
var ErrNoPrompt = errors.New("task config has no prompt")

// LLMAgent prompts a language model with the task's prompt and the outputs
// of its dependencies. The reply text is the task output.
//
// Config keys: "prompt" (required), "system" (optional system message).
type LLMAgent struct {
	name        string
	model       llms.Model
	system      string
	callOptions []llms.CallOption
	metadata    map[string]any
}

// LLMOption configures an LLMAgent
type LLMOption func(*LLMAgent)

// WithSystemPrompt sets the system message used when a task has none
func WithSystemPrompt(prompt string) LLMOption {
	return func(a *LLMAgent) {
		a.system = prompt
	}
}

// WithCallOptions passes options such as temperature to every model call
func WithCallOptions(opts ...llms.CallOption) LLMOption {
	return func(a *LLMAgent) {
		a.callOptions = append(a.callOptions, opts...)
	}
}

func NewLLMAgent(name string, model llms.Model, meta map[string]any, opts ...LLMOption) *LLMAgent {
	a := &LLMAgent{name: name, model: model, metadata: meta}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LLMAgent) Name() string {
	return a.name
}

func (a *LLMAgent) Execute(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
	res := types.TaskExecutionResult{NodeID: tc.NodeID}
	prompt, _ := tc.Config["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		res.Status = types.ExecutionFailed
		res.Error = fmt.Sprintf("%s: %s", tc.NodeID, ErrNoPrompt)
		return res, nil
	}

	system := a.system
	if s, ok := tc.Config["system"].(string); ok && s != "" {
		system = s
	}
	human, err := renderPrompt(prompt, tc.DependencyOutputs)
	if err != nil {
		return res, err
	}

	messages := make([]llms.MessageContent, 0, 2)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, human))

	start := time.Now()
	resp, err := a.model.GenerateContent(ctx, messages, a.callOptions...)
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return res, fmt.Errorf("LLM call failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		res.Status = types.ExecutionFailed
		res.Error = "LLM returned empty response (no choices)"
		return res, nil
	}

	choice := resp.Choices[0]
	res.Status = types.ExecutionCompleted
	res.Output = map[string]any{"text": choice.Content}
	if choice.StopReason != "" {
		res.Output["stop_reason"] = choice.StopReason
	}
	return res, nil
}

func (a *LLMAgent) Metadata() map[string]any {
	return a.metadata
}

// renderPrompt appends dependency outputs to the prompt in node ID order.
func renderPrompt(prompt string, deps map[string]map[string]any) (string, error) {
	if len(deps) == 0 {
		return prompt, nil
	}
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nResults of previous steps:\n")
	for _, id := range ids {
		out, err := json.Marshal(deps[id])
		if err != nil {
			return "", fmt.Errorf("encode output of %s: %w", id, err)
		}
		fmt.Fprintf(&b, "- %s: %s\n", id, out)
	}
	return b.String(), nil
}
