package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/avi3tal/campaigngraph/internal/config"
	"github.com/avi3tal/campaigngraph/pkg/agents"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

const llmAgentName = "llm"

// buildRegistry registers the configured remote agents and, when a provider
// is set, the LLM agent.
func buildRegistry(cfg *config.Config, echoFallback bool) (*agents.Registry, error) {
	registry, err := agents.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, ac := range cfg.Agents {
		var opts []agents.RemoteOption
		if ac.Timeout > 0 {
			opts = append(opts, agents.WithTimeout(ac.Timeout))
		}
		if err := registry.Register(agents.NewRemoteAgent(ac.Name, ac.URL, map[string]any{"url": ac.URL}, opts...)); err != nil {
			return nil, err
		}
	}

	if cfg.LLM.Provider != "" {
		opts := []openai.Option{openai.WithToken(cfg.LLM.APIKey)}
		if cfg.LLM.Model != "" {
			opts = append(opts, openai.WithModel(cfg.LLM.Model))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create %s model: %w", cfg.LLM.Provider, err)
		}
		meta := map[string]any{"provider": cfg.LLM.Provider, "model": cfg.LLM.Model}
		if err := registry.Register(agents.NewLLMAgent(llmAgentName, model, meta)); err != nil {
			return nil, err
		}
	}

	if echoFallback {
		registry.SetFallback(echoAgent())
	}
	return registry, nil
}

// echoAgent completes every task with its own description and the IDs of the
// dependency outputs it received.
func echoAgent() agents.Agent {
	return agents.NewSimpleAgent("echo", func(_ context.Context, tc types.TaskExecutionContext) (map[string]any, error) {
		inputs := make([]string, 0, len(tc.DependencyOutputs))
		for id := range tc.DependencyOutputs {
			inputs = append(inputs, id)
		}
		sort.Strings(inputs)
		return map[string]any{
			"node_id":   tc.NodeID,
			"task_type": tc.TaskType,
			"attempt":   tc.Attempt,
			"inputs":    inputs,
		}, nil
	}, nil)
}
