package engine

import (
	"log/slog"

	"github.com/avi3tal/campaigngraph/internal/events"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/runner"
)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger shared by the engine and its coordinators
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRunnerOptions passes options to every coordinator the engine starts
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(e *Engine) {
		e.runnerOpts = append(e.runnerOpts, opts...)
	}
}

// WithDefaultMaxRetries sets maxRetries for submitted nodes that omit it
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.graphOpts = append(e.graphOpts, graph.WithDefaultMaxRetries(n))
		}
	}
}

// WithEventBuffer sets the channel size of new event subscriptions
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	}
}

// WithPublisher adds a publisher that receives every graph event alongside
// the engine's bus
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publishers = append(e.publishers, p)
		}
	}
}

// WithResumeRecovered restarts runs whose in-flight attempts were interrupted
// by a previous process as soon as their campaign is loaded
func WithResumeRecovered(resume bool) Option {
	return func(e *Engine) {
		e.resumeRecovered = resume
	}
}
