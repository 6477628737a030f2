package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// ErrCampaignFailed is returned by Invoke when a run ends with failed nodes.
var ErrCampaignFailed = errors.New("campaign finished with failures")

// Listener is awaited for the next campaign to run the workflow for.
// For example, it might be reading from a queue or an HTTP endpoint.
type Listener interface {
	// WaitForCampaign blocks until a campaign ID is available or ctx is done.
	WaitForCampaign(ctx context.Context) (string, error)
}

// Callback is invoked after execution (success or error).
type Callback interface {
	OnComplete(ctx context.Context, campaignID string, summary types.ExecutionSummary) error
	OnError(ctx context.Context, campaignID string, err error) error
}

// App binds a built workflow to an engine. Every invocation instantiates the
// workflow's graph for one campaign and runs it to the end.
type App struct {
	workflow    *Builder
	definition  types.TaskGraphDefinition
	engine      *engine.Engine
	listener    Listener
	callback    Callback
	parallelism int
}

// AppOption is a functional option that configures the App before finalizing.
type AppOption func(*App)

func WithListener(l Listener) AppOption {
	return func(a *App) {
		a.listener = l
	}
}

func WithCallback(cb Callback) AppOption {
	return func(a *App) {
		a.callback = cb
	}
}

// WithParallelism bounds concurrent tasks per run. Zero keeps the engine default.
func WithParallelism(n int) AppOption {
	return func(a *App) {
		a.parallelism = n
	}
}

// NewApp builds the workflow and sets up optional Listener, Callback, etc.
func NewApp(wf *Builder, eng *engine.Engine, opts ...AppOption) (*App, error) {
	if eng == nil {
		return nil, errors.New("NewApp: engine is required")
	}
	def, err := wf.Build()
	if err != nil {
		return nil, fmt.Errorf("NewApp: failed to build workflow: %w", err)
	}
	app := &App{workflow: wf, definition: def, engine: eng}
	for _, opt := range opts {
		opt(app)
	}
	return app, nil
}

// Definition returns the graph every invocation instantiates.
func (app *App) Definition() types.TaskGraphDefinition {
	return app.definition
}

// Invoke runs the workflow *once* for campaignID and waits for the run to
// conclude. If the App has a callback set, OnComplete/OnError is called here.
func (app *App) Invoke(ctx context.Context, campaignID string) (types.ExecutionSummary, error) {
	summary, err := app.run(ctx, campaignID)
	if err != nil {
		if app.callback != nil {
			_ = app.callback.OnError(ctx, campaignID, err)
		}
		return summary, errors.Wrapf(err, "invoke: workflow %s failed for campaign %s", app.workflow.Name(), campaignID)
	}
	if app.callback != nil {
		if cbErr := app.callback.OnComplete(ctx, campaignID, summary); cbErr != nil {
			return summary, fmt.Errorf("invoke: callback OnComplete failed: %w", cbErr)
		}
	}
	return summary, nil
}

func (app *App) run(ctx context.Context, campaignID string) (types.ExecutionSummary, error) {
	if _, err := app.engine.CreateGraph(ctx, types.CreateGraphRequest{
		CampaignID: campaignID,
		Graph:      app.definition,
		Validate:   true,
	}); err != nil {
		return types.ExecutionSummary{}, err
	}
	if _, err := app.engine.StartExecution(ctx, types.StartExecutionRequest{
		CampaignID:  campaignID,
		Parallelism: app.parallelism,
	}); err != nil {
		return types.ExecutionSummary{}, err
	}
	summary, err := app.engine.Wait(ctx, campaignID)
	if err != nil {
		return summary, err
	}
	if summary.HasFailures {
		return summary, fmt.Errorf("%w: %d of %d nodes failed", ErrCampaignFailed, summary.Failed, summary.Total)
	}
	return summary, nil
}

// Start runs in a loop, invoking the workflow for each campaign the Listener
// yields. It blocks until ctx is cancelled.
func (app *App) Start(ctx context.Context) error {
	if app.listener == nil {
		return errors.New("start called, but no Listener is configured")
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "context is done")
		default:
		}

		campaignID, err := app.listener.WaitForCampaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if app.callback != nil {
				_ = app.callback.OnError(ctx, "", err)
			}
			continue
		}

		// OnError has been called in Invoke; keep serving the next campaign
		_, _ = app.Invoke(ctx, campaignID)
	}
}
