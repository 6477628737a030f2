// Package engine is the multi-campaign facade over the graph runner. It owns
// one coordinator per campaign, loading campaigns from the store on first use.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/avi3tal/campaigngraph/internal/events"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/runner"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Engine accepts graph submissions and run control for many campaigns.
// Campaigns share nothing but the store, the executor and the event bus.
type Engine struct {
	store    store.Store
	executor types.Executor
	bus      *events.Bus
	logger   *slog.Logger

	runnerOpts      []runner.Option
	graphOpts       []graph.Option
	publishers      []events.Publisher
	eventBuffer     int
	resumeRecovered bool

	mu        sync.Mutex
	campaigns map[string]*runner.Coordinator
	closed    bool

	// loads collapses concurrent first-use loads of one campaign. Loads of
	// different campaigns run in parallel without holding mu.
	loads singleflight.Group
}

// New creates an engine over st that dispatches tasks to executor.
func New(st store.Store, executor types.Executor, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	if executor == nil {
		return nil, runner.ErrNoExecutor
	}
	e := &Engine{
		store:       st,
		executor:    executor,
		logger:      slog.Default(),
		eventBuffer: events.DefaultBuffer,
		campaigns:   make(map[string]*runner.Coordinator),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bus = events.NewBus(e.logger)
	return e, nil
}

func (e *Engine) coordinatorOptions() []runner.Option {
	var pub events.Publisher = e.bus
	if len(e.publishers) > 0 {
		pub = append(events.Multi{e.bus}, e.publishers...)
	}
	opts := []runner.Option{runner.WithLogger(e.logger), runner.WithEvents(pub)}
	return append(opts, e.runnerOpts...)
}

// Validate checks a definition without storing anything.
func (e *Engine) Validate(def types.TaskGraphDefinition) types.DAGValidationResult {
	return graph.Validate(def)
}

// CreateGraph persists a campaign's node set, every node PENDING. With
// req.Validate an invalid DAG is rejected and nothing is stored; without it
// the graph is stored and a run start or operator action enforces validity.
// Definitions with empty or repeated node IDs cannot be stored as a node set
// and are always rejected.
func (e *Engine) CreateGraph(ctx context.Context, req types.CreateGraphRequest) (types.CreateGraphResult, error) {
	if req.CampaignID == "" {
		return types.CreateGraphResult{}, ErrMissingCampaignID
	}
	validation := graph.Validate(req.Graph)
	result := types.CreateGraphResult{Validation: validation}
	if err := graph.CheckIdentity(req.Graph); err != nil {
		return result, errors.Wrapf(fmt.Errorf("%w: %w", ErrInvalidGraph, err),
			"create graph for campaign %s", req.CampaignID)
	}
	if req.Validate && !validation.IsValid {
		return result, errors.Wrapf(fmt.Errorf("%w: %w", ErrInvalidGraph, graph.ResultError(validation)),
			"create graph for campaign %s", req.CampaignID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return result, ErrClosed
	}

	g := graph.FromDefinition(req.CampaignID, req.Graph, e.graphOpts...)
	nodes := g.Nodes()
	if err := e.store.CreateGraph(ctx, req.CampaignID, nodes); err != nil {
		return result, errors.Wrapf(err, "create graph for campaign %s", req.CampaignID)
	}
	c, err := runner.New(g, e.store, e.executor, e.coordinatorOptions()...)
	if err != nil {
		return result, errors.Wrapf(err, "create graph for campaign %s", req.CampaignID)
	}
	e.campaigns[req.CampaignID] = c

	result.NodesCreated = len(nodes)
	result.Graph = nodes
	e.logger.Info("campaign graph created",
		slog.String("campaign_id", req.CampaignID),
		slog.Int("nodes", len(nodes)),
		slog.Bool("valid", validation.IsValid))
	return result, nil
}

// coordinator returns the campaign's coordinator, loading it from the store
// if this process has not seen the campaign yet.
func (e *Engine) coordinator(ctx context.Context, campaignID string) (*runner.Coordinator, error) {
	if campaignID == "" {
		return nil, ErrMissingCampaignID
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := e.campaigns[campaignID]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	v, err, _ := e.loads.Do(campaignID, func() (any, error) {
		return e.load(ctx, campaignID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*runner.Coordinator), nil
}

// load reads a campaign from the store without holding mu. A run that was
// in progress when the previous process stopped is resumed with its
// persisted configuration when WithResumeRecovered is set.
func (e *Engine) load(ctx context.Context, campaignID string) (*runner.Coordinator, error) {
	e.mu.Lock()
	if c, ok := e.campaigns[campaignID]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, recovered, err := runner.Load(ctx, campaignID, e.store, e.executor, e.coordinatorOptions()...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	if existing, ok := e.campaigns[campaignID]; ok {
		e.mu.Unlock()
		c.Close()
		return existing, nil
	}
	e.campaigns[campaignID] = c
	e.mu.Unlock()

	e.logger.Debug("campaign loaded",
		slog.String("campaign_id", campaignID),
		slog.Int("recovered", len(recovered)),
		slog.Bool("interrupted", c.Interrupted()))
	if e.resumeRecovered && c.Interrupted() {
		if _, err := c.Resume(ctx); err != nil {
			e.logger.Error("failed to resume interrupted campaign",
				slog.String("campaign_id", campaignID),
				slog.String("error", err.Error()))
		}
	}
	return c, nil
}

// Recover loads every stored campaign so interrupted runs are resumed when
// WithResumeRecovered is set. It returns the number of campaigns loaded.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list campaigns")
	}
	for _, id := range ids {
		if _, err := e.coordinator(ctx, id); err != nil {
			return 0, errors.Wrapf(err, "load campaign %s", id)
		}
	}
	return len(ids), nil
}

// StartExecution begins a run, or computes its plan when req.DryRun is set.
func (e *Engine) StartExecution(ctx context.Context, req types.StartExecutionRequest) (types.StartExecutionResult, error) {
	c, err := e.coordinator(ctx, req.CampaignID)
	if err != nil {
		return types.StartExecutionResult{}, errors.Wrapf(err, "start campaign %s", req.CampaignID)
	}
	res, err := c.Start(ctx, types.RunConfig{
		Parallelism: req.Parallelism,
		DryRun:      req.DryRun,
	})
	if err != nil {
		return res, errors.Wrapf(err, "start campaign %s", req.CampaignID)
	}
	return res, nil
}

// RetryTask re-arms a terminally FAILED node.
func (e *Engine) RetryTask(ctx context.Context, req types.RetryTaskRequest) (types.RetryTaskResult, error) {
	c, err := e.coordinator(ctx, req.CampaignID)
	if err != nil {
		return types.RetryTaskResult{}, errors.Wrapf(err, "retry task %s", req.NodeID)
	}
	res, err := c.Retry(ctx, req.NodeID, req.ResetRetryCount)
	if err != nil {
		return res, errors.Wrapf(err, "retry task %s", req.NodeID)
	}
	return res, nil
}

// SkipTask marks a PENDING or BLOCKED node SKIPPED.
func (e *Engine) SkipTask(ctx context.Context, req types.SkipTaskRequest) (types.SkipTaskResult, error) {
	c, err := e.coordinator(ctx, req.CampaignID)
	if err != nil {
		return types.SkipTaskResult{}, errors.Wrapf(err, "skip task %s", req.NodeID)
	}
	res, err := c.Skip(ctx, req.NodeID, req.Reason)
	if err != nil {
		return res, errors.Wrapf(err, "skip task %s", req.NodeID)
	}
	return res, nil
}

// CancelExecution stops a campaign's run.
func (e *Engine) CancelExecution(ctx context.Context, req types.CancelExecutionRequest) (types.CancelExecutionResult, error) {
	c, err := e.coordinator(ctx, req.CampaignID)
	if err != nil {
		return types.CancelExecutionResult{}, errors.Wrapf(err, "cancel campaign %s", req.CampaignID)
	}
	res, err := c.Cancel(ctx, req.Reason)
	if err != nil {
		return res, errors.Wrapf(err, "cancel campaign %s", req.CampaignID)
	}
	return res, nil
}

// Snapshot returns the latest read replica of a campaign.
func (e *Engine) Snapshot(ctx context.Context, campaignID string) (*runner.Snapshot, error) {
	c, err := e.coordinator(ctx, campaignID)
	if err != nil {
		return nil, errors.Wrapf(err, "campaign %s", campaignID)
	}
	return c.Snapshot(), nil
}

// Summary returns the derived status counts of a campaign.
func (e *Engine) Summary(ctx context.Context, campaignID string) (types.ExecutionSummary, error) {
	snap, err := e.Snapshot(ctx, campaignID)
	if err != nil {
		return types.ExecutionSummary{}, err
	}
	return snap.Summary, nil
}

// Nodes returns a campaign's nodes ordered by node ID.
func (e *Engine) Nodes(ctx context.Context, campaignID string) ([]types.GraphNode, error) {
	snap, err := e.Snapshot(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return snap.Nodes, nil
}

// Node returns one node of a campaign.
func (e *Engine) Node(ctx context.Context, campaignID, nodeID string) (types.GraphNode, error) {
	nodes, err := e.Nodes(ctx, campaignID)
	if err != nil {
		return types.GraphNode{}, err
	}
	i := sort.Search(len(nodes), func(i int) bool { return nodes[i].NodeID >= nodeID })
	if i == len(nodes) || nodes[i].NodeID != nodeID {
		return types.GraphNode{}, errors.Wrapf(graph.ErrNodeNotFound, "campaign %s node %s", campaignID, nodeID)
	}
	return nodes[i], nil
}

// Ready lists the nodes the resolver would dispatch right now.
func (e *Engine) Ready(ctx context.Context, campaignID string) ([]types.ExecutableTask, error) {
	nodes, err := e.Nodes(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return graph.ResolveReady(nodes, time.Now()), nil
}

// Executions returns the attempt records of one node, or of the whole
// campaign when nodeID is empty.
func (e *Engine) Executions(ctx context.Context, campaignID, nodeID string) ([]types.TaskExecution, error) {
	if nodeID != "" {
		if _, err := e.Node(ctx, campaignID, nodeID); err != nil {
			return nil, err
		}
	} else if _, err := e.coordinator(ctx, campaignID); err != nil {
		return nil, errors.Wrapf(err, "campaign %s", campaignID)
	}
	execs, err := e.store.ListExecutions(ctx, campaignID, nodeID)
	if err != nil {
		return nil, errors.Wrapf(err, "list executions of campaign %s", campaignID)
	}
	return execs, nil
}

// Wait blocks until the campaign's current run concludes.
func (e *Engine) Wait(ctx context.Context, campaignID string) (types.ExecutionSummary, error) {
	c, err := e.coordinator(ctx, campaignID)
	if err != nil {
		return types.ExecutionSummary{}, errors.Wrapf(err, "wait for campaign %s", campaignID)
	}
	summary, err := c.Wait(ctx)
	if err != nil {
		return summary, errors.Wrapf(err, "wait for campaign %s", campaignID)
	}
	return summary, nil
}

// Campaigns lists every stored campaign ID.
func (e *Engine) Campaigns(ctx context.Context) ([]string, error) {
	ids, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list campaigns")
	}
	return ids, nil
}

// Subscribe streams graph events of one campaign, or all campaigns when
// campaignID is empty. Call the returned function to unsubscribe.
func (e *Engine) Subscribe(campaignID string) (<-chan types.GraphEvent, func()) {
	return e.bus.Subscribe(campaignID, e.eventBuffer)
}

// Close stops every coordinator and the event bus. The store is left open;
// it belongs to the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	coordinators := make([]*runner.Coordinator, 0, len(e.campaigns))
	for _, c := range e.campaigns {
		coordinators = append(coordinators, c)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coordinators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	e.bus.Close()
	e.logger.Info("engine stopped", slog.Int("campaigns", len(coordinators)))
}
