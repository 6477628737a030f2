// Package runner drives one campaign's graph to completion.
//
// Every campaign is owned by a single Coordinator goroutine. Status changes,
// operator commands and executor results are all serialized through that
// goroutine, so the graph needs no locking. Readers use the immutable
// Snapshot the coordinator publishes after every change.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avi3tal/campaigngraph/internal/events"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/retry"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Snapshot is a read replica of a campaign published by its coordinator.
type Snapshot struct {
	CampaignID  string
	RunID       string
	State       types.RunState
	Parallelism int
	Nodes       []types.GraphNode
	Summary     types.ExecutionSummary
	InFlight    int
	UpdatedAt   time.Time

	// PersistError describes writes that failed and are queued for retry.
	PersistError string
}

type inflight struct {
	exec   types.TaskExecution
	cancel context.CancelFunc
	span   trace.Span
}

// Coordinator is the single writer of one campaign's graph.
type Coordinator struct {
	campaignID string
	store      store.Store
	executor   types.Executor
	policy     *retry.Policy
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	defaultParallelism int
	taskTimeout        time.Duration
	storeTimeout       time.Duration
	persistRetry       time.Duration
	record             *types.RunRecord

	cmds      chan func()
	results   chan outcome
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	snapshot atomic.Pointer[Snapshot]

	// interrupted is set once by New when the loaded run record was still
	// RUNNING and the graph has work left.
	interrupted bool

	// Owned by the loop goroutine.
	g         *graph.Graph
	state     types.RunState
	run       types.RunConfig
	running   map[string]*inflight
	runCtx    context.Context
	runCancel context.CancelFunc
	runSpan   trace.Span
	done      chan struct{}
	timer     *time.Timer
	timerC    <-chan time.Time

	validation *types.DAGValidationResult
	unclosed   []types.TaskExecution
	runDirty   bool
	persistErr string
	flush      *time.Timer
	flushC     <-chan time.Time
}

// New starts a coordinator for g. The graph must already be persisted in st.
func New(g *graph.Graph, st store.Store, executor types.Executor, opts ...Option) (*Coordinator, error) {
	if executor == nil {
		return nil, ErrNoExecutor
	}
	c := &Coordinator{
		campaignID:         g.CampaignID(),
		store:              st,
		executor:           executor,
		policy:             retry.NewPolicy(),
		events:             events.Discard,
		logger:             slog.Default(),
		now:                time.Now,
		defaultParallelism: DefaultParallelism,
		storeTimeout:       DefaultStoreTimeout,
		persistRetry:       DefaultPersistRetry,
		cmds:               make(chan func()),
		results:            make(chan outcome),
		stop:               make(chan struct{}),
		stopped:            make(chan struct{}),
		g:                  g,
		running:            make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("campaign_id", c.campaignID))
	c.state = initialState(g)
	if rec := c.record; rec != nil {
		c.run = rec.Config()
		switch {
		case c.state == types.RunNotStarted && rec.State == types.RunRunning:
			c.interrupted = true
		case c.state.Concluded() && rec.State == types.RunCancelled:
			c.state = types.RunCancelled
		case c.state.Concluded() && rec.State != c.state:
			c.runDirty = true
		}
	}
	if c.state.Concluded() {
		c.done = make(chan struct{})
		close(c.done)
	}
	c.persist()
	c.publishSnapshot()

	go c.loop()
	return c, nil
}

// initialState infers the run state of a graph loaded from the store.
func initialState(g *graph.Graph) types.RunState {
	s := g.Summary()
	if s.Total == 0 || s.Pending == s.Total || s.Running > 0 || g.HasSchedulable() {
		return types.RunNotStarted
	}
	for _, n := range g.Nodes() {
		if n.ErrorKind == types.ErrorKindCancelled && n.Status.IsTerminal() {
			return types.RunCancelled
		}
	}
	if s.HasFailures {
		return types.RunFailed
	}
	return types.RunCompleted
}

// CampaignID returns the campaign this coordinator owns.
func (c *Coordinator) CampaignID() string {
	return c.campaignID
}

// Snapshot returns the latest published read replica.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Interrupted reports whether the coordinator was loaded from a run that was
// still in progress when its previous process stopped.
func (c *Coordinator) Interrupted() bool {
	return c.interrupted
}

// Close stops the loop, cancels in-flight attempts and waits for their
// goroutines. Results arriving after Close are discarded.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.stopped
	c.wg.Wait()
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stop:
			c.shutdown()
			return
		case fn := <-c.cmds:
			fn()
		case o := <-c.results:
			c.handleOutcome(o)
		case <-c.timerC:
			c.timerC = nil
			c.tick()
		case <-c.flushC:
			c.flushC = nil
			c.persist()
			c.publishSnapshot()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.stopTimer()
	c.stopFlush()
	c.persist()
	c.stopFlush()
	for _, inf := range c.running {
		inf.cancel()
		inf.span.End()
		runningTasks.Dec()
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.runSpan != nil {
		c.runSpan.End()
	}
	c.logger.Debug("coordinator stopped", slog.Int("in_flight", len(c.running)))
}

// do runs fn on the loop goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Start validates the graph and begins scheduling. With cfg.DryRun the
// would-be execution order is computed instead and nothing is persisted.
func (c *Coordinator) Start(ctx context.Context, cfg types.RunConfig) (types.StartExecutionResult, error) {
	var (
		result types.StartExecutionResult
		err    error
	)
	if cmdErr := c.do(ctx, func() {
		result, err = c.start(cfg)
	}); cmdErr != nil {
		return types.StartExecutionResult{}, cmdErr
	}
	return result, err
}

// validate checks the graph once; its structure never changes afterwards.
// No node may leave PENDING while the graph is invalid.
func (c *Coordinator) validate() (types.DAGValidationResult, error) {
	if c.validation == nil {
		v := graph.Validate(c.g.Definition())
		c.validation = &v
	}
	if !c.validation.IsValid {
		return *c.validation, fmt.Errorf("%w: %v", ErrInvalidGraph, graph.ResultError(*c.validation))
	}
	return *c.validation, nil
}

func (c *Coordinator) start(cfg types.RunConfig) (types.StartExecutionResult, error) {
	validation, err := c.validate()
	result := types.StartExecutionResult{Validation: &validation}
	if err != nil {
		return result, err
	}

	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = c.defaultParallelism
	}
	now := c.now()

	if cfg.DryRun {
		waves, summary := c.g.Plan(parallelism)
		result.ExecutableTasks = c.g.Ready(now)
		result.Summary = summary
		result.Plan = waves
		return result, nil
	}

	switch {
	case c.state == types.RunRunning:
		return result, ErrAlreadyRunning
	case c.state.Concluded():
		return result, fmt.Errorf("%w: %s", ErrRunConcluded, c.state)
	}

	c.run = cfg.Clone()
	c.run.Parallelism = parallelism
	if c.run.RunID == "" {
		c.run.RunID = uuid.NewString()
	}
	if cfg.TaskTimeout <= 0 {
		c.run.TaskTimeout = c.taskTimeout
	}
	c.beginRun()

	result.Started = true
	result.RunID = c.run.RunID
	result.ExecutableTasks = c.g.Ready(now)
	c.logger.Info("campaign run started",
		slog.String("run_id", c.run.RunID),
		slog.Int("parallelism", parallelism),
		slog.Int("ready", len(result.ExecutableTasks)))

	c.tick()
	result.Summary = c.g.Summary()
	return result, nil
}

// beginRun moves the run to RUNNING with a fresh run context. It is used on
// start and when an operator action resumes a failed run.
func (c *Coordinator) beginRun() {
	ctx, span := tracer.Start(context.Background(), "campaign.Run",
		trace.WithAttributes(
			attribute.String("campaign.id", c.campaignID),
			attribute.String("campaign.run_id", c.run.RunID),
			attribute.Int("campaign.parallelism", c.run.Parallelism),
			attribute.Int("campaign.node_count", c.g.Len()),
		),
	)
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.runSpan = span
	c.state = types.RunRunning
	c.runDirty = true
	c.done = make(chan struct{})
}

// Resume restarts an interrupted run with its persisted configuration.
func (c *Coordinator) Resume(ctx context.Context) (types.StartExecutionResult, error) {
	var (
		result types.StartExecutionResult
		err    error
	)
	if cmdErr := c.do(ctx, func() {
		if !c.interrupted || c.state != types.RunNotStarted {
			err = ErrNotInterrupted
			return
		}
		result, err = c.start(c.run)
		if err == nil {
			c.logger.Info("interrupted campaign run resumed", slog.String("run_id", c.run.RunID))
		}
	}); cmdErr != nil {
		return types.StartExecutionResult{}, cmdErr
	}
	return result, err
}

// tick is one scheduling pass: dispatch ready nodes into free slots, arm the
// backoff timer and check whether the run has settled.
func (c *Coordinator) tick() {
	c.persist()
	if c.state == types.RunRunning {
		now := c.now()
		if slots := c.run.Parallelism - len(c.running); slots > 0 {
			ready := c.g.Ready(now)
			if len(ready) > slots {
				ready = ready[:slots]
			}
			for _, task := range ready {
				c.dispatch(task, now)
			}
		}
		c.armTimer(now)
	}
	c.checkSettled()
	c.persist()
	c.publishSnapshot()
	c.release()
}

func (c *Coordinator) checkSettled() {
	if c.state != types.RunRunning || len(c.running) > 0 || c.g.HasSchedulable() {
		return
	}
	summary := c.g.Summary()
	if summary.HasFailures {
		c.conclude(types.RunFailed)
		c.emit(types.GraphEvent{Type: types.EventGraphFailed, Summary: &summary})
		c.logger.Warn("campaign run failed",
			slog.String("run_id", c.run.RunID),
			slog.Int("failed", summary.Failed),
			slog.Int("blocked", summary.Blocked),
			slog.Int("completed", summary.Completed))
		return
	}
	c.conclude(types.RunCompleted)
	c.emit(types.GraphEvent{Type: types.EventGraphCompleted, Summary: &summary})
	c.logger.Info("campaign run completed",
		slog.String("run_id", c.run.RunID),
		slog.Int("completed", summary.Completed),
		slog.Int("skipped", summary.Skipped))
}

// conclude records the verdict. The done channel is closed by release once
// the snapshot reflects it and no attempt is in flight.
func (c *Coordinator) conclude(state types.RunState) {
	c.state = state
	c.runDirty = true
	c.stopTimer()
	runsConcluded.WithLabelValues(state.String()).Inc()
	if c.runSpan != nil {
		if state == types.RunCompleted {
			c.runSpan.SetStatus(codes.Ok, "")
		} else {
			c.runSpan.SetStatus(codes.Error, state.String())
		}
	}
}

// release closes the done channel and frees the run context once nothing is
// in flight.
func (c *Coordinator) release() {
	if !c.state.Concluded() || len(c.running) > 0 {
		return
	}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	if c.runSpan != nil {
		c.runSpan.End()
		c.runSpan = nil
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

func (c *Coordinator) armTimer(now time.Time) {
	c.stopTimer()
	next, ok := c.g.NextWake(now)
	if !ok {
		return
	}
	c.timer = time.NewTimer(next.Sub(now))
	c.timerC = c.timer.C
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerC = nil
}

func (c *Coordinator) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.storeTimeout)
}

// persist flushes pending writes in order: closed attempt records, changed
// nodes, then the run record. Writes that fail stay queued; they are retried
// on the next scheduling pass or when the flush timer fires.
func (c *Coordinator) persist() {
	if len(c.unclosed) == 0 && !c.runDirty && !c.g.IsDirty() {
		return
	}
	ctx, cancel := c.storeCtx()
	defer cancel()
	var failures []string

	for len(c.unclosed) > 0 {
		exec := c.unclosed[0]
		err := c.store.CompleteExecution(ctx, exec)
		if err != nil && !errors.Is(err, store.ErrExecutionClosed) {
			storeErrors.WithLabelValues("complete_execution").Inc()
			c.logger.Error("failed to close attempt record",
				slog.String("node_id", exec.GraphNodeID),
				slog.Int("attempt", exec.AttemptNumber),
				slog.String("error", err.Error()))
			failures = append(failures, fmt.Sprintf("close attempt %d of %s: %v", exec.AttemptNumber, exec.GraphNodeID, err))
			break
		}
		c.unclosed = c.unclosed[1:]
	}

	if dirty := c.g.TakeDirty(); len(dirty) > 0 {
		if err := c.store.UpsertNodes(ctx, c.campaignID, dirty); err != nil {
			storeErrors.WithLabelValues("upsert_nodes").Inc()
			ids := make([]string, 0, len(dirty))
			for _, n := range dirty {
				ids = append(ids, n.NodeID)
			}
			c.g.MarkDirty(ids...)
			c.logger.Error("failed to persist node status", slog.Int("nodes", len(dirty)), slog.String("error", err.Error()))
			failures = append(failures, fmt.Sprintf("upsert %d nodes: %v", len(dirty), err))
		}
	}

	if c.runDirty && c.state != types.RunNotStarted {
		if err := c.store.SaveRun(ctx, c.runRecord()); err != nil {
			storeErrors.WithLabelValues("save_run").Inc()
			c.logger.Error("failed to persist run state", slog.String("state", c.state.String()), slog.String("error", err.Error()))
			failures = append(failures, fmt.Sprintf("save run: %v", err))
		} else {
			c.runDirty = false
		}
	}

	c.persistErr = strings.Join(failures, "; ")
	if len(failures) > 0 {
		c.armFlush()
	} else {
		c.stopFlush()
	}
}

func (c *Coordinator) runRecord() types.RunRecord {
	return types.RunRecord{
		CampaignID:  c.campaignID,
		RunID:       c.run.RunID,
		State:       c.state,
		Parallelism: c.run.Parallelism,
		TaskTimeout: c.run.TaskTimeout,
		UpdatedAt:   c.now().UTC(),
	}
}

func (c *Coordinator) armFlush() {
	if c.flushC != nil {
		return
	}
	c.flush = time.NewTimer(c.persistRetry)
	c.flushC = c.flush.C
}

func (c *Coordinator) stopFlush() {
	if c.flush != nil {
		c.flush.Stop()
		c.flush = nil
	}
	c.flushC = nil
}

func (c *Coordinator) publishSnapshot() {
	nodes := c.g.Nodes()
	c.snapshot.Store(&Snapshot{
		CampaignID:  c.campaignID,
		RunID:       c.run.RunID,
		State:       c.state,
		Parallelism: c.run.Parallelism,
		Nodes:       nodes,
		Summary:     graph.Summarize(nodes),
		InFlight:    len(c.running),
		UpdatedAt:   c.now(),

		PersistError: c.persistErr,
	})
}

func (c *Coordinator) emit(evt types.GraphEvent) {
	evt.ID = uuid.NewString()
	evt.CampaignID = c.campaignID
	evt.Timestamp = c.now().UTC()
	c.events.Publish(evt)
}

// Wait blocks until the current run concludes and returns its summary. A run
// that concluded before the coordinator was loaded returns immediately.
func (c *Coordinator) Wait(ctx context.Context) (types.ExecutionSummary, error) {
	var (
		done  chan struct{}
		state types.RunState
	)
	if err := c.do(ctx, func() {
		done, state = c.done, c.state
	}); err != nil {
		return types.ExecutionSummary{}, err
	}
	if state == types.RunNotStarted || done == nil {
		return types.ExecutionSummary{}, ErrNotStarted
	}
	select {
	case <-done:
		return c.Snapshot().Summary, nil
	case <-ctx.Done():
		return types.ExecutionSummary{}, ctx.Err()
	case <-c.stopped:
		return types.ExecutionSummary{}, ErrClosed
	}
}
