package workflow

import (
	"errors"
	"fmt"

	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// ErrDuplicateStep is returned when two steps share an ID
var ErrDuplicateStep = errors.New("step already added")

// Builder is the top-level DSL object. It accumulates a campaign's task graph.
type Builder struct {
	name  string
	nodes []types.TaskDefinition
	index map[string]int
	err   error
}

// NewBuilder creates an empty workflow.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, index: make(map[string]int)}
}

func (wf *Builder) Name() string {
	return wf.name
}

// Definition returns the graph built so far without validating it.
func (wf *Builder) Definition() types.TaskGraphDefinition {
	def := types.TaskGraphDefinition{Nodes: make([]types.TaskDefinition, 0, len(wf.nodes))}
	for _, n := range wf.nodes {
		n.Config = types.CloneMap(n.Config)
		n.Metadata = types.CloneMap(n.Metadata)
		n.DependsOn = append([]string(nil), n.DependsOn...)
		def.Nodes = append(def.Nodes, n)
	}
	return def
}

// Build returns the definition, or the first builder error, or the
// validation error of a definition that is not a DAG.
func (wf *Builder) Build() (types.TaskGraphDefinition, error) {
	if wf.err != nil {
		return types.TaskGraphDefinition{}, wf.err
	}
	def := wf.Definition()
	if err := graph.Check(def); err != nil {
		return def, fmt.Errorf("workflow %q: %w", wf.name, err)
	}
	return def, nil
}

func (wf *Builder) add(s Step, deps []string) error {
	if wf.err != nil {
		return wf.err
	}
	if _, exists := wf.index[s.id]; exists {
		wf.err = fmt.Errorf("%w: %s", ErrDuplicateStep, s.id)
		return wf.err
	}
	td := s.definition()
	td.DependsOn = append(td.DependsOn, deps...)
	wf.index[s.id] = len(wf.nodes)
	wf.nodes = append(wf.nodes, td)
	return nil
}

// Add adds a step with no dependencies and returns a flow starting at it.
func (wf *Builder) Add(s Step) *Flow {
	if err := wf.add(s, nil); err != nil {
		return &Flow{wf: wf, err: err}
	}
	return &Flow{wf: wf, tails: []string{s.id}}
}

// After starts a flow from steps that were already added.
func (wf *Builder) After(ids ...string) *Flow {
	for _, id := range ids {
		if _, ok := wf.index[id]; !ok {
			return &Flow{wf: wf, err: fmt.Errorf("After(%q): %w", id, graph.ErrNodeNotFound)}
		}
	}
	return &Flow{wf: wf, tails: append([]string(nil), ids...)}
}

// Flow references the steps the next step will depend on.
type Flow struct {
	wf    *Builder
	tails []string
	err   error
}

func (f *Flow) Err() error {
	return f.err
}

// Then adds a step that depends on every current tail.
func (f *Flow) Then(next Step) *Flow {
	if f.err != nil {
		return f
	}
	if err := f.wf.add(next, f.tails); err != nil {
		return &Flow{wf: f.wf, err: fmt.Errorf("Then(%q): %w", next.id, err)}
	}
	return &Flow{wf: f.wf, tails: []string{next.id}}
}

// ThenAll fans out: every step depends on the current tails and the steps
// may run concurrently. Call Join to continue from all of them.
func (f *Flow) ThenAll(steps ...Step) *ParallelBuilder {
	pb := &ParallelBuilder{wf: f.wf, err: f.err}
	if pb.err != nil {
		return pb
	}
	for _, s := range steps {
		if err := f.wf.add(s, f.tails); err != nil {
			pb.err = fmt.Errorf("[ThenAll]: could not add step %q: %w", s.id, err)
			return pb
		}
		pb.branches = append(pb.branches, s.id)
	}
	return pb
}

// ThenSubWorkflow inlines another builder's steps. Their IDs are prefixed
// with "<name>/", its root steps depend on the current tails, and the flow
// continues from its leaf steps.
func (f *Flow) ThenSubWorkflow(sub *Builder) *Flow {
	if f.err != nil {
		return f
	}
	def, err := sub.Build()
	if err != nil {
		return &Flow{wf: f.wf, err: fmt.Errorf("ThenSubWorkflow(%q): %w", sub.name, err)}
	}

	prefix := sub.name + "/"
	hasDependents := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		for _, d := range n.DependsOn {
			hasDependents[d] = true
		}
	}

	var leaves []string
	for _, n := range def.Nodes {
		deps := make([]string, 0, len(n.DependsOn))
		for _, d := range n.DependsOn {
			deps = append(deps, prefix+d)
		}
		if len(deps) == 0 {
			deps = f.tails
		}
		s := Step{
			id:         prefix + n.NodeID,
			taskType:   n.TaskType,
			agentType:  n.AgentType,
			config:     n.Config,
			metadata:   n.Metadata,
			priority:   n.Priority,
			maxRetries: n.MaxRetries,
		}
		if err := f.wf.add(s, deps); err != nil {
			return &Flow{wf: f.wf, err: fmt.Errorf("ThenSubWorkflow(%q): %w", sub.name, err)}
		}
		if !hasDependents[n.NodeID] {
			leaves = append(leaves, s.id)
		}
	}
	return &Flow{wf: f.wf, tails: leaves}
}

// ParallelBuilder holds the steps of a fan-out until Join.
type ParallelBuilder struct {
	wf       *Builder
	branches []string
	err      error
}

func (pb *ParallelBuilder) Err() error {
	return pb.err
}

// Join adds a step that waits for every parallel branch.
func (pb *ParallelBuilder) Join(join Step) *Flow {
	if pb.err != nil {
		return &Flow{wf: pb.wf, err: pb.err}
	}
	if err := pb.wf.add(join, pb.branches); err != nil {
		return &Flow{wf: pb.wf, err: fmt.Errorf("[Join]: %w", err)}
	}
	return &Flow{wf: pb.wf, tails: []string{join.id}}
}

// Branches continues from all parallel steps without a join step.
func (pb *ParallelBuilder) Branches() *Flow {
	return &Flow{wf: pb.wf, tails: append([]string(nil), pb.branches...), err: pb.err}
}
