package graph

import (
	"errors"
	"fmt"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

var (
	// ErrNodeNotFound is returned when referencing a non-existent node
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when two definitions share a node ID
	ErrDuplicateNode = errors.New("node with this ID already exists")

	// ErrEmptyNodeID is returned for a definition without a node ID
	ErrEmptyNodeID = errors.New("node ID must not be empty")

	// ErrEmptyGraph is returned when a definition has no nodes
	ErrEmptyGraph = errors.New("graph must contain at least one node")

	// ErrCyclicDependency is returned when a cycle is detected in the graph
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrMissingDependency is returned when dependsOn names an unknown node
	ErrMissingDependency = errors.New("dependency does not exist")

	// ErrInvalidRetries is returned for a negative maxRetries
	ErrInvalidRetries = errors.New("max retries must not be negative")

	// ErrSkipRunning is returned when skipping a node with an attempt in flight
	ErrSkipRunning = errors.New("cannot skip a running node; wait for the attempt to resolve")

	// ErrNotSkippable is returned when skipping a node that already resolved
	ErrNotSkippable = errors.New("only pending or blocked nodes can be skipped")

	// ErrNotFailed is returned when re-arming a node that is not FAILED
	ErrNotFailed = errors.New("only failed nodes can be retried")

	// ErrInvalidTransition is returned for any other disallowed status change
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError represents an error that occurs during graph validation
type ValidationError struct {
	// Op is the check that failed
	Op string
	// Node is the ID of the node involved (if any)
	Node string
	// Err is the underlying error
	Err error
}

func (e *ValidationError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("validation failed: %s: node '%s': %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError
func NewValidationError(op string, node string, err error) error {
	return &ValidationError{
		Op:   op,
		Node: node,
		Err:  err,
	}
}

// TransitionError reports a rejected status change on a node.
type TransitionError struct {
	Node string
	From types.NodeStatus
	To   types.NodeStatus
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s on node '%s': %v", e.From, e.To, e.Node, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// NewTransitionError creates a new TransitionError
func NewTransitionError(node string, from, to types.NodeStatus, err error) error {
	return &TransitionError{
		Node: node,
		From: from,
		To:   to,
		Err:  err,
	}
}
