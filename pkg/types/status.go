package types

import (
	"fmt"
	"strings"
)

// NodeStatus is the execution state of a single graph node.
type NodeStatus uint8

const (
	StatusPending NodeStatus = iota + 1
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusBlocked
	StatusSkipped
)

var nodeStatusNames = map[NodeStatus]string{
	StatusPending:   "PENDING",
	StatusRunning:   "RUNNING",
	StatusCompleted: "COMPLETED",
	StatusFailed:    "FAILED",
	StatusBlocked:   "BLOCKED",
	StatusSkipped:   "SKIPPED",
}

// AllNodeStatuses lists every valid node status in lifecycle order.
func AllNodeStatuses() []NodeStatus {
	return []NodeStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked, StatusSkipped}
}

func (s NodeStatus) String() string {
	if name, ok := nodeStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NodeStatus(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s NodeStatus) Valid() bool {
	_, ok := nodeStatusNames[s]
	return ok
}

// IsTerminal reports whether the node will not transition further on its own.
// BLOCKED is not terminal: an operator skip or retry can release it.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	case StatusPending, StatusRunning, StatusBlocked:
		return false
	default:
		return false
	}
}

// SatisfiesDependency reports whether a dependency in this status lets its
// dependents run.
func (s NodeStatus) SatisfiesDependency() bool {
	switch s {
	case StatusCompleted, StatusSkipped:
		return true
	case StatusPending, StatusRunning, StatusFailed, StatusBlocked:
		return false
	default:
		return false
	}
}

// ParseNodeStatus parses the upper- or lower-case name of a status.
func ParseNodeStatus(s string) (NodeStatus, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for st, name := range nodeStatusNames {
		if name == want {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown node status %q", s)
}

func (s NodeStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid node status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *NodeStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ExecutionStatus is the state of one attempt record.
type ExecutionStatus uint8

const (
	ExecutionRunning ExecutionStatus = iota + 1
	ExecutionCompleted
	ExecutionFailed
)

var executionStatusNames = map[ExecutionStatus]string{
	ExecutionRunning:   "RUNNING",
	ExecutionCompleted: "COMPLETED",
	ExecutionFailed:    "FAILED",
}

func (s ExecutionStatus) String() string {
	if name, ok := executionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ExecutionStatus(%d)", uint8(s))
}

func (s ExecutionStatus) MarshalText() ([]byte, error) {
	if _, ok := executionStatusNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal invalid execution status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *ExecutionStatus) UnmarshalText(text []byte) error {
	want := strings.ToUpper(strings.TrimSpace(string(text)))
	for st, name := range executionStatusNames {
		if name == want {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown execution status %q", string(text))
}

// RunState is the lifecycle of one campaign's graph run.
type RunState uint8

const (
	RunNotStarted RunState = iota
	RunRunning
	RunCompleted
	RunFailed
	RunCancelled
)

var runStateNames = map[RunState]string{
	RunNotStarted: "NOT_STARTED",
	RunRunning:    "RUNNING",
	RunCompleted:  "COMPLETED",
	RunFailed:     "FAILED",
	RunCancelled:  "CANCELLED",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunState(%d)", uint8(s))
}

// Concluded reports whether the run has reached a verdict.
func (s RunState) Concluded() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	case RunNotStarted, RunRunning:
		return false
	default:
		return false
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	if _, ok := runStateNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal invalid run state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *RunState) UnmarshalText(text []byte) error {
	want := strings.ToUpper(strings.TrimSpace(string(text)))
	for st, name := range runStateNames {
		if name == want {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", string(text))
}

// ErrorKind tells dashboards whether a failure came from task logic or from
// the infrastructure around it.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindTask           ErrorKind = "task"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
	ErrorKindInterrupted    ErrorKind = "interrupted"
	ErrorKindCancelled      ErrorKind = "cancelled"
)

// IsInfrastructure reports whether the failure was caused by something other
// than the task's own logic.
func (k ErrorKind) IsInfrastructure() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindInfrastructure, ErrorKindInterrupted, ErrorKindCancelled:
		return true
	default:
		return false
	}
}
