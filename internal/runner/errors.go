package runner

import "errors"

var (
	// ErrAlreadyRunning is returned when starting a run that is in progress
	ErrAlreadyRunning = errors.New("campaign run is already in progress")

	// ErrNotStarted is returned when waiting on a run that was never started
	ErrNotStarted = errors.New("campaign run has not been started")

	// ErrNotInterrupted is returned when resuming a run that was not interrupted
	ErrNotInterrupted = errors.New("campaign run was not interrupted")

	// ErrRunConcluded is returned when starting or cancelling a finished run
	ErrRunConcluded = errors.New("campaign run has already concluded")

	// ErrRunCancelled is returned for operator actions on a cancelled run
	ErrRunCancelled = errors.New("campaign run was cancelled")

	// ErrInvalidGraph is returned when a run is started on a graph that fails validation
	ErrInvalidGraph = errors.New("campaign graph is not a valid DAG")

	// ErrNoExecutor is returned when a coordinator is built without an executor
	ErrNoExecutor = errors.New("no task executor configured")

	// ErrClosed is returned once the coordinator has shut down
	ErrClosed = errors.New("coordinator is closed")
)
