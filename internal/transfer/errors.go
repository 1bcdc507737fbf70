package transfer

import "errors"

var (
	// ErrRetriesExhausted means a section kept failing after the configured
	// number of retries and the task was marked permanently failed.
	ErrRetriesExhausted = errors.New("transfer retries exhausted")
	// ErrTaskCancelled means the task was cancelled by its owner.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrTaskPaused reports that a task stopped at a section boundary
	// because a pause was requested. It is internal control flow between
	// the engine and the scheduler, not a failure.
	ErrTaskPaused = errors.New("task paused")
	// ErrSchedulerClosed means a task was submitted after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)
