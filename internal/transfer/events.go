package transfer

// EventKind identifies a task lifecycle transition.
type EventKind int

const (
	// EventTaskStarted fires when a task acquires budget and begins (or
	// resumes) its transfer loop.
	EventTaskStarted EventKind = iota
	// EventTaskInactive fires when a paused task releases its budget.
	EventTaskInactive
	// EventTaskFailed fires when a task ends in failure or cancellation.
	EventTaskFailed
	// EventTaskFinished fires when a task completes successfully.
	EventTaskFinished
)

func (k EventKind) String() string {
	switch k {
	case EventTaskStarted:
		return "started"
	case EventTaskInactive:
		return "inactive"
	case EventTaskFailed:
		return "failed"
	case EventTaskFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is one task lifecycle transition, streamed over Scheduler.Events.
type Event struct {
	Task *Task
	Kind EventKind
	// Err carries the failure cause for EventTaskFailed, nil otherwise.
	Err error
}
