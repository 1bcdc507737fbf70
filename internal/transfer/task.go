package transfer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chanderlud/giga-grabber/internal/mega"
)

// Direction says which way a task moves content.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Status is a task's position in its lifecycle.
type Status int32

const (
	StatusQueued Status = iota
	StatusActive
	StatusPaused
	StatusFinished
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is one scheduled transfer. The exported fields are fixed at
// submission; live state is read through the accessor methods, all safe for
// concurrent use.
type Task struct {
	// ID is unique per submission and keys fresh checkpoint records.
	ID        string
	Direction Direction
	// Name is the remote file name; uploads are created under it.
	Name string
	// TargetPath is where a download lands.
	TargetPath string
	// Source is the local file an upload reads.
	Source string
	// Size in bytes as known at submission.
	Size uint64
	// Weight is the concurrency cost charged against the scheduler budget.
	Weight int64

	node   *mega.Node
	nodes  *mega.Nodes
	parent string

	ctx        context.Context
	cancel     context.CancelFunc
	userCancel atomic.Bool
	pause      atomic.Bool
	resume     chan struct{}

	status    atomic.Int32
	completed atomic.Uint64
	retries   atomic.Uint32

	// upload survives pauses so a resumed upload continues mid-file.
	upload *uploadState

	mu         sync.Mutex
	resultNode *mega.Node

	err  error
	done chan struct{}
}

func newTask(parent context.Context, dir Direction, name string, weight int64) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ID:        uuid.NewString(),
		Direction: dir,
		Name:      name,
		Weight:    weight,
		ctx:       ctx,
		cancel:    cancel,
		resume:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Status reports the task's current lifecycle state.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

func (t *Task) setStatus(s Status) {
	t.status.Store(int32(s))
}

// Progress reports completed and total bytes. For downloads the completed
// count only advances when a whole section lands.
func (t *Task) Progress() (done, total uint64) {
	return t.completed.Load(), t.Size
}

// Retries reports how many section attempts have been retried so far.
func (t *Task) Retries() int {
	return int(t.retries.Load())
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error, nil while the task is still live or when
// it finished cleanly.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Node returns the node this task transfers: the source node of a download,
// or the created node of a completed upload (nil until completion).
func (t *Task) Node() *mega.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resultNode != nil {
		return t.resultNode
	}
	return t.node
}

func (t *Task) setResultNode(n *mega.Node) {
	t.mu.Lock()
	t.resultNode = n
	t.mu.Unlock()
}

// Pause asks the task to stop at the next section boundary. Progress is
// kept and the task's budget weight is released until Resume.
func (t *Task) Pause() {
	t.pause.Store(true)
	// Drop a resume token left over from a Resume that raced an earlier
	// pause the engine never observed.
	select {
	case <-t.resume:
	default:
	}
}

// Resume re-queues a paused task. Calling it on a task that is not paused
// clears a pending pause request.
func (t *Task) Resume() {
	if t.pause.CompareAndSwap(true, false) {
		select {
		case t.resume <- struct{}{}:
		default:
		}
	}
}

// Cancel stops the task for good. A running task stops at the next section
// boundary or request abort; a queued or paused one never runs again.
func (t *Task) Cancel() {
	t.userCancel.Store(true)
	t.cancel()
}

func (t *Task) pauseRequested() bool {
	return t.pause.Load()
}

func (t *Task) userCancelled() bool {
	return t.userCancel.Load()
}
