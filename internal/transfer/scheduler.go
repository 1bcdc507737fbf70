package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chanderlud/giga-grabber/internal/config"
	"github.com/chanderlud/giga-grabber/internal/logging"
	"github.com/chanderlud/giga-grabber/internal/mega"
)

// Runner executes one task to completion, pause or failure. *Engine is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, t *Task) error
	Discard(t *Task)
}

// Scheduler admits transfer tasks first in, first out, executes them on a
// fixed pool of workers, and caps the total concurrency cost with a
// weighted budget. Worker count bounds parallel execution contexts; the
// budget bounds the summed weight of running tasks. Both hold at once.
type Scheduler struct {
	engine Runner
	cfg    *config.Config
	log    logging.Logger

	budget *semaphore.Weighted
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []*Task
	closed bool
	wake   chan struct{}

	workers sync.WaitGroup
	tasks   sync.WaitGroup
}

// NewScheduler starts cfg.MaxWorkers workers sharing a weight budget of
// cfg.ConcurrencyBudget.
func NewScheduler(engine Runner, cfg *config.Config, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewSlogLogger(slog.Default())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: engine,
		cfg:    cfg,
		log:    log,
		budget: semaphore.NewWeighted(int64(max(cfg.ConcurrencyBudget, 1))),
		events: make(chan Event, 128),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	workers := max(cfg.MaxWorkers, 1)
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	return s
}

// Download schedules node to be written to targetPath. The node must be a
// file; the task's weight derives from its size.
func (s *Scheduler) Download(node *mega.Node, targetPath string) (*Task, error) {
	if node == nil || node.Kind != mega.KindFile {
		return nil, fmt.Errorf("download of %s: only file nodes have content", targetPath)
	}
	t := newTask(s.ctx, DirectionDownload, node.Name, s.cfg.DownloadWeight(node.Size))
	t.node = node
	t.TargetPath = targetPath
	t.Size = node.Size
	return t, s.submit(t)
}

// Upload schedules the local file at sourcePath to be created as name under
// the parent folder handle. When nodes is non-nil the created node is
// inserted into the forest on completion.
func (s *Scheduler) Upload(nodes *mega.Nodes, parent, sourcePath, name string) (*Task, error) {
	fi, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("inspecting upload source: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("upload source %s is not a regular file", sourcePath)
	}
	size := uint64(fi.Size())
	t := newTask(s.ctx, DirectionUpload, name, s.cfg.DownloadWeight(size))
	t.Source = sourcePath
	t.Size = size
	t.nodes = nodes
	t.parent = parent
	return t, s.submit(t)
}

func (s *Scheduler) submit(t *Task) error {
	t.setStatus(StatusQueued)
	s.tasks.Add(1)
	if !s.enqueue(t) {
		s.tasks.Done()
		return ErrSchedulerClosed
	}
	return nil
}

func (s *Scheduler) enqueue(t *Task) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Events streams task lifecycle transitions until Close. A slow consumer
// never blocks scheduling; undeliverable events are dropped.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Wait blocks until every submitted task reaches a terminal state. Paused
// tasks are not terminal; resume or cancel them first.
func (s *Scheduler) Wait() {
	s.tasks.Wait()
}

// Close cancels all remaining work, waits for the workers to drain and
// closes the events channel. Queued and running tasks finish cancelled;
// their partial download state stays on disk for a later resume.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	for _, t := range pending {
		s.finishInterrupted(t)
	}
	s.workers.Wait()
	close(s.events)
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for {
		t := s.next()
		if t == nil {
			return
		}
		s.run(t)
	}
}

func (s *Scheduler) next() *Task {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			t := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return t
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) run(t *Task) {
	if err := s.budget.Acquire(t.ctx, t.Weight); err != nil {
		s.finishInterrupted(t)
		return
	}

	t.setStatus(StatusActive)
	s.emit(Event{Task: t, Kind: EventTaskStarted})
	s.log.Info(t.ctx, "task started", "task", t.ID, "name", t.Name, "direction", t.Direction.String(), "weight", t.Weight)

	err := s.engine.Run(t.ctx, t)
	s.budget.Release(t.Weight)

	switch {
	case err == nil:
		s.finish(t, StatusFinished, nil)
	case errors.Is(err, ErrTaskPaused):
		t.setStatus(StatusPaused)
		s.emit(Event{Task: t, Kind: EventTaskInactive})
		s.log.Info(t.ctx, "task paused", "task", t.ID, "name", t.Name)
		s.workers.Add(1)
		go s.awaitResume(t)
	case errors.Is(err, ErrTaskCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.finishInterrupted(t)
	default:
		s.finish(t, StatusFailed, err)
	}
}

// awaitResume parks a paused task off the worker pool until it is resumed
// or cancelled.
func (s *Scheduler) awaitResume(t *Task) {
	defer s.workers.Done()
	select {
	case <-t.resume:
		t.setStatus(StatusQueued)
		if !s.enqueue(t) {
			s.finishInterrupted(t)
		}
	case <-t.ctx.Done():
		s.finishInterrupted(t)
	}
}

// finishInterrupted ends a task that stopped without completing its work.
// Owner cancellation also discards partial download state (subject to
// keep-partial); scheduler shutdown keeps it so the next run resumes.
func (s *Scheduler) finishInterrupted(t *Task) {
	if t.userCancelled() {
		s.engine.Discard(t)
	}
	s.finish(t, StatusCancelled, ErrTaskCancelled)
}

func (s *Scheduler) finish(t *Task, status Status, err error) {
	t.setStatus(status)
	t.err = err
	close(t.done)

	if err != nil {
		s.emit(Event{Task: t, Kind: EventTaskFailed, Err: err})
		s.log.Warn(t.ctx, "task failed", "task", t.ID, "name", t.Name, "error", err)
	} else {
		s.emit(Event{Task: t, Kind: EventTaskFinished})
		s.log.Info(t.ctx, "task finished", "task", t.ID, "name", t.Name)
	}
	s.tasks.Done()
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug(context.Background(), "event dropped", "task", ev.Task.ID, "kind", ev.Kind.String())
	}
}
