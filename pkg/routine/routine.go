// Package routine runs trackable background tasks with panic recovery.
//
// Every task started by a Tracker stays in its pending set until it completes,
// so that a shutdown can wait for outstanding work instead of dropping it.
package routine

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Task is a handle to a single background task.
type Task struct {
	name string
	done chan struct{}
	err  error
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task has completed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task error. It is only valid after Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker launches tasks and keeps track of the ones still running.
type Tracker struct {
	log     zerolog.Logger
	mutex   sync.Mutex
	pending map[*Task]struct{}
	wg      sync.WaitGroup
	closed  bool
}

func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:     log,
		pending: make(map[*Task]struct{}),
	}
}

// Go runs fn in a new goroutine.
// A panic in fn is recovered, logged and returned as the task error.
func (tr *Tracker) Go(ctx context.Context, name string, fn func(ctx context.Context) error) (*Task, error) {
	task := &Task{name: name, done: make(chan struct{})}
	tr.mutex.Lock()
	if tr.closed {
		tr.mutex.Unlock()
		return nil, ErrClosed
	}
	tr.pending[task] = struct{}{}
	tr.wg.Add(1)
	tr.mutex.Unlock()

	go func() {
		defer tr.wg.Done()
		defer tr.finish(task)
		defer tr.recover(task)
		task.err = fn(ctx)
	}()
	return task, nil
}

func (tr *Tracker) finish(task *Task) {
	tr.mutex.Lock()
	delete(tr.pending, task)
	tr.mutex.Unlock()
	close(task.done)
}

func (tr *Tracker) recover(task *Task) {
	if rec := recover(); rec != nil {
		task.err = ErrPanic(rec)
		tr.log.Error().
			Str("routine", task.name).
			Interface("panic", rec).
			Str("stack", string(debug.Stack())).
			Msg("goroutine panicked")
	}
}

// Pending returns the number of tasks that have not completed yet.
func (tr *Tracker) Pending() int {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	return len(tr.pending)
}

// Close stops the tracker from accepting new tasks.
// Running tasks are not affected.
func (tr *Tracker) Close() {
	tr.mutex.Lock()
	tr.closed = true
	tr.mutex.Unlock()
}

// Wait blocks until all pending tasks have completed or ctx is done.
func (tr *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
