package scheduler

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/logger"
)

// ErrTaskStopped is returned by Do once the task's Run loop has exited.
var ErrTaskStopped = errors.New("scheduler task stopped")

// Task owns an engine and runs it on a single goroutine. Radio completions,
// response timers and host commands all go through its event channel.
type Task struct {
	engine *Engine
	events chan Event
	done   chan struct{}
	once   sync.Once
	log    *logger.Logger
}

// NewTask wraps e. From now on the engine's own deferred work is posted to
// the task instead of being dispatched inline.
func NewTask(e *Engine, depth int) *Task {
	if depth <= 0 {
		depth = 64
	}
	t := &Task{
		engine: e,
		events: make(chan Event, depth),
		done:   make(chan struct{}),
		log:    e.log.WithComponent("task"),
	}
	e.post = t.Post
	return t
}

// Engine returns the wrapped engine. Only touch it from inside Do.
func (t *Task) Engine() *Engine { return t.engine }

// Post queues ev for the task goroutine. It drops ev once the task stopped.
func (t *Task) Post(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Do runs fn on the task goroutine and waits for its result. Calling Do
// from an observer callback deadlocks.
func (t *Task) Do(fn func(e *Engine) error) error {
	result := make(chan error, 1)
	ev := Event{Kind: EventCommand, Fn: func() { result <- fn(t.engine) }}
	select {
	case t.events <- ev:
	case <-t.done:
		return ErrTaskStopped
	}
	select {
	case err := <-result:
		return err
	case <-t.done:
		return ErrTaskStopped
	}
}

// Run processes events until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	t.log.Debug("Task started")
	defer t.stop()
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("Task stopping")
			return ctx.Err()
		case ev := <-t.events:
			t.engine.Dispatch(ev)
		}
	}
}

func (t *Task) stop() {
	t.once.Do(func() {
		close(t.done)
		t.engine.Close()
	})
}
