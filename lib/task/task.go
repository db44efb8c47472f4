// Package task runs handler work as cancellable goroutines with a result.
//
// A Task is started by Spawn on a Processor and owns a derived context.
// Callers may wait for it with a deadline (Wait), collect its result (Get),
// ask it to stop (RequestCancel) or ask and wait (SyncCancel). A task whose
// context is cancelled before or during its run finishes with ErrCancelled.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrCancelled is the result of a task that was cancelled before it
	// produced a value.
	ErrCancelled = errors.New("task: cancelled")

	// ErrWaitInterrupted is returned by Wait when the waiter's own context
	// ends before the task finishes. The task keeps running.
	ErrWaitInterrupted = errors.New("task: wait interrupted")
)

// PanicError carries a panic recovered from a task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task: panic: %v", e.Value)
}

// Func is the body of a task.
type Func[T any] func(ctx context.Context) (T, error)

// Task is a running or finished unit of work.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	val T
	err error
}

const (
	statePending int32 = iota
	stateRunning
	stateFinished
)

// RequestCancel asks the task to stop and returns immediately.
func (t *Task[T]) RequestCancel() {
	t.cancel()
}

// SyncCancel asks the task to stop and waits until it has finished.
func (t *Task[T]) SyncCancel() {
	t.cancel()
	<-t.done
}

// Wait blocks until the task finishes or ctx ends. It returns
// ErrWaitInterrupted in the second case; the task's own outcome is read
// through Get.
func (t *Task[T]) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ErrWaitInterrupted
	}
}

// Get waits for the task and returns its result.
func (t *Task[T]) Get() (T, error) {
	<-t.done
	return t.val, t.err
}

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// IsFinished reports whether the task has finished.
func (t *Task[T]) IsFinished() bool {
	return t.state.Load() == stateFinished
}

// Cancelled reports whether the task finished because it was cancelled.
// It is false while the task is still running.
func (t *Task[T]) Cancelled() bool {
	return t.IsFinished() && errors.Is(t.err, ErrCancelled)
}

func (t *Task[T]) run(ctx context.Context, p *Processor, fn Func[T]) {
	defer close(t.done)
	defer t.state.Store(stateFinished)
	defer t.cancel()

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			t.err = ErrCancelled
			return
		}
		defer p.sem.Release(1)
	}
	if ctx.Err() != nil {
		t.err = ErrCancelled
		return
	}

	t.state.Store(stateRunning)
	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			t.err = &PanicError{Value: r, Stack: debug.Stack()}
			log.WithField("processor", p.name).
				WithField("panic", fmt.Sprint(r)).
				Error("task panicked")
		}
	}()

	t.val, t.err = fn(ctx)
	if t.err != nil && ctx.Err() != nil && errors.Is(t.err, context.Canceled) {
		t.err = ErrCancelled
	}
}

// Spawn starts fn on p under a context derived from ctx and returns at once.
func Spawn[T any](p *Processor, ctx context.Context, fn Func[T]) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.spawned.Add(1)
	go t.run(ctx, p, fn)
	return t
}

// Shield returns a context that keeps ctx's values but is never cancelled.
// Use it for work that must complete once started, such as flushing a
// response.
func Shield(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// All runs fns concurrently and returns the first error. The context passed
// to each function is cancelled as soon as one fails.
func All(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error {
			return fn(ctx)
		})
	}
	return g.Wait()
}
