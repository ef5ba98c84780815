package sandbox

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

const loopBuffer = 512

// Loop runs jobs for one extension context on a single goroutine. Every
// touch of the context's goja.Runtime happens on that goroutine.
type Loop struct {
	jobs chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// onPanic reports a job that panicked; the loop keeps running.
	onPanic func(r interface{})
}

func newLoop(onPanic func(r interface{})) *Loop {
	l := &Loop{
		jobs:    make(chan func(), loopBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case job := <-l.jobs:
			l.exec(job)
		case <-l.quit:
			return
		}
	}
}

func (l *Loop) exec(job func()) {
	defer func() {
		if r := recover(); r != nil && l.onPanic != nil {
			l.onPanic(r)
		}
	}()
	job()
}

// Submit queues fn. It reports false once the loop is stopped.
func (l *Loop) Submit(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.jobs <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// TrySubmit queues fn without blocking. It reports false when the loop
// is stopped or its queue is full.
func (l *Loop) TrySubmit(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.jobs <- fn:
		return true
	default:
		return false
	}
}

// Call runs fn on the loop and waits for it.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	ok := l.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errs.New(errs.CodeInternal, "sandbox job panicked: %v", r)
			}
		}()
		result <- fn()
	})
	if !ok {
		return errLoopStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The job may have completed right before the loop stopped.
		select {
		case err := <-result:
			return err
		default:
			return errLoopStopped
		}
	}
}

// Stop ends the loop. Queued jobs are dropped. Stop does not wait for a
// running job; use Done for that.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

var errLoopStopped = errs.New(errs.CodeProcessExited, "extension context is stopped")
