// Package dispatch provides the owner-thread primitive used to serialise
// every observer-visible mutation (peer fields, message status, transfer
// viewers) onto a single goroutine.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Invoke after the owner loop has stopped.
var ErrStopped = errors.New("dispatch: owner loop stopped")

// Dispatcher runs actions on the owning goroutine.
type Dispatcher interface {
	// Invoke runs action on the owner and returns once it has run. Called
	// from the owner itself, it runs action in place.
	Invoke(ctx context.Context, action func()) error
	// VerifyOwner reports whether the caller is running on the owner.
	VerifyOwner() bool
}

type job struct {
	action func()
	done   chan struct{}
}

// Loop is a single-consumer dispatcher backed by one goroutine.
type Loop struct {
	jobs  chan job
	owner atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewLoop starts an owner goroutine.
func NewLoop() *Loop {
	l := &Loop{
		jobs:    make(chan job, 64),
		stopped: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	l.owner.Store(goroutineID())
	for {
		select {
		case j := <-l.jobs:
			l.execute(j)
		case <-l.stopped:
			return
		}
	}
}

func (l *Loop) execute(j job) {
	defer close(j.done)
	j.action()
}

// Invoke queues action and waits for it to run. Actions that call Invoke
// again run the nested action immediately instead of queueing behind
// themselves.
func (l *Loop) Invoke(ctx context.Context, action func()) error {
	if action == nil {
		return nil
	}
	if l.VerifyOwner() {
		action()
		return nil
	}
	j := job{action: action, done: make(chan struct{})}

	select {
	case l.jobs <- j:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-j.done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VerifyOwner reports whether the caller is the owner goroutine.
func (l *Loop) VerifyOwner() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == goroutineID()
}

// Stop terminates the owner goroutine. Pending Invoke calls return ErrStopped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.wg.Wait()
	})
}

// Inline runs actions directly on the calling goroutine, one at a time.
// The goroutine running an action owns the dispatcher until it returns.
// It is meant for tests and headless tools.
type Inline struct {
	mu    sync.Mutex
	owner atomic.Int64
}

// Invoke runs action immediately. A nested Invoke from inside an action
// runs without waiting for the outer one.
func (i *Inline) Invoke(ctx context.Context, action func()) error {
	if action == nil {
		return nil
	}
	if i.VerifyOwner() {
		action()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.owner.Store(goroutineID())
	defer i.owner.Store(0)
	action()
	return nil
}

// VerifyOwner reports whether the caller is running an action.
func (i *Inline) VerifyOwner() bool {
	owner := i.owner.Load()
	return owner != 0 && owner == goroutineID()
}
