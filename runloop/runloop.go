// Package runloop provides the single-threaded FIFO task executor that every
// long-lived runtime object (app, engine, extension thread) is scheduled on.
//
// A Runloop is owned by exactly one goroutine, which calls Run. Any goroutine
// may enqueue work with PostTaskTail; tasks execute serially on the owner in
// the order they were posted. Ordering among tasks posted by the same source
// goroutine is preserved. Tasks are not individually cancellable; to cancel,
// post a superseding task.
package runloop

import (
	"sync"

	"github.com/c360/extmesh/errors"
)

// Task is a unit of work executed on the runloop's owning goroutine.
type Task func()

// state of the loop's queue. Posting is rejected once destroyed.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateDestroyed
)

// Runloop is a FIFO task queue with a blocking Run.
type Runloop struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Task
	state state
}

// New creates a runloop ready to accept tasks. Run must be called on the
// goroutine that will own the loop.
func New() *Runloop {
	l := &Runloop{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// PostTaskTail enqueues a task at the tail of the queue. It is safe to call
// from any goroutine. The only failure mode is a destroyed loop; a task is
// never silently dropped.
func (l *Runloop) PostTaskTail(t Task) error {
	if t == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Runloop", "PostTaskTail", "nil task check")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateDestroyed {
		return errors.WrapFatal(errors.ErrRunloopDestroyed, "Runloop", "PostTaskTail", "enqueue")
	}

	l.queue = append(l.queue, t)
	l.cond.Signal()
	return nil
}

// Run executes tasks FIFO until Stop has been called and the queue has
// drained. It blocks the calling goroutine, which becomes the loop's owner
// for the duration.
func (l *Runloop) Run() {
	l.mu.Lock()
	if l.state == stateIdle {
		l.state = stateRunning
	}

	for {
		for len(l.queue) == 0 {
			if l.state == stateStopping || l.state == stateDestroyed {
				l.mu.Unlock()
				return
			}
			l.cond.Wait()
		}

		t := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		t()

		l.mu.Lock()
	}
}

// Stop requests the loop to exit. Tasks already enqueued (including tasks
// posted before the Stop from the same goroutine) still run; Run returns once
// the queue drains. Safe to call from any goroutine, including from a task on
// the loop itself.
func (l *Runloop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateDestroyed {
		return
	}
	l.state = stateStopping
	l.cond.Broadcast()
}

// Destroy marks the loop unusable. Subsequent posts fail with
// ErrRunloopDestroyed. Pending tasks are discarded; callers are expected to
// have stopped and drained the loop first.
func (l *Runloop) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = stateDestroyed
	l.queue = nil
	l.cond.Broadcast()
}

// Len reports the number of queued tasks. Diagnostic only.
func (l *Runloop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
