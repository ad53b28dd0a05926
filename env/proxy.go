package env

import (
	"sync/atomic"

	"github.com/c360/extmesh/errors"
)

// Proxy is the thread-safe front to an environment handle. Any goroutine may
// use it to schedule work onto the handle's home goroutine. The reference
// count tracks active cross-thread holders; it starts at 1 for the creator.
// The owner's OnDeinitDone fails while the count is above 1. Releasing the
// final reference detaches the proxy from its handle.
type Proxy struct {
	env  *Env
	refs atomic.Int64
}

// NewProxy creates a proxy for the handle. The creator holds the initial
// reference.
func NewProxy(e *Env) (*Proxy, error) {
	if e == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Proxy", "NewProxy", "env check")
	}
	p := &Proxy{env: e}
	p.refs.Store(1)
	e.attachProxy(p)
	return p, nil
}

// Acquire adds a cross-thread holder. Each Acquire must be paired with a
// Release before the owner can finish deinit.
func (p *Proxy) Acquire() error {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrAlreadyClosed, "Proxy", "Acquire", "liveness check")
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a holder. Releasing the creator's final reference detaches
// the proxy from its handle; further Notify calls fail.
func (p *Proxy) Release() error {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrAlreadyClosed, "Proxy", "Release", "liveness check")
		}
		if p.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				p.env.detachProxy(p)
			}
			return nil
		}
	}
}

// Refs returns the current holder count.
func (p *Proxy) Refs() int64 {
	return p.refs.Load()
}

// Notify enqueues fn(env) on the owner's runloop. With sync set, the caller
// blocks until the task has run. Tasks already enqueued run to completion
// even if the proxy is released afterwards; release never unqueues them.
func (p *Proxy) Notify(fn func(te *Env), sync bool) error {
	if fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Proxy", "Notify", "fn check")
	}
	if p.refs.Load() <= 0 {
		return errors.WrapInvalid(errors.ErrAlreadyClosed, "Proxy", "Notify", "liveness check")
	}

	if !sync {
		return p.env.Runloop().PostTaskTail(func() { fn(p.env) })
	}

	done := make(chan struct{})
	err := p.env.Runloop().PostTaskTail(func() {
		defer close(done)
		fn(p.env)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// NotifyAsync is the fire-and-forget variant used in teardown paths where no
// one is left to signal.
func (p *Proxy) NotifyAsync(fn func(te *Env)) error {
	return p.Notify(fn, false)
}
