package client

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous execution. It completes
// exactly once.
type Future struct {
	done chan struct{}
	once sync.Once

	iter *Iter
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(iter *Iter, err error) {
	f.once.Do(func() {
		f.iter = iter
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the execution finishes.
func (f *Future) Wait() (*Iter, error) {
	<-f.done
	return f.iter, f.err
}

// WaitContext blocks until the execution finishes or ctx expires. The
// execution keeps running after a ctx expiry here; cancel the execution
// context to stop it.
func (f *Future) WaitContext(ctx context.Context) (*Iter, error) {
	select {
	case <-f.done:
		return f.iter, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports completion without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
