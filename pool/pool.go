// Package pool caches idle instances between tests so expensive bring-up is
// amortized across a test run.
package pool

import "context"

// Pool lends instances to one user at a time, with at most max instances
// alive. Get returns an idle instance when one is available, builds a fresh
// one while capacity remains, and otherwise blocks until an instance is
// returned. Every instance obtained from Get must come back through either
// Put or Discard. The pool does not validate returned instances; callers
// must not Put an instance that is unfit for reuse.
type Pool[T any] struct {
	build func(ctx context.Context) (T, error)

	idle chan T
	// One token per live instance; capacity bounds the total.
	slots chan struct{}
}

func New[T any](max int, build func(ctx context.Context) (T, error)) *Pool[T] {
	return &Pool[T]{
		build: build,
		idle:  make(chan T, max),
		slots: make(chan struct{}, max),
	}
}

func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case t := <-p.idle:
		return t, nil
	default:
	}
	select {
	case t := <-p.idle:
		return t, nil
	case p.slots <- struct{}{}:
		t, err := p.build(ctx)
		if err != nil {
			<-p.slots
			return zero, err
		}
		return t, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Put returns an instance to the idle set.
func (p *Pool[T]) Put(t T) {
	p.idle <- t
}

// Discard drops a leased instance, freeing its slot for a future build.
// The caller tears the instance down itself.
func (p *Pool[T]) Discard() {
	<-p.slots
}

// Len returns the number of idle instances.
func (p *Pool[T]) Len() int {
	return len(p.idle)
}
