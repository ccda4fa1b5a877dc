// Package rpc implements request/response over queue topics. A Dispatcher publishes
// correlated requests and matches responses from its private response topic; a
// Responder consumes requests, runs a handler and replies to the requester's topic.
package rpc

import (
	"context"
	"sync"
)

// Future is the pending result of a request. It completes exactly once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// complete reports whether this call was the one that resolved the future
func (f *Future[T]) complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to end. A cancelled wait does not cancel the request.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
