package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
)

type futureState int

const (
	pending futureState = iota
	resolved
	cancelled
)

// Future is the pending result of a dispatch. It resolves exactly once. A
// cancelled future discards whatever the guest eventually produces.
type Future[T any] struct {
	handler string
	done    chan struct{}

	mu        sync.Mutex
	state     futureState
	value     T
	err       error
	onCancel  func()
	onDiscard func()
}

func newFuture[T any](handler string) *Future[T] {
	return &Future[T]{handler: handler, done: make(chan struct{})}
}

// Done is closed once the future resolves or is cancelled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await suspends until the future resolves or ctx ends. When ctx ends first
// the future is cancelled and a Timeout or Cancelled DispatchError returned.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		if f.Cancel() {
			var zero T
			return zero, f.contextError(ctx.Err())
		}
		<-f.done
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == cancelled {
		var zero T
		return zero, &DispatchError{Kind: KindCancelled, Handler: f.handler}
	}
	return f.value, f.err
}

func (f *Future[T]) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &DispatchError{Kind: KindTimeout, Handler: f.handler, Cause: err}
	}
	return &DispatchError{Kind: KindCancelled, Handler: f.handler, Cause: err}
}

// Cancel marks a pending future cancelled and reports whether it did. The
// guest is told through its context but keeps running; its result is
// discarded when it arrives.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	if f.state != pending {
		f.mu.Unlock()
		return false
	}
	f.state = cancelled
	onCancel := f.onCancel
	f.mu.Unlock()

	close(f.done)
	if onCancel != nil {
		onCancel()
	}
	return true
}

// Cancelled reports whether the future was cancelled.
func (f *Future[T]) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == cancelled
}

// resolve settles the future. Results arriving after cancellation are
// released and dropped.
func (f *Future[T]) resolve(v T, err error) {
	f.mu.Lock()
	if f.state != pending {
		onDiscard := f.onDiscard
		f.mu.Unlock()
		if c, ok := any(v).(io.Closer); ok && err == nil {
			_ = c.Close()
		}
		if onDiscard != nil {
			onDiscard()
		}
		return
	}
	f.state = resolved
	f.value = v
	f.err = err
	f.mu.Unlock()
	close(f.done)
}
