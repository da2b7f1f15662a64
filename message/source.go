package message

import (
	"context"
	"io"
	"iter"
	"sync"
)

// Source is a finite, non-restartable lazy sequence. Next returns io.EOF once
// the sequence is exhausted and keeps returning io.EOF afterwards. Consumers
// call Next only after the previous item has been written, which is how
// transport backpressure reaches the producer.
//
// Next runs on the goroutine that writes the response, not on the guest's
// dispatch loop, so it may run concurrently with later handler calls of the
// same guest. Producers that share state with handlers must synchronize it.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// ConnectHook is implemented by sources that want to know when the client
// starts receiving.
type ConnectHook interface {
	OnConnect()
}

// DisconnectHook is implemented by sources that want to know when the client
// went away before the sequence finished.
type DisconnectHook interface {
	OnDisconnect()
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

type sliceSource[T any] struct {
	mu    sync.Mutex
	items []T
}

// FromSlice yields items in order.
func FromSlice[T any](items ...T) Source[T] {
	return &sliceSource[T]{items: items}
}

func (s *sliceSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return zero, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

type chanSource[T any] struct {
	ch <-chan T
}

// FromChan yields values until ch is closed.
func FromChan[T any](ch <-chan T) Source[T] {
	return chanSource[T]{ch: ch}
}

func (s chanSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.ch:
		if !ok {
			return zero, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type seqSource[T any] struct {
	mu   sync.Mutex
	next func() (T, bool)
	stop func()
	done bool
}

// FromSeq adapts a range-over-func iterator. The iterator body runs only
// when Next is called; Close stops it early.
func FromSeq[T any](seq iter.Seq[T]) Source[T] {
	next, stop := iter.Pull(seq)
	return &seqSource[T]{next: next, stop: stop}
}

func (s *seqSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return zero, io.EOF
	}
	v, ok := s.next()
	if !ok {
		s.done = true
		s.stop()
		return zero, io.EOF
	}
	return v, nil
}

func (s *seqSource[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.stop()
	}
	return nil
}

// Hooks are lifecycle callbacks attached to a source with WithHooks.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func()
}

type hookedSource[T any] struct {
	Source[T]
	hooks Hooks
}

// WithHooks attaches connect/disconnect callbacks to src.
func WithHooks[T any](src Source[T], hooks Hooks) Source[T] {
	return &hookedSource[T]{Source: src, hooks: hooks}
}

func (h *hookedSource[T]) OnConnect() {
	if h.hooks.OnConnect != nil {
		h.hooks.OnConnect()
	}
	if inner, ok := h.Source.(ConnectHook); ok {
		inner.OnConnect()
	}
}

func (h *hookedSource[T]) OnDisconnect() {
	if h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect()
	}
	if inner, ok := h.Source.(DisconnectHook); ok {
		inner.OnDisconnect()
	}
}

func (h *hookedSource[T]) Close() error {
	if c, ok := h.Source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CloseSource releases src if it holds resources.
func CloseSource[T any](src Source[T]) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
