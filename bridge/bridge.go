// Package bridge crosses from the engine's concurrent request handling into
// guest runtimes that execute one callback at a time.
//
// Each guest runtime instance is reached through a Loop, a bounded serialized
// queue. The Bridge spreads dispatches over its loops, caps the number of
// in-flight dispatches and hands back a Future, so a request goroutine
// suspends on a channel instead of holding a lock on the guest.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"go-polyglot/internal/logging"
	"go-polyglot/message"
)

// Guest is a guest-language runtime. Calls on one guest instance are always
// serialized by its Loop; implementations need not be safe for concurrent use.
type Guest interface {
	Invoke(ctx context.Context, handler string, req *message.Request) (*message.Response, error)
	Deliver(ctx context.Context, handler string, ev *message.SocketEvent) (*message.Reply, error)
}

// Catalog is implemented by guests that know their handler names up front,
// letting route compilation reject unknown handlers at startup.
type Catalog interface {
	Has(handler string) bool
}

// HandlerRef is an opaque callable bound to one guest handler.
type HandlerRef func(ctx context.Context, req *message.Request) (*Future[*message.Response], error)

// Observer receives dispatch outcomes, typically for metrics.
type Observer interface {
	Dispatched(handler string, elapsed time.Duration, err error)
	Rejected(handler string)
	Discarded(handler string)
}

type nopObserver struct{}

func (nopObserver) Dispatched(string, time.Duration, error) {}
func (nopObserver) Rejected(string)                         {}
func (nopObserver) Discarded(string)                        {}

const DefaultMaxPending = 1024

type Bridge struct {
	loops    []*Loop
	next     uint32
	pending  *semaphore.Weighted
	inflight atomic.Int64
	timeout  time.Duration
	tracer   trace.Tracer
	observer Observer

	closeOnce sync.Once
	closed    atomic.Bool
}

type Option func(*Bridge)

// WithMaxPending bounds dispatches that are queued or running.
func WithMaxPending(n int64) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.pending = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout sets the deadline applied to dispatches whose context has none.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) { b.tracer = t }
}

func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		if o != nil {
			b.observer = o
		}
	}
}

// New creates a bridge over loops. The bridge owns the loops and closes
// them on Close.
func New(loops []*Loop, opts ...Option) *Bridge {
	b := &Bridge{
		loops:    loops,
		pending:  semaphore.NewWeighted(DefaultMaxPending),
		tracer:   otel.Tracer("go-polyglot/bridge"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Inflight is the number of admitted dispatches not yet finished.
func (b *Bridge) Inflight() int64 {
	return b.inflight.Load()
}

// Loops returns the execution contexts behind the bridge.
func (b *Bridge) Loops() []*Loop {
	return b.loops
}

// Submit enqueues an invocation of handler and returns its future without
// waiting. Saturation is reported immediately as Unavailable.
func (b *Bridge) Submit(ctx context.Context, handler string, req *message.Request) (*Future[*message.Response], error) {
	return submit(b, ctx, handler, func(ctx context.Context, g Guest) (*message.Response, error) {
		resp, err := g.Invoke(ctx, handler, req)
		if err == nil && resp == nil {
			err = fmt.Errorf("handler %q returned no response", handler)
		}
		return resp, err
	})
}

// Dispatch invokes handler and waits for its response, applying the default
// timeout when ctx carries no deadline.
func (b *Bridge) Dispatch(ctx context.Context, handler string, req *message.Request) (*message.Response, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, "bridge.Dispatch", trace.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("request.id", req.ID),
	))
	defer span.End()

	start := time.Now()
	f, err := b.Submit(ctx, handler, req)
	if err == nil {
		var resp *message.Response
		resp, err = f.Await(ctx)
		if err == nil {
			b.observer.Dispatched(handler, time.Since(start), nil)
			return resp, nil
		}
	}
	b.observer.Dispatched(handler, time.Since(start), err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(KindOf(err)))
	return nil, err
}

// Deliver hands one WebSocket event to a guest socket handler and waits for
// its reply.
func (b *Bridge) Deliver(ctx context.Context, handler string, ev *message.SocketEvent) (*message.Reply, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, "bridge.Deliver", trace.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("socket.event", ev.Kind.String()),
		attribute.String("socket.session", ev.Session),
	))
	defer span.End()

	f, err := submit(b, ctx, handler, func(ctx context.Context, g Guest) (*message.Reply, error) {
		return g.Deliver(ctx, handler, ev)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	reply, err := f.Await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	return reply, err
}

// Handler returns a reference bound to one handler name.
func (b *Bridge) Handler(name string) HandlerRef {
	return func(ctx context.Context, req *message.Request) (*Future[*message.Response], error) {
		return b.Submit(ctx, name, req)
	}
}

// Close stops every loop after draining already queued work.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		for _, l := range b.loops {
			l.Close()
		}
	})
}

func (b *Bridge) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func submit[T any](b *Bridge, ctx context.Context, handler string, call func(context.Context, Guest) (T, error)) (*Future[T], error) {
	if b.closed.Load() || len(b.loops) == 0 {
		return nil, &DispatchError{Kind: KindUnavailable, Handler: handler, Detail: "no guest runtime", Cause: ErrClosed}
	}
	if !b.pending.TryAcquire(1) {
		b.observer.Rejected(handler)
		return nil, &DispatchError{Kind: KindUnavailable, Handler: handler, Detail: "too many pending dispatches", Cause: ErrQueueFull}
	}
	b.inflight.Add(1)

	// The guest sees cancellation of the future, not of the request, so a
	// handler that ignores its context still runs to completion.
	guestCtx, cancelGuest := context.WithCancel(context.WithoutCancel(ctx))
	f := newFuture[T](handler)
	f.onCancel = cancelGuest
	f.onDiscard = func() { b.observer.Discarded(handler) }

	release := func() {
		cancelGuest()
		b.inflight.Add(-1)
		b.pending.Release(1)
	}

	task := func(g Guest) {
		defer release()
		if f.Cancelled() {
			var zero T
			f.resolve(zero, nil)
			return
		}
		v, err := invoke(g, guestCtx, call)
		if err != nil {
			f.resolve(v, Failed(handler, err))
			return
		}
		f.resolve(v, nil)
	}

	start := int(atomic.AddUint32(&b.next, 1))
	var lastErr error
	for i := range len(b.loops) {
		l := b.loops[(start+i)%len(b.loops)]
		err := l.Submit(func() { task(l.guest) })
		if err == nil {
			return f, nil
		}
		lastErr = err
	}
	release()
	b.observer.Rejected(handler)
	return nil, &DispatchError{Kind: KindUnavailable, Handler: handler, Detail: "guest queues saturated", Cause: lastErr}
}

// invoke runs call, turning a guest panic into an error.
func invoke[T any](g Guest, ctx context.Context, call func(context.Context, Guest) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Error("guest handler panicked", zap.String("panic", fmt.Sprint(r)))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(ctx, g)
}
