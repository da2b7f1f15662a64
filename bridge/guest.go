package bridge

import (
	"context"
	"fmt"
	"sync"

	"go-polyglot/message"
)

// HandlerFunc is an in-process handler.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// SocketHandler bundles the callbacks of one WebSocket route. Any of them
// may be nil.
type SocketHandler struct {
	OnConnect    func(ctx context.Context, ev *message.SocketEvent) (*message.Reply, error)
	OnMessage    func(ctx context.Context, ev *message.SocketEvent) (*message.Reply, error)
	OnDisconnect func(ctx context.Context, ev *message.SocketEvent)
}

// FuncGuest is a Guest backed by Go functions registered by name. It stands
// in for an embedded guest runtime and is what tests dispatch to.
type FuncGuest struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sockets  map[string]SocketHandler
}

func NewFuncGuest() *FuncGuest {
	return &FuncGuest{
		handlers: make(map[string]HandlerFunc),
		sockets:  make(map[string]SocketHandler),
	}
}

// Handle registers fn under name, replacing any previous handler.
func (g *FuncGuest) Handle(name string, fn HandlerFunc) {
	g.mu.Lock()
	g.handlers[name] = fn
	g.mu.Unlock()
}

// HandleSocket registers the callbacks of a WebSocket handler.
func (g *FuncGuest) HandleSocket(name string, h SocketHandler) {
	g.mu.Lock()
	g.sockets[name] = h
	g.mu.Unlock()
}

// Has reports whether a request or socket handler is registered as name.
func (g *FuncGuest) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.handlers[name]
	if !ok {
		_, ok = g.sockets[name]
	}
	return ok
}

func (g *FuncGuest) Invoke(ctx context.Context, handler string, req *message.Request) (*message.Response, error) {
	g.mu.RLock()
	fn, ok := g.handlers[handler]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handler)
	}
	return fn(ctx, req)
}

func (g *FuncGuest) Deliver(ctx context.Context, handler string, ev *message.SocketEvent) (*message.Reply, error) {
	g.mu.RLock()
	h, ok := g.sockets[handler]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handler)
	}

	switch ev.Kind {
	case message.SocketConnect:
		if h.OnConnect != nil {
			return h.OnConnect(ctx, ev)
		}
	case message.SocketMessage:
		if h.OnMessage != nil {
			return h.OnMessage(ctx, ev)
		}
	case message.SocketDisconnect:
		if h.OnDisconnect != nil {
			h.OnDisconnect(ctx, ev)
		}
	}
	return nil, nil
}
