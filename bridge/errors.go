package bridge

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrQueueFull is returned by Loop.Submit when the queue is at capacity.
	ErrQueueFull = errors.New("bridge: queue full")
	// ErrClosed is returned once a loop or bridge has been closed.
	ErrClosed = errors.New("bridge: closed")
	// ErrUnknownHandler is returned by guests that have no handler registered
	// under the requested name.
	ErrUnknownHandler = errors.New("bridge: unknown handler")
)

// Kind categorizes a dispatch failure.
type Kind string

const (
	KindHandlerFailed Kind = "handler_failed"
	KindUnavailable   Kind = "unavailable"
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
)

// Status is the HTTP status a dispatch failure maps to. Cancelled dispatches
// have no status because nothing is written to a departed client.
func (k Kind) Status() int {
	switch k {
	case KindHandlerFailed:
		return http.StatusInternalServerError
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return 0
}

// DispatchError is the structured error returned by the bridge. Detail may
// contain guest-authored text and must never be sent to clients.
type DispatchError struct {
	Kind    Kind
	Handler string
	Detail  string
	Cause   error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrHandlerFailed = &DispatchError{Kind: KindHandlerFailed}
	ErrUnavailable   = &DispatchError{Kind: KindUnavailable}
	ErrTimeout       = &DispatchError{Kind: KindTimeout}
	ErrCancelled     = &DispatchError{Kind: KindCancelled}
)

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString("dispatch ")
	b.WriteString(string(e.Kind))
	if e.Handler != "" {
		b.WriteString(" [")
		b.WriteString(e.Handler)
		b.WriteByte(']')
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Is matches another DispatchError of the same kind.
func (e *DispatchError) Is(target error) bool {
	if t, ok := target.(*DispatchError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Failed wraps a guest error as HandlerFailed. A DispatchError is returned
// unchanged.
func Failed(handler string, err error) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		if de.Handler != "" {
			return de
		}
		cp := *de
		cp.Handler = handler
		return &cp
	}
	return &DispatchError{Kind: KindHandlerFailed, Handler: handler, Detail: err.Error(), Cause: err}
}

// KindOf returns the kind of a dispatch failure, or "" for other errors.
func KindOf(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
