// Package marshal turns structured handler responses into wire responses:
// buffered bodies (optionally checked against a response schema), chunked
// streams, server-sent events and WebSocket sessions.
package marshal

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/message"
	"go-polyglot/schema"
)

// ErrClientGone is returned when the client disconnected before the
// response was complete.
var ErrClientGone = errors.New("marshal: client disconnected")

type Marshaler struct {
	upgrader     websocket.Upgrader
	hub          *Hub
	closeTimeout time.Duration
}

type Option func(*Marshaler)

// WithHub sets the hub used for WebSocket broadcast replies.
func WithHub(h *Hub) Option {
	return func(m *Marshaler) { m.hub = h }
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(m *Marshaler) { m.upgrader.CheckOrigin = fn }
}

// WithCloseTimeout bounds how long a closing session waits for the peer's
// close frame.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Marshaler) { m.closeTimeout = d }
}

func New(opts ...Option) *Marshaler {
	m := &Marshaler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		closeTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hub == nil {
		m.hub = NewHub()
	}
	return m
}

// Hub returns the broadcast hub.
func (m *Marshaler) Hub() *Hub {
	return m.hub
}

// Write emits resp. A declared responseSchema applies to buffered bodies
// only; a mismatch writes a generic 500 and returns *ResponseSchemaError.
// Streams stop when ctx ends (the client went away), in which case
// ErrClientGone is returned and nothing further is written.
func (m *Marshaler) Write(ctx context.Context, w http.ResponseWriter, resp *message.Response, responseSchema *schema.Schema) error {
	switch body := resp.Body.(type) {
	case nil:
		return m.writeBuffered(w, resp, &message.Buffered{}, responseSchema)
	case *message.Buffered:
		return m.writeBuffered(w, resp, body, responseSchema)
	case *message.Stream:
		return writeChunked(ctx, w, resp, body.Source)
	case *message.SSEStream:
		return writeEvents(ctx, w, resp, body.Source)
	}
	return fmt.Errorf("marshal: unsupported body %T", resp.Body)
}

func (m *Marshaler) writeBuffered(w http.ResponseWriter, resp *message.Response, body *message.Buffered, responseSchema *schema.Schema) error {
	isJSON := body.JSON || body.Value != nil || isJSONType(resp.Headers.Get("Content-Type"))

	if responseSchema != nil {
		value, err := bodyValue(body, isJSON)
		if err != nil {
			_ = WriteError(w, http.StatusInternalServerError, "")
			return fmt.Errorf("marshal: decode response for schema check: %w", err)
		}
		if res := schema.Evaluate(responseSchema, value, schema.At(schema.Body)); !res.OK() {
			_ = WriteError(w, http.StatusInternalServerError, "")
			return &ResponseSchemaError{Errors: res.Errors}
		}
	}

	payload, err := body.Encode()
	if err != nil {
		_ = WriteError(w, http.StatusInternalServerError, "")
		return fmt.Errorf("marshal: encode response: %w", err)
	}

	writeHead(w, resp)
	h := w.Header()
	if h.Get("Content-Type") == "" && (isJSON || len(payload) > 0) {
		if isJSON {
			h.Set("Content-Type", "application/json")
		} else {
			h.Set("Content-Type", http.DetectContentType(payload))
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(status(resp))
	_, err = w.Write(payload)
	return err
}

// bodyValue yields the value a response schema is evaluated against.
func bodyValue(body *message.Buffered, isJSON bool) (any, error) {
	if body.Value != nil {
		return jsoncodec.Normalize(body.Value)
	}
	if isJSON {
		if len(body.Bytes) == 0 {
			return nil, nil
		}
		return jsoncodec.UnmarshalValue(body.Bytes)
	}
	return string(body.Bytes), nil
}

func isJSONType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func writeHead(w http.ResponseWriter, resp *message.Response) {
	resp.Headers.CopyTo(w.Header())
	for _, c := range resp.Cookies {
		http.SetCookie(w, c)
	}
}

func status(resp *message.Response) int {
	if resp.Status == 0 {
		return http.StatusOK
	}
	return resp.Status
}
