package message

import (
	"net/http"

	"go-polyglot/internal/jsoncodec"
)

// Body is one of *Buffered, *Stream or *SSEStream.
type Body interface {
	isBody()
}

// Buffered is a body held entirely in memory. Exactly one of Bytes or Value
// is meaningful: Value is encoded as JSON when set.
type Buffered struct {
	Bytes []byte
	Value any
	JSON  bool
}

// Chunk is one element of a chunked stream.
type Chunk = []byte

// Event is one server-sent event.
type Event struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

// Stream is a chunked body produced lazily.
type Stream struct {
	Source Source[Chunk]
}

// SSEStream is an event stream produced lazily.
type SSEStream struct {
	Source Source[Event]
}

func (*Buffered) isBody()  {}
func (*Stream) isBody()    {}
func (*SSEStream) isBody() {}

// Response is what a guest handler returns.
type Response struct {
	Status  int
	Headers Header
	Cookies []*http.Cookie
	Body    Body
}

// JSON builds a buffered JSON response.
func JSON(status int, v any) *Response {
	return &Response{Status: status, Body: &Buffered{Value: v, JSON: true}}
}

// Bytes builds a buffered response with an explicit content type.
func Bytes(status int, contentType string, b []byte) *Response {
	r := &Response{Status: status, Body: &Buffered{Bytes: b}}
	if contentType != "" {
		r.Headers.Set("Content-Type", contentType)
	}
	return r
}

// Text builds a plain text response.
func Text(status int, s string) *Response {
	return Bytes(status, "text/plain; charset=utf-8", []byte(s))
}

// Chunked builds a streaming response.
func Chunked(status int, src Source[Chunk]) *Response {
	return &Response{Status: status, Body: &Stream{Source: src}}
}

// Events builds a server-sent events response.
func Events(src Source[Event]) *Response {
	return &Response{Status: http.StatusOK, Body: &SSEStream{Source: src}}
}

// Encode returns the wire bytes of a buffered body.
func (b *Buffered) Encode() ([]byte, error) {
	if b.Value != nil {
		return jsoncodec.Marshal(b.Value)
	}
	if b.JSON && b.Bytes == nil {
		return []byte("null"), nil
	}
	return b.Bytes, nil
}

// Close releases any stream held by the response body.
func (r *Response) Close() error {
	if r == nil {
		return nil
	}
	switch b := r.Body.(type) {
	case *Stream:
		return CloseSource(b.Source)
	case *SSEStream:
		return CloseSource(b.Source)
	}
	return nil
}

// IsStream reports whether the body is produced lazily.
func (r *Response) IsStream() bool {
	switch r.Body.(type) {
	case *Stream, *SSEStream:
		return true
	}
	return false
}
