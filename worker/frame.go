package worker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/message"
)

// DefaultMaxFrameBytes bounds a single frame read from a worker.
const DefaultMaxFrameBytes = 10 * 1024 * 1024

var errFrameSize = errors.New("worker: invalid frame length")

// Frame types sent to the worker.
const (
	frameRequest = "request"
	frameSocket  = "socket"
)

// Frame types read from the worker.
const (
	frameResponse = "response"
	frameReply    = "reply"
	frameHeaders  = "headers"
	frameChunk    = "chunk"
	frameEvent    = "event"
	frameEnd      = "end"
	frameError    = "error"
)

// Stream kinds announced by a headers frame.
const (
	streamChunked = "chunked"
	streamSSE     = "sse"
)

// callFrame asks the worker to run a handler.
type callFrame struct {
	Type    string               `json:"type"`
	Handler string               `json:"handler"`
	Request *message.Request     `json:"request,omitempty"`
	Event   *message.SocketEvent `json:"event,omitempty"`
}

// replyFrame is anything the worker writes back. A buffered answer is one
// response frame; a streamed answer is a headers frame, any number of chunk
// or event frames, then end or error.
type replyFrame struct {
	Type    string              `json:"type"`
	Status  int                 `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Stream  string              `json:"stream,omitempty"`
	Body    string              `json:"body,omitempty"`
	JSON    json.RawMessage     `json:"json,omitempty"`
	Data    string              `json:"data,omitempty"`
	Event   *message.Event      `json:"event,omitempty"`
	Reply   *message.Reply      `json:"reply,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// writeFrame writes v as one length-prefixed (4-byte big-endian) JSON frame.
func writeFrame(w io.Writer, v any) error {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, limit int, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || int64(n) > int64(limit) {
		return fmt.Errorf("%w: %d", errFrameSize, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return jsoncodec.Unmarshal(payload, v)
}

// response converts a buffered response frame.
func (f *replyFrame) response() (*message.Response, error) {
	resp := &message.Response{
		Status:  f.status(),
		Headers: message.HeaderFromMap(f.Headers),
	}
	if len(f.JSON) > 0 {
		v, err := jsoncodec.UnmarshalValue(f.JSON)
		if err != nil {
			return nil, fmt.Errorf("worker: invalid json body: %w", err)
		}
		resp.Body = &message.Buffered{Value: v, JSON: true}
		return resp, nil
	}
	resp.Body = &message.Buffered{Bytes: []byte(f.Body)}
	return resp, nil
}

func (f *replyFrame) status() int {
	if f.Status == 0 {
		return 200
	}
	return f.Status
}
