package worker

import (
	"io"
	"testing"
	"time"

	"go-polyglot/message"
)

// responder answers one call with the frames the fake worker writes back.
type responder func(call callFrame) []any

// fakeProcess returns a process whose stdin/stdout are in-memory pipes
// served by respond, one call at a time like a real worker script.
func fakeProcess(t *testing.T, respond responder) *process {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	go func() {
		defer stdinR.Close()
		defer stdoutW.Close()

		for {
			var call callFrame
			if err := readFrame(stdinR, DefaultMaxFrameBytes, &call); err != nil {
				return
			}
			for _, f := range respond(call) {
				if err := writeFrame(stdoutW, f); err != nil {
					return
				}
			}
		}
	}()

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutR.Close()
	})
	return &process{stdin: stdinW, stdout: stdoutR}
}

// newFakeWorker builds a Worker around fake processes; restarts spawn a
// fresh fake process with the same responder.
func newFakeWorker(t *testing.T, cfg Config, respond responder) *Worker {
	t.Helper()
	w := &Worker{cfg: cfg, proc: fakeProcess(t, respond)}
	w.spawn = func() (*process, error) { return fakeProcess(t, respond), nil }
	return w
}

// echo answers every request with its handler name and path.
func echo(call callFrame) []any {
	if call.Type == frameSocket {
		return []any{replyFrame{Type: frameReply, Reply: &message.Reply{Data: call.Event.Data}}}
	}
	return []any{replyFrame{
		Type:    frameResponse,
		Status:  200,
		Headers: map[string][]string{"X-Handler": {call.Handler}},
		Body:    call.Handler + ":" + call.Request.Path,
	}}
}

const testTimeout = time.Second
