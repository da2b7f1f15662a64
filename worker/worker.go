// Package worker runs guest handlers in external worker processes. Each
// process reads length-prefixed JSON call frames on stdin and answers with
// reply frames on stdout, one call at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-polyglot/bridge"
	"go-polyglot/internal/logging"
	"go-polyglot/message"
)

// Config describes how worker processes are started and recycled.
type Config struct {
	// Command is the worker executable and its arguments, e.g.
	// ["php", "php/worker.php"].
	Command []string
	Dir     string
	Env     []string
	Count   int
	// MaxRequests recycles a worker after that many calls; 0 disables it.
	MaxRequests int
	// RequestTimeout kills a worker that takes longer to produce a frame.
	RequestTimeout time.Duration
	MaxFrameBytes  int
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *process) kill() {
	if p == nil {
		return
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.stdout != nil {
		_ = p.stdout.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_, _ = p.cmd.Process.Wait()
	}
}

func startProcess(cfg Config) (*process, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker: no command configured")
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Worker is one guest process. It implements bridge.Guest; the bridge loop
// in front of it guarantees one call at a time, and mu additionally stays
// held until a streamed response has been fully read.
type Worker struct {
	id    int
	cfg   Config
	spawn func() (*process, error)

	mu   sync.Mutex
	proc *process

	dead   bool
	deadMu sync.RWMutex

	requestCount atomic.Uint64
	totalCount   atomic.Uint64
	restarts     atomic.Uint64
}

// NewWorker starts one worker process.
func NewWorker(id int, cfg Config) (*Worker, error) {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	w := &Worker{id: id, cfg: cfg}
	w.spawn = func() (*process, error) { return startProcess(w.cfg) }

	proc, err := w.spawn()
	if err != nil {
		return nil, err
	}
	w.proc = proc
	return w, nil
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) isDead() bool {
	w.deadMu.RLock()
	defer w.deadMu.RUnlock()
	return w.dead
}

func (w *Worker) markDead() {
	w.deadMu.Lock()
	w.dead = true
	w.deadMu.Unlock()
}

// restartLocked replaces the process. Callers hold mu.
func (w *Worker) restartLocked() error {
	w.proc.kill()
	w.proc = nil
	if w.spawn == nil {
		return errors.New("worker: cannot restart")
	}

	proc, err := w.spawn()
	if err != nil {
		return err
	}
	w.proc = proc

	w.deadMu.Lock()
	w.dead = false
	w.deadMu.Unlock()

	w.requestCount.Store(0)
	w.restarts.Add(1)
	logging.Logger().Info("restarted worker", zap.Int("worker", w.id), zap.String("dir", w.cfg.Dir))
	return nil
}

// Close kills the process.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markDead()
	w.proc.kill()
	w.proc = nil
	return nil
}

// finish counts a completed call and schedules a recycle past MaxRequests.
func (w *Worker) finish() {
	w.totalCount.Add(1)
	n := w.requestCount.Add(1)
	if w.cfg.MaxRequests > 0 && int(n) >= w.cfg.MaxRequests {
		w.markDead()
	}
}

func (w *Worker) maxFrame() int {
	if w.cfg.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return w.cfg.MaxFrameBytes
}

func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "write |1:") ||
		strings.Contains(errStr, "read |0:")
}

// unavailable reports a worker that could not be (re)started.
func (w *Worker) unavailable(err error) error {
	return &bridge.DispatchError{Kind: bridge.KindUnavailable, Detail: fmt.Sprintf("worker %d unavailable", w.id), Cause: err}
}

// send writes call and reads the first reply frame, retrying once on a
// fresh process when the write hits a dead pipe. On success mu is still
// held and the caller must unlock it.
func (w *Worker) send(call *callFrame) (*replyFrame, error) {
	for attempt := 0; attempt < 2; attempt++ {
		w.mu.Lock()
		if w.proc == nil || w.isDead() {
			if err := w.restartLocked(); err != nil {
				w.mu.Unlock()
				return nil, w.unavailable(err)
			}
		}

		if err := writeFrame(w.proc.stdin, call); err != nil {
			w.markDead()
			w.mu.Unlock()
			if isBrokenPipe(err) {
				continue
			}
			return nil, err
		}

		frame, err := w.next()
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		return frame, nil
	}
	return nil, w.unavailable(io.ErrUnexpectedEOF)
}

// next reads one frame, killing the process if it exceeds the request
// timeout. Callers hold mu. Any failure leaves the worker dead because the
// frame stream can no longer be trusted.
func (w *Worker) next() (*replyFrame, error) {
	type result struct {
		frame *replyFrame
		err   error
	}

	proc := w.proc
	resCh := make(chan result, 1)
	go func() {
		var f replyFrame
		err := readFrame(proc.stdout, w.maxFrame(), &f)
		if err != nil {
			resCh <- result{nil, err}
			return
		}
		resCh <- result{&f, nil}
	}()

	var res result
	if w.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(w.cfg.RequestTimeout)
		defer timer.Stop()
		select {
		case res = <-resCh:
		case <-timer.C:
			w.markDead()
			proc.kill()
			return nil, fmt.Errorf("worker request timeout after %s", w.cfg.RequestTimeout)
		}
	} else {
		res = <-resCh
	}

	if res.err != nil {
		w.markDead()
		return nil, res.err
	}
	return res.frame, nil
}

// Invoke runs handler in the worker. Context cancellation is advisory: the
// worker is never interrupted because of it, only by the request timeout.
func (w *Worker) Invoke(_ context.Context, handler string, req *message.Request) (*message.Response, error) {
	frame, err := w.send(&callFrame{Type: frameRequest, Handler: handler, Request: req})
	if err != nil {
		return nil, err
	}

	switch frame.Type {
	case frameResponse:
		defer w.mu.Unlock()
		w.finish()
		return frame.response()
	case frameError:
		defer w.mu.Unlock()
		w.finish()
		return nil, fmt.Errorf("worker error: %s", frame.Error)
	case frameHeaders:
		return w.stream(frame)
	}

	w.markDead()
	w.mu.Unlock()
	return nil, fmt.Errorf("unknown frame type: %q", frame.Type)
}

// Deliver sends a WebSocket event to the worker.
func (w *Worker) Deliver(_ context.Context, handler string, ev *message.SocketEvent) (*message.Reply, error) {
	frame, err := w.send(&callFrame{Type: frameSocket, Handler: handler, Event: ev})
	if err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	switch frame.Type {
	case frameReply:
		w.finish()
		return frame.Reply, nil
	case frameEnd:
		w.finish()
		return nil, nil
	case frameError:
		w.finish()
		return nil, fmt.Errorf("worker error: %s", frame.Error)
	}
	w.markDead()
	return nil, fmt.Errorf("unknown frame type: %q", frame.Type)
}

// stream turns a headers frame into a lazily read response body. mu is
// held until the body ends or is closed.
func (w *Worker) stream(head *replyFrame) (*message.Response, error) {
	resp := &message.Response{
		Status:  head.status(),
		Headers: message.HeaderFromMap(head.Headers),
	}
	fs := &frameSource{w: w}
	if head.Data != "" {
		fs.pending = []byte(head.Data)
	}

	switch head.Stream {
	case "", streamChunked:
		resp.Body = &message.Stream{Source: chunkSource{fs}}
	case streamSSE:
		resp.Body = &message.SSEStream{Source: eventSource{fs}}
	default:
		w.markDead()
		w.mu.Unlock()
		return nil, fmt.Errorf("unknown stream kind: %q", head.Stream)
	}
	return resp, nil
}

// frameSource reads the frames of one streamed response.
type frameSource struct {
	w       *Worker
	pending []byte

	mu   sync.Mutex
	done bool
	err  error
}

func (s *frameSource) release(err error) {
	s.done = true
	s.err = err
	s.w.mu.Unlock()
}

// read returns the next chunk or event frame.
func (s *frameSource) read() (*replyFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	if s.pending != nil {
		f := &replyFrame{Type: frameChunk, Data: string(s.pending)}
		s.pending = nil
		return f, nil
	}

	frame, err := s.w.next()
	if err != nil {
		s.release(err)
		return nil, err
	}
	switch frame.Type {
	case frameChunk, frameEvent:
		return frame, nil
	case frameEnd:
		s.w.finish()
		s.release(nil)
		return nil, io.EOF
	case frameError:
		s.w.finish()
		err := fmt.Errorf("stream error from worker: %s", frame.Error)
		s.release(err)
		return nil, err
	}
	s.w.markDead()
	err = fmt.Errorf("unknown stream frame type: %q", frame.Type)
	s.release(err)
	return nil, err
}

// Close abandons the stream. The worker is still writing frames nobody
// will read, so it is recycled.
func (s *frameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.w.markDead()
	s.release(nil)
	return nil
}

type chunkSource struct{ *frameSource }

func (c chunkSource) Next(ctx context.Context) (message.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := c.read()
	if err != nil {
		return nil, err
	}
	if f.Type == frameEvent && f.Event != nil {
		return []byte(f.Event.Data), nil
	}
	return []byte(f.Data), nil
}

type eventSource struct{ *frameSource }

func (e eventSource) Next(ctx context.Context) (message.Event, error) {
	if err := ctx.Err(); err != nil {
		return message.Event{}, err
	}
	f, err := e.read()
	if err != nil {
		return message.Event{}, err
	}
	if f.Event != nil {
		return *f.Event, nil
	}
	return message.Event{Data: f.Data}, nil
}
