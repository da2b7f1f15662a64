package bridge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"go-polyglot/internal/logging"
)

// Loop is a single serialized execution context of a guest runtime. Tasks
// run one at a time, in submission order, on the loop's own goroutine. The
// queue is bounded: Submit never blocks and rejects work past capacity.
type Loop struct {
	name  string
	guest Guest
	queue chan func()
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewLoop starts a loop for guest with room for capacity queued tasks.
func NewLoop(name string, guest Guest, capacity int) *Loop {
	if capacity < 1 {
		capacity = 1
	}
	l := &Loop{
		name:  name,
		guest: guest,
		queue: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Name() string { return l.name }

// Guest returns the runtime this loop serializes access to.
func (l *Loop) Guest() Guest { return l.guest }

// Len is the number of queued tasks not yet started.
func (l *Loop) Len() int { return len(l.queue) }

// Cap is the queue capacity.
func (l *Loop) Cap() int { return cap(l.queue) }

// Submit enqueues task. It returns ErrQueueFull if the queue is at capacity
// and ErrClosed after Close.
func (l *Loop) Submit(task func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for task := range l.queue {
		l.exec(task)
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Error("guest loop task panicked",
				zap.String("loop", l.name),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	task()
}
