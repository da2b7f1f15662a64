package marshal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-polyglot/internal/ids"
	"go-polyglot/internal/jsoncodec"
	"go-polyglot/internal/logging"
	"go-polyglot/message"
	"go-polyglot/schema"
)

// State is the lifecycle state of a WebSocket session.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// No transition skips Closing.
var transitions = map[State]State{
	Connecting: Open,
	Open:       Closing,
	Closing:    Closed,
}

// ErrInvalidTransition is returned for a state change the session
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("marshal: invalid session transition")

const writeTimeout = 10 * time.Second

// Session is one WebSocket connection.
type Session struct {
	id    string
	route string

	mu      sync.Mutex
	state   State
	history []State

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newSession(route string) *Session {
	return &Session{id: ids.NewSessionID(), route: route, state: Connecting, history: []State{Connecting}}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History lists every state the session has been in, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	next, ok := transitions[s.state]
	if s.state == Connecting && to == Closing {
		next, ok = Closing, true
	}
	if !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}

// close walks the remaining states to Closed.
func (s *Session) close() {
	_ = s.transition(Closing)
	_ = s.transition(Closed)
}

func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// send writes a reply payload: strings as text, bytes as binary, anything
// else as JSON text.
func (s *Session) send(data any) error {
	switch v := data.(type) {
	case string:
		return s.write(websocket.TextMessage, []byte(v))
	case []byte:
		return s.write(websocket.BinaryMessage, v)
	}
	b, err := jsoncodec.Marshal(data)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, b)
}

// Deliverer hands socket events to a guest handler.
type Deliverer interface {
	Deliver(ctx context.Context, handler string, ev *message.SocketEvent) (*message.Reply, error)
}

// SocketSpec describes one WebSocket route.
type SocketSpec struct {
	Route   string
	Handler string
	// Request is the validated upgrade request.
	Request *message.Request
	// Message validates every inbound message when set.
	Message *schema.Schema
	Guest   Deliverer
	// MaxMessageBytes limits inbound message size; 0 means no limit.
	MaxMessageBytes int64
	// OnSession is called with the new session before the upgrade.
	OnSession func(*Session)
}

// ServeSocket upgrades the connection and runs the session. Inbound
// messages are handled strictly one at a time: a message is delivered to
// the guest, its reply written, and only then is the next one read.
func (m *Marshaler) ServeSocket(w http.ResponseWriter, r *http.Request, spec *SocketSpec) error {
	sess := newSession(spec.Route)
	if spec.OnSession != nil {
		spec.OnSession(sess)
	}
	log := logging.Logger().With(zap.String("session", sess.id), zap.String("route", spec.Route))

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.close()
		return err
	}
	sess.conn = conn
	if spec.MaxMessageBytes > 0 {
		conn.SetReadLimit(spec.MaxMessageBytes)
	}
	_ = sess.transition(Open)

	ctx := context.WithoutCancel(r.Context())
	event := func(kind message.SocketEventKind, data any) *message.SocketEvent {
		return &message.SocketEvent{Kind: kind, Session: sess.id, Route: spec.Route, Request: spec.Request, Data: data}
	}

	sub := m.hub.Subscribe(spec.Route)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range sub.C() {
			if err := sess.write(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		}
	}()

	code, text := websocket.CloseNormalClosure, ""
	peerClosed, broken := false, false

	reply, err := spec.Guest.Deliver(ctx, spec.Handler, event(message.SocketConnect, nil))
	stop := false
	if err != nil {
		log.Error("socket connect handler failed", zap.Error(err))
		code, text, stop = websocket.CloseInternalServerErr, "internal error", true
	} else {
		stop, broken = m.reply(sess, sub, spec.Route, reply)
	}

	for !stop {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				peerClosed = true
			case errors.Is(err, websocket.ErrReadLimit):
				code, text = websocket.CloseMessageTooBig, "message too big"
			default:
				broken = true
				log.Debug("socket read ended", zap.Error(err))
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		value := decodeMessage(mt, data)
		if spec.Message != nil {
			res := schema.Evaluate(spec.Message, value, schema.At(schema.Body))
			if !res.OK() {
				if err := sess.send(ErrorBody{Detail: ValidationDetail(len(res.Errors)), Errors: res.Errors}); err != nil {
					broken = true
					break
				}
				continue
			}
			value = res.Value
		}

		reply, err := spec.Guest.Deliver(ctx, spec.Handler, event(message.SocketMessage, value))
		if err != nil {
			log.Error("socket message handler failed", zap.Error(err))
			code, text = websocket.CloseInternalServerErr, "internal error"
			break
		}
		stop, broken = m.reply(sess, sub, spec.Route, reply)
	}

	_ = sess.transition(Closing)
	if !peerClosed && !broken {
		m.closeHandshake(sess, code, text)
	}
	_ = conn.Close()
	m.hub.Unsubscribe(spec.Route, sub)
	<-writerDone
	_ = sess.transition(Closed)

	if _, err := spec.Guest.Deliver(ctx, spec.Handler, event(message.SocketDisconnect, nil)); err != nil {
		log.Warn("socket disconnect handler failed", zap.Error(err))
	}
	return nil
}

// reply sends a guest reply and reports whether the session should close
// and whether the connection broke while writing.
func (m *Marshaler) reply(sess *Session, self *Subscriber, route string, reply *message.Reply) (stop, broken bool) {
	if reply == nil {
		return false, false
	}
	if reply.Data != nil {
		if reply.Broadcast {
			if _, err := m.hub.PublishExcept(route, "", reply.Data, self); err != nil {
				logging.Logger().Warn("socket broadcast failed", zap.Error(err))
			}
		}
		if err := sess.send(reply.Data); err != nil {
			return true, true
		}
	}
	return reply.Close, false
}

// closeHandshake sends our close frame and waits for the peer's, bounded by
// the close timeout.
func (m *Marshaler) closeHandshake(sess *Session, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.closeTimeout)); err != nil {
		return
	}
	_ = sess.conn.SetReadDeadline(time.Now().Add(m.closeTimeout))
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// decodeMessage parses JSON text messages and keeps anything else raw.
func decodeMessage(mt int, data []byte) any {
	if mt == websocket.BinaryMessage {
		return data
	}
	if v, err := jsoncodec.UnmarshalValue(data); err == nil {
		return v
	}
	return string(data)
}
