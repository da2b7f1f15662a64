package marshal

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"go-polyglot/internal/jsoncodec"
	"go-polyglot/internal/logging"
	"go-polyglot/message"
)

// Broadcast is one message travelling through the hub.
type Broadcast struct {
	Channel string `json:"channel"`
	Event   string `json:"event,omitempty"`
	Data    []byte `json:"-"`
}

// Subscriber receives broadcasts for one channel.
type Subscriber struct {
	send chan Broadcast
}

// C is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan Broadcast {
	return s.send
}

// Hub fans messages out to every subscriber of a channel. WebSocket routes
// use the route as channel; SSE producers subscribe with HubSource.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Subscriber]struct{}
	buffer  int
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Subscriber]struct{}),
		buffer:  16,
	}
}

// Subscribe registers a new subscriber for channel.
func (h *Hub) Subscribe(channel string) *Subscriber {
	s := &Subscriber{send: make(chan Broadcast, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*Subscriber]struct{})
	}
	h.clients[channel][s] = struct{}{}
	return s
}

// Unsubscribe removes s from channel and closes its channel. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(channel string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if _, ok := subs[s]; !ok {
		return
	}

	delete(subs, s)
	close(s.send)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
}

// Subscribers counts the subscribers of channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// Publish encodes payload once and offers it to every subscriber of
// channel. Slow subscribers with a full buffer miss the message. It returns
// the number of subscribers that received it.
func (h *Hub) Publish(channel, event string, payload any) (int, error) {
	return h.PublishExcept(channel, event, payload, nil)
}

// PublishExcept is Publish skipping one subscriber, typically the sender.
func (h *Hub) PublishExcept(channel, event string, payload any, except *Subscriber) (int, error) {
	data, err := encodePayload(payload)
	if err != nil {
		logging.Logger().Warn("hub: encode payload", zap.String("channel", channel), zap.Error(err))
		return 0, err
	}

	msg := Broadcast{Channel: channel, Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.clients[channel] {
		if s == except {
			continue
		}
		select {
		case s.send <- msg:
			delivered++
		default:
			// subscriber is slow, buffer full: drop
		}
	}
	return delivered, nil
}

// encodePayload sends strings and bytes as is and everything else as JSON.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return jsoncodec.Marshal(payload)
}

// HubSource streams a hub channel as server-sent events until the
// subscriber is removed or the client leaves. Closing the source
// unsubscribes.
func HubSource(h *Hub, channel string) message.Source[message.Event] {
	return &hubSource{hub: h, channel: channel, sub: h.Subscribe(channel)}
}

type hubSource struct {
	hub     *Hub
	channel string
	sub     *Subscriber
	once    sync.Once
}

func (s *hubSource) Next(ctx context.Context) (message.Event, error) {
	select {
	case msg, ok := <-s.sub.C():
		if !ok {
			return message.Event{}, io.EOF
		}
		return message.Event{Event: msg.Event, Data: string(msg.Data)}, nil
	case <-ctx.Done():
		return message.Event{}, ctx.Err()
	}
}

func (s *hubSource) Close() error {
	s.once.Do(func() { s.hub.Unsubscribe(s.channel, s.sub) })
	return nil
}
