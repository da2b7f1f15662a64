package message

import "fmt"

// SocketEventKind distinguishes the events a WebSocket handler observes.
type SocketEventKind int

const (
	SocketConnect SocketEventKind = iota
	SocketMessage
	SocketDisconnect
)

func (k SocketEventKind) String() string {
	switch k {
	case SocketConnect:
		return "connect"
	case SocketMessage:
		return "message"
	case SocketDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// SocketEvent is delivered to a guest WebSocket handler. Data carries the
// validated message for SocketMessage events.
type SocketEvent struct {
	Kind    SocketEventKind `json:"kind"`
	Session string          `json:"session"`
	Route   string          `json:"route,omitempty"`
	Request *Request        `json:"request,omitempty"`
	Data    any             `json:"data,omitempty"`
}

// MarshalText encodes the kind by name.
func (k SocketEventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *SocketEventKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "connect":
		*k = SocketConnect
	case "message":
		*k = SocketMessage
	case "disconnect":
		*k = SocketDisconnect
	default:
		return fmt.Errorf("message: unknown socket event kind %q", text)
	}
	return nil
}

// Reply is a guest's answer to a socket event. A nil Data sends nothing.
type Reply struct {
	Data      any  `json:"data,omitempty"`
	Broadcast bool `json:"broadcast,omitempty"`
	Close     bool `json:"close,omitempty"`
}
