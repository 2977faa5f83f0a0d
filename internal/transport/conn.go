// Package transport provides the bidirectional message socket abstraction the
// replication protocol runs over, a gorilla/websocket implementation of it,
// and an encrypting wrapper that is a drop-in substitute for the raw socket.
package transport

import (
	"context"
	"errors"
)

// ReadyState mirrors the socket lifecycle the replication protocol expects.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnClosed is returned by Send on a closed connection.
var ErrConnClosed = errors.New("transport: connection closed")

// Handlers are the callback slots of a connection. Nil slots are skipped.
// OnMessage receives data frames; open/close/error are control-plane events
// and pass through wrappers unmodified.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Conn is a minimal bidirectional message socket: binary data frames with
// callback-based delivery. Send returns immediately; delivery order matches
// call order.
type Conn interface {
	// Send queues a binary frame for transmission.
	Send(data []byte) error
	// SendText queues a text frame. The replication protocol never sends
	// text; this exists so wrappers have a defined non-binary escape hatch.
	SendText(text string) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// ReadyState reports the current lifecycle state.
	ReadyState() ReadyState
}

// Dialer opens a connection to url and wires the given handler slots before
// any event can fire.
type Dialer func(ctx context.Context, url string, h Handlers) (Conn, error)
