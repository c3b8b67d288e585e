package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Send once the connection has been closed
	// locally or by the peer.
	ErrClosed = errors.New("transport: connection closed")
	// ErrConnect wraps every failure to establish a connection.
	ErrConnect = errors.New("transport: connect failed")
)

type EventKind int

const (
	EventMessage EventKind = iota
	// EventError is a terminal read failure that did not carry a close frame.
	EventError
	// EventClose is a terminal close, initiated by either side.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered on Conn.Events. Exactly one terminal event (EventError or
// EventClose) is delivered per connection, after which the channel is closed.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Code   int
	Reason string
}

// Conn is a single established full-duplex connection. It never retries.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
	Events() <-chan Event
}

// Dialer opens connections. Open blocks until the handshake completes, so a
// nil error is the open notification.
type Dialer interface {
	Open(ctx context.Context, url string) (Conn, error)
}

// Close codes used by the session layer.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
	CloseForbidden       = 4003
)
