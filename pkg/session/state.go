package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a Session. Exactly one is active at a time.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateClosing
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrLivenessTimeout = errors.New("heartbeat timeout")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrNotStarted      = errors.New("session not started")
	ErrNotOpen         = errors.New("session not open")
)

// FailureKind classifies why a connection was lost or a message rejected.
type FailureKind int

const (
	// FailureTransport covers refused connections, DNS, TLS, write errors and
	// peer closes. Always retried.
	FailureTransport FailureKind = iota
	// FailureProtocol is a malformed inbound frame. The frame is dropped.
	FailureProtocol
	// FailureAuth means the server rejected the credential. Never retried.
	FailureAuth
	// FailureLiveness is a heartbeat timeout, retried like FailureTransport.
	FailureLiveness
	// FailureBackoffExhausted is terminal until Start is called again.
	FailureBackoffExhausted
	// FailureQueueOverflow means a bounded outbound queue rejected a message.
	FailureQueueOverflow
	// FailureQueue is an outbound queue storage error.
	FailureQueue
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureProtocol:
		return "protocol"
	case FailureAuth:
		return "auth"
	case FailureLiveness:
		return "liveness"
	case FailureBackoffExhausted:
		return "backoff_exhausted"
	case FailureQueueOverflow:
		return "queue_overflow"
	case FailureQueue:
		return "queue"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Retryable reports whether the failure leads to a reconnect attempt.
func (f *Failure) Retryable() bool {
	return f != nil && (f.Kind == FailureTransport || f.Kind == FailureLiveness)
}
