package outbox

import (
	"context"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/pkg/errors"
)

// ErrQueueOverflow is returned by Enqueue on a bounded queue that is full.
// The rejected envelope is not stored; nothing already queued is dropped.
var ErrQueueOverflow = errors.New("outbound queue is full")

// Entry is a not-yet-sent envelope.
type Entry struct {
	Envelope   envelope.Envelope
	EnqueuedAt time.Time
}

// SendFunc delivers one envelope. A non-nil error stops a flush.
type SendFunc func(envelope.Envelope) error

// Queue is a FIFO of outbound envelopes.
//
// Flush hands entries to send in enqueue order and removes each entry only
// after send returned nil. When send fails, the failing entry and everything
// behind it stay queued in their original order and Flush returns the error
// together with the number of entries delivered.
type Queue interface {
	Enqueue(ctx context.Context, env envelope.Envelope) error
	Flush(ctx context.Context, send SendFunc) (int, error)
	Len() int
	Close() error
}

type settings struct {
	maxEntries int
	now        func() time.Time
}

type Option func(*settings)

// WithMaxEntries bounds the queue. Zero or negative means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *settings) {
		s.maxEntries = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
