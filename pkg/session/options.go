package session

import (
	"time"

	"github.com/go-go-golems/tether/pkg/backoff"
	"github.com/go-go-golems/tether/pkg/heartbeat"
	"github.com/go-go-golems/tether/pkg/outbox"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// URLFunc builds the endpoint for a credential, e.g. to put it in the query
// string.
type URLFunc func(credential string) (string, error)

type Option func(*Session) error

// WithEndpoint sets the websocket endpoint, e.g. ws://localhost:8080/ws.
func WithEndpoint(endpoint string) Option {
	return func(s *Session) error {
		s.endpoint = endpoint
		return nil
	}
}

// WithTokenParam also passes the credential as the named query parameter.
// The auth message is sent either way.
func WithTokenParam(name string) Option {
	return func(s *Session) error {
		s.tokenParam = name
		return nil
	}
}

func WithURLFunc(f URLFunc) Option {
	return func(s *Session) error {
		s.urlFunc = f
		return nil
	}
}

func WithDialer(d transport.Dialer) Option {
	return func(s *Session) error {
		if d == nil {
			return errors.New("nil dialer")
		}
		s.dialer = d
		return nil
	}
}

// WithQueue replaces the default in-memory outbound queue.
func WithQueue(q outbox.Queue) Option {
	return func(s *Session) error {
		if q == nil {
			return errors.New("nil queue")
		}
		s.queue = q
		return nil
	}
}

func WithBackoff(base time.Duration, maxAttempts int) Option {
	return func(s *Session) error {
		s.scheduler = backoff.NewScheduler(base, maxAttempts)
		return nil
	}
}

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Session) error {
		if interval > 0 {
			s.heartbeatInterval = interval
		}
		if timeout > 0 {
			s.heartbeatTimeout = timeout
		}
		return nil
	}
}

// WithConnectTimeout bounds dial plus authentication.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d > 0 {
			s.connectTimeout = d
		}
		return nil
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d > 0 {
			s.writeTimeout = d
		}
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) error {
		s.logger = l
		return nil
	}
}

func defaults(s *Session) {
	s.scheduler = backoff.NewScheduler(backoff.DefaultBaseDelay, backoff.DefaultMaxAttempts)
	s.heartbeatInterval = heartbeat.DefaultInterval
	s.heartbeatTimeout = heartbeat.DefaultTimeout
	s.connectTimeout = DefaultConnectTimeout
	s.writeTimeout = DefaultWriteTimeout
}
