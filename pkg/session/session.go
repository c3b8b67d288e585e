package session

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-go-golems/tether/pkg/backoff"
	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/heartbeat"
	"github.com/go-go-golems/tether/pkg/outbox"
	"github.com/go-go-golems/tether/pkg/router"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session keeps one authenticated connection to a realtime endpoint alive.
//
// It owns the connection state machine, reconnects with exponential backoff,
// monitors liveness, replays subscriptions after every reconnect and holds
// outbound messages until they can be delivered. All methods are safe for
// concurrent use. Inbound handlers and lifecycle listeners run outside the
// session lock.
type Session struct {
	endpoint          string
	tokenParam        string
	urlFunc           URLFunc
	dialer            transport.Dialer
	queue             outbox.Queue
	scheduler         backoff.Scheduler
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	connectTimeout    time.Duration
	writeTimeout      time.Duration
	logger            zerolog.Logger

	subs   *router.SubscriptionSet
	router *router.Router

	// mu serializes state transitions, flushes and writes.
	mu           sync.Mutex
	state        State
	quality      heartbeat.Quality
	rtt          time.Duration
	credential   string
	url          string
	gen          uint64
	epoch        uint64
	conn         transport.Conn
	monitor      *heartbeat.Monitor
	backoff      *backoff.State
	retryTimer   *time.Timer
	connectTimer *time.Timer
	flushTimer   *time.Timer
	cancelOpen   context.CancelFunc
	runCtx       context.Context
	runCancel    context.CancelFunc
	failure      *Failure
	pending      []Event

	// handlerMu is held for reading while inbound handlers run; Stop takes
	// it for writing to wait for them.
	handlerMu sync.RWMutex
	emitMu    sync.Mutex
	listeners listeners
}

func New(opts ...Option) (*Session, error) {
	s := &Session{
		logger: log.With().Str("component", "session").Logger(),
		runCtx: context.Background(),
	}
	defaults(s)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "session option")
		}
	}
	if s.dialer == nil {
		s.dialer = transport.NewWebSocketDialer(
			transport.WithHandshakeTimeout(s.connectTimeout),
			transport.WithWriteTimeout(s.writeTimeout),
			transport.WithLogger(s.logger),
		)
	}
	if s.queue == nil {
		s.queue = outbox.NewMemoryQueue()
	}
	s.backoff = backoff.NewState(s.scheduler)
	s.subs = router.NewSubscriptionSet()
	s.router = router.New(s.subs, router.WithLogger(s.logger))
	return s, nil
}

// Start connects with credential. It is valid from Idle and Failed; Start
// after Failed begins a fresh backoff sequence.
func (s *Session) Start(credential string) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFailed {
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrAlreadyStarted, "state %s", st)
	}
	u, err := s.buildURL(credential)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.epoch++
	s.credential = credential
	s.url = u
	s.failure = nil
	s.backoff.Reset()
	s.logger.Info().Str("url", redact(u)).Msg("starting session")
	s.connectLocked()
	s.mu.Unlock()
	s.flushEvents()
	return nil
}

// Stop closes the connection and cancels every pending timer and callback.
// Subscriptions are cleared; queued messages are kept for the next Start.
// Stop is safe to call in any state, including from a handler or listener.
// It waits for handlers that are already running, and no handler or
// listener is called after it returns. Called from a listener, the Closing
// and Idle events reach the remaining listeners once that listener returns.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.setStateLocked(StateClosing)
	s.stopRetryLocked()
	s.teardownLocked(transport.CloseNormal, "client stop")
	s.subs.Clear()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.runCtx = context.Background()
	s.setStateLocked(StateIdle)
	s.logger.Info().Int("queued", s.queue.Len()).Msg("session stopped")
	s.mu.Unlock()
	s.awaitCallbacks()
}

// Close stops the session and releases the outbound queue.
func (s *Session) Close() error {
	s.Stop()
	return s.queue.Close()
}

// Reconnect drops the current connection, if any, and connects again at
// once with a fresh backoff sequence.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosing, StateFailed:
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrNotStarted, "state %s", st)
	}
	s.logger.Info().Str("state", s.state.String()).Msg("manual reconnect")
	s.stopRetryLocked()
	s.teardownLocked(transport.CloseNormal, "reconnect")
	s.backoff.Reset()
	s.connectLocked()
	s.mu.Unlock()
	s.flushEvents()
	return nil
}

// Send writes env immediately when the session is open and nothing is
// queued ahead of it; otherwise env is queued and delivered in order once a
// connection is authenticated. Send never blocks on reconnection.
func (s *Session) Send(env envelope.Envelope) {
	if _, err := envelope.Marshal(env); err != nil {
		s.mu.Lock()
		s.rejectLocked(env, &Failure{Kind: FailureProtocol, Err: err})
		s.mu.Unlock()
		s.flushEvents()
		return
	}

	s.mu.Lock()
	switch {
	case s.state != StateOpen || s.conn == nil:
		s.enqueueLocked(env)
	case s.queue.Len() == 0:
		if err := s.writeLocked(env); err != nil {
			s.enqueueLocked(env)
			s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: err})
		}
	default:
		// earlier messages are still queued after a failed flush
		s.enqueueLocked(env)
		s.flushQueueLocked()
	}
	s.mu.Unlock()
	s.flushEvents()
}

// SubmitQuery sends a submit_query message.
func (s *Session) SubmitQuery(queryID, query, operation string) error {
	env, err := envelope.New(envelope.TypeSubmitQuery, envelope.SubmitQuery{
		QueryID:   queryID,
		Query:     query,
		Operation: operation,
	})
	if err != nil {
		return err
	}
	s.Send(env)
	return nil
}

// Subscribe starts forwarding query_update messages for queryID. Repeated
// calls are no-ops. The subscription is announced now if the session is
// open and replayed after every reconnect.
func (s *Session) Subscribe(queryID string) {
	s.subscribe(queryID, router.KindQuery)
}

// SubscribeWorkflow is Subscribe for workflow_update messages.
func (s *Session) SubscribeWorkflow(workflowID string) {
	s.subscribe(workflowID, router.KindWorkflow)
}

func (s *Session) subscribe(id string, kind router.Kind) {
	s.mu.Lock()
	sub, added := s.subs.Add(id, kind)
	if added && s.state == StateOpen {
		s.announceLocked(sub, true)
	}
	s.mu.Unlock()
	s.flushEvents()
}

// Unsubscribe stops forwarding updates for resourceID. Unknown ids are
// ignored.
func (s *Session) Unsubscribe(resourceID string) {
	s.mu.Lock()
	sub, removed := s.subs.Remove(resourceID)
	if removed && s.state == StateOpen {
		s.announceLocked(sub, false)
	}
	s.mu.Unlock()
	s.flushEvents()
}

// Subscriptions lists the current subscriptions, oldest first.
func (s *Session) Subscriptions() []router.Subscription {
	return s.subs.List()
}

// OnMessage registers h for inbound messages of type t.
func (s *Session) OnMessage(t envelope.Type, h router.Handler) func() {
	return s.router.On(t, h)
}

// Router exposes the inbound router for typed and catch-all handlers.
func (s *Session) Router() *router.Router {
	return s.router
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Quality is Disconnected until the first pong of the current connection.
func (s *Session) Quality() heartbeat.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// Failure returns the reason the session entered Failed, or nil.
func (s *Session) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// QueueLen is the number of messages waiting for a connection.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// WaitForState blocks until the session is in one of states or ctx is done.
func (s *Session) WaitForState(ctx context.Context, states ...State) error {
	reached := make(chan struct{}, 1)
	off := s.OnEvent(func(ev Event) {
		if ev.Kind == EventStateChanged && containsState(states, ev.To) {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer off()

	if containsState(states, s.State()) {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for %v (state %s)", states, s.State())
	}
}

func containsState(states []State, st State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func (s *Session) buildURL(credential string) (string, error) {
	if s.urlFunc != nil {
		u, err := s.urlFunc(credential)
		return u, errors.Wrap(err, "build url")
	}
	if s.endpoint == "" {
		return "", errors.New("no endpoint configured")
	}
	if s.tokenParam == "" {
		return s.endpoint, nil
	}
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parse endpoint %q", s.endpoint)
	}
	q := u.Query()
	q.Set(s.tokenParam, credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact strips the query string so credentials never reach the logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
