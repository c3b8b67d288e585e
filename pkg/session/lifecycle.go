package session

import (
	"context"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/heartbeat"
	"github.com/go-go-golems/tether/pkg/outbox"
	"github.com/go-go-golems/tether/pkg/router"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/pkg/errors"
)

// Every connection attempt gets a new generation. Callbacks from dials,
// reads, timers and heartbeats carry the generation they were created for
// and are ignored once it is no longer current.

func (s *Session) currentLocked(gen uint64) bool {
	return s.gen == gen
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	s.pushLocked(Event{Kind: EventStateChanged, From: from, To: to})
}

func (s *Session) setQualityLocked(q heartbeat.Quality, rtt time.Duration) {
	s.rtt = rtt
	if q == s.quality {
		return
	}
	s.quality = q
	s.pushLocked(Event{Kind: EventQualityChanged, Quality: q, RTT: rtt})
}

func (s *Session) connectLocked() {
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)

	ctx, cancel := context.WithCancel(s.runCtx)
	s.cancelOpen = cancel
	s.connectTimer = time.AfterFunc(s.connectTimeout, func() { s.onConnectTimeout(gen) })
	go s.open(ctx, gen, s.url)
}

func (s *Session) open(ctx context.Context, gen uint64, u string) {
	conn, err := s.dialer.Open(ctx, u)

	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(transport.CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("connect failed")
		s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: err})
		s.mu.Unlock()
		s.flushEvents()
		return
	}

	s.conn = conn
	s.setStateLocked(StateAuthenticating)
	auth, err := envelope.New(envelope.TypeAuth, envelope.Auth{Token: s.credential})
	if err == nil {
		err = s.writeLocked(auth)
	}
	if err != nil {
		s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: errors.Wrap(err, "send auth")})
		s.mu.Unlock()
		s.flushEvents()
		return
	}
	s.mu.Unlock()
	s.flushEvents()

	s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for ev := range conn.Events() {
		if ev.Kind == transport.EventMessage {
			s.handleFrame(gen, ev.Data)
			continue
		}
		s.handleClosed(gen, ev)
		return
	}
	s.handleClosed(gen, transport.Event{Kind: transport.EventClose, Code: transport.CloseAbnormal})
}

func (s *Session) handleClosed(gen uint64, ev transport.Event) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	var f *Failure
	switch {
	case s.state == StateAuthenticating && isAuthCloseCode(ev.Code):
		f = &Failure{Kind: FailureAuth, Err: errors.Wrapf(ErrAuthRejected, "close %d %s", ev.Code, ev.Reason)}
	case ev.Err != nil:
		f = &Failure{Kind: FailureTransport, Err: ev.Err}
	default:
		f = &Failure{Kind: FailureTransport, Err: errors.Errorf("connection closed: %d %s", ev.Code, ev.Reason)}
	}
	s.logger.Info().Int("code", ev.Code).Str("reason", ev.Reason).Str("state", s.state.String()).Msg("connection closed")
	s.connectionLostLocked(f)
	s.mu.Unlock()
	s.flushEvents()
}

func isAuthCloseCode(code int) bool {
	switch code {
	case transport.ClosePolicyViolation, transport.CloseUnauthorized, transport.CloseForbidden:
		return true
	}
	return false
}

func (s *Session) handleFrame(gen uint64, data []byte) {
	env, err := envelope.Unmarshal(data)

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		s.pushLocked(Event{Kind: EventProtocolError, Failure: &Failure{Kind: FailureProtocol, Err: err}, Raw: data})
		s.mu.Unlock()
		s.flushEvents()
		return
	}

	switch env.Type {
	case envelope.TypeConnectionEstablished:
		if s.state == StateAuthenticating {
			s.authenticatedLocked()
		}
	case envelope.TypeError:
		if s.state == StateAuthenticating {
			var p envelope.ErrorPayload
			_ = env.Decode(&p)
			if p.Message == "" {
				p.Message = "server error"
			}
			s.failLocked(&Failure{Kind: FailureAuth, Err: errors.Wrap(ErrAuthRejected, p.Message)})
		}
	case envelope.TypePong:
		if s.monitor != nil {
			if rtt, q, ok := s.monitor.HandlePong(env); ok {
				s.setQualityLocked(q, rtt)
			}
		}
	case envelope.TypePing:
		if s.conn != nil {
			pong, perr := heartbeat.PongFor(env)
			if perr == nil {
				perr = s.writeLocked(pong)
			}
			if perr != nil {
				s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: errors.Wrap(perr, "send pong")})
			}
		}
	case envelope.TypeSubscriptionConfirmed:
		s.logger.Debug().Str("resource_id", env.CorrelationID).Msg("subscription confirmed")
	}
	s.mu.Unlock()
	s.flushEvents()

	s.dispatchInbound(epoch, env)
}

// authenticatedLocked runs the open sequence: heartbeat, subscription
// replay, then the queued messages. Subscriptions go first so replies to
// queued queries are not filtered out.
func (s *Session) authenticatedLocked() {
	s.stopConnectTimerLocked()
	s.backoff.Reset()
	s.setStateLocked(StateOpen)

	gen := s.gen
	s.monitor = heartbeat.NewMonitor(
		func(env envelope.Envelope) error { return s.sendHeartbeat(gen, env) },
		heartbeat.WithInterval(s.heartbeatInterval),
		heartbeat.WithTimeout(s.heartbeatTimeout),
		heartbeat.WithStaleHandler(func() { s.onStale(gen) }),
		heartbeat.WithLogger(s.logger),
	)
	s.monitor.Start()

	subs := s.subs.List()
	for _, sub := range subs {
		if !s.announceLocked(sub, true) {
			return
		}
	}

	n, ok := s.flushQueueLocked()
	if !ok {
		return
	}
	s.logger.Info().Int("subscriptions", len(subs)).Int("flushed", n).Msg("session open")
}

// flushQueueLocked writes queued messages in order. It reports false when a
// write failed and the connection was dropped. A queue storage error keeps
// the connection and retries the flush after the backoff base delay.
func (s *Session) flushQueueLocked() (int, bool) {
	var sendErr error
	n, err := s.queue.Flush(s.runCtx, func(env envelope.Envelope) error {
		if werr := s.writeLocked(env); werr != nil {
			sendErr = werr
			return werr
		}
		return nil
	})
	if sendErr != nil {
		s.logger.Warn().Err(sendErr).Int("flushed", n).Int("remaining", s.queue.Len()).Msg("flush interrupted")
		s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: sendErr})
		return n, false
	}
	if err != nil {
		s.logger.Error().Err(err).Int("flushed", n).Int("remaining", s.queue.Len()).Msg("outbound queue flush failed")
		if s.flushTimer == nil {
			gen := s.gen
			s.flushTimer = time.AfterFunc(s.scheduler.BaseDelay, func() { s.onFlushRetry(gen) })
		}
	}
	return n, true
}

func (s *Session) onFlushRetry(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.flushTimer = nil
	s.flushQueueLocked()
	s.mu.Unlock()
	s.flushEvents()
}

// announceLocked tells the server about a subscription change. It reports
// false when the write failed and the connection was dropped.
func (s *Session) announceLocked(sub router.Subscription, subscribe bool) bool {
	var (
		t    envelope.Type
		data any
	)
	switch {
	case sub.Kind == router.KindWorkflow && subscribe:
		t, data = envelope.TypeSubscribeWorkflow, envelope.WorkflowSubscription{WorkflowID: sub.ResourceID}
	case sub.Kind == router.KindWorkflow:
		t, data = envelope.TypeUnsubscribeWorkflow, envelope.WorkflowSubscription{WorkflowID: sub.ResourceID}
	case subscribe:
		t, data = envelope.TypeSubscribeQuery, envelope.QuerySubscription{QueryID: sub.ResourceID}
	default:
		t, data = envelope.TypeUnsubscribeQuery, envelope.QuerySubscription{QueryID: sub.ResourceID}
	}
	env, err := envelope.New(t, data)
	if err == nil {
		err = s.writeLocked(env)
	}
	if err != nil {
		s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: errors.Wrapf(err, "send %s", t)})
		return false
	}
	return true
}

func (s *Session) sendHeartbeat(gen uint64, env envelope.Envelope) error {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	err := s.writeLocked(env)
	if err != nil {
		s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: errors.Wrap(err, "send ping")})
	}
	s.mu.Unlock()
	s.flushEvents()
	return err
}

func (s *Session) onStale(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.connectionLostLocked(&Failure{Kind: FailureLiveness, Err: ErrLivenessTimeout})
	s.mu.Unlock()
	s.flushEvents()
}

func (s *Session) onConnectTimeout(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || (s.state != StateConnecting && s.state != StateAuthenticating) {
		s.mu.Unlock()
		return
	}
	s.logger.Warn().Dur("timeout", s.connectTimeout).Str("state", s.state.String()).Msg("connect timed out")
	s.connectionLostLocked(&Failure{Kind: FailureTransport, Err: ErrConnectTimeout})
	s.mu.Unlock()
	s.flushEvents()
}

func (s *Session) onRetry(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.connectLocked()
	s.mu.Unlock()
	s.flushEvents()
}

// connectionLostLocked tears the connection down and either schedules the
// next attempt or gives up.
func (s *Session) connectionLostLocked(f *Failure) {
	if f.Kind == FailureAuth {
		s.failLocked(f)
		return
	}
	s.teardownLocked(transport.CloseGoingAway, "reconnecting")

	delay, err := s.backoff.Next()
	if err != nil {
		s.failLocked(&Failure{Kind: FailureBackoffExhausted, Err: errors.Wrap(err, f.Error())})
		return
	}
	s.setStateLocked(StateReconnecting)
	s.logger.Info().
		Str("cause", f.Error()).
		Int("attempt", s.backoff.Attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")
	s.pushLocked(Event{Kind: EventReconnecting, Attempt: s.backoff.Attempt, Delay: delay, Failure: f})

	gen := s.gen
	s.retryTimer = time.AfterFunc(delay, func() { s.onRetry(gen) })
}

func (s *Session) failLocked(f *Failure) {
	s.teardownLocked(transport.CloseNormal, "giving up")
	s.stopRetryLocked()
	s.failure = f
	s.setStateLocked(StateFailed)
	s.logger.Error().Err(f).Msg("session failed")
	s.pushLocked(Event{Kind: EventFailed, Failure: f})
}

// teardownLocked invalidates the current generation and releases everything
// bound to it.
func (s *Session) teardownLocked(code int, reason string) {
	s.gen++
	s.stopConnectTimerLocked()
	s.stopFlushRetryLocked()
	if s.cancelOpen != nil {
		s.cancelOpen()
		s.cancelOpen = nil
	}
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(code, reason); err != nil {
			s.logger.Debug().Err(err).Msg("close connection")
		}
		s.conn = nil
	}
	s.setQualityLocked(heartbeat.QualityDisconnected, 0)
}

func (s *Session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) stopFlushRetryLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Session) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) writeLocked(env envelope.Envelope) error {
	if s.conn == nil {
		return transport.ErrClosed
	}
	b, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.runCtx, s.writeTimeout)
	defer cancel()
	return s.conn.Send(ctx, b)
}

func (s *Session) enqueueLocked(env envelope.Envelope) {
	err := s.queue.Enqueue(s.runCtx, env)
	if err == nil {
		return
	}
	kind := FailureQueue
	if errors.Is(err, outbox.ErrQueueOverflow) {
		kind = FailureQueueOverflow
	}
	s.rejectLocked(env, &Failure{Kind: kind, Err: err})
}

func (s *Session) rejectLocked(env envelope.Envelope, f *Failure) {
	s.logger.Warn().Err(f).Str("type", string(env.Type)).Msg("outbound message rejected")
	e := env
	s.pushLocked(Event{Kind: EventSendRejected, Envelope: &e, Failure: f})
}
