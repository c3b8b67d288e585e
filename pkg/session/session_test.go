package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/tether/pkg/backoff"
	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/heartbeat"
	"github.com/go-go-golems/tether/pkg/outbox"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSession_QueuedMessagesReplayInOrder(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.SubmitQuery(id, "status?", ""))
	}
	require.Equal(t, 3, s.QueueLen())

	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	require.Equal(t, []envelope.Type{
		envelope.TypeAuth,
		envelope.TypeSubmitQuery,
		envelope.TypeSubmitQuery,
		envelope.TypeSubmitQuery,
	}, c.sentTypes())
	require.Equal(t, []string{"m1", "m2", "m3"}, submittedIDs(t, c))
	require.Equal(t, 0, s.QueueLen())

	var auth envelope.Auth
	require.NoError(t, c.sentEnvelopes()[0].Decode(&auth))
	require.Equal(t, "secret", auth.Token)
}

func TestSession_SendWhileOpenWritesImmediately(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	require.NoError(t, s.SubmitQuery("m1", "hello", "summarize"))
	require.Equal(t, []string{"m1"}, submittedIDs(t, c))
	require.Equal(t, 0, s.QueueLen())
}

func TestSession_ResubscribesBeforeQueuedTrafficAfterReconnect(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	rec := record(s)

	s.Subscribe("q1")
	s.SubscribeWorkflow("w1")
	s.Subscribe("q1")
	require.NoError(t, s.SubmitQuery("m1", "hello", ""))

	require.NoError(t, s.Start("secret"))
	c1 := nextConn(t, d)
	authenticate(t, s, c1)
	require.Equal(t, []envelope.Type{
		envelope.TypeAuth,
		envelope.TypeSubscribeQuery,
		envelope.TypeSubscribeWorkflow,
		envelope.TypeSubmitQuery,
	}, c1.sentTypes())

	c1.drop(transport.CloseAbnormal, "")
	c2 := nextConn(t, d)
	authenticate(t, s, c2)
	require.Equal(t, []envelope.Type{
		envelope.TypeAuth,
		envelope.TypeSubscribeQuery,
		envelope.TypeSubscribeWorkflow,
	}, c2.sentTypes())

	require.Eventually(t, func() bool { return len(rec.ofKind(EventReconnecting)) == 1 }, waitFor, tick)
	ev := rec.ofKind(EventReconnecting)[0]
	require.Equal(t, 1, ev.Attempt)
	require.Equal(t, time.Millisecond, ev.Delay)
	require.Equal(t, FailureTransport, ev.Failure.Kind)
}

func TestSession_BackoffExhaustionFailsThenStartRecovers(t *testing.T) {
	d := newFakeDialer()
	d.setFails(-1)
	s := newTestSession(t, d)
	rec := record(s)

	require.NoError(t, s.Start("secret"))
	require.Eventually(t, func() bool { return len(rec.ofKind(EventFailed)) == 1 }, waitFor, tick)
	require.Equal(t, StateFailed, s.State())

	var delays []time.Duration
	for _, ev := range rec.ofKind(EventReconnecting) {
		delays = append(delays, ev.Delay)
	}
	require.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		16 * time.Millisecond,
	}, delays)

	f := s.Failure()
	require.NotNil(t, f)
	require.Equal(t, FailureBackoffExhausted, f.Kind)
	require.ErrorIs(t, f, backoff.ErrExhausted)

	require.Equal(t, 6, d.attemptCount())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 6, d.attemptCount())

	d.setFails(0)
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)
	require.Nil(t, s.Failure())
}

func TestSession_AuthErrorIsTerminal(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	rec := record(s)

	var mu sync.Mutex
	var reported []string
	s.Router().OnError(func(p envelope.ErrorPayload) {
		mu.Lock()
		reported = append(reported, p.Message)
		mu.Unlock()
	})

	require.NoError(t, s.Start("wrong"))
	c := nextConn(t, d)
	awaitAuth(t, c)
	c.deliver(t, envelope.MustNew(envelope.TypeError, envelope.ErrorPayload{Message: "invalid token"}))

	require.Eventually(t, func() bool { return len(rec.ofKind(EventFailed)) == 1 }, waitFor, tick)
	f := s.Failure()
	require.Equal(t, FailureAuth, f.Kind)
	require.ErrorIs(t, f, ErrAuthRejected)
	require.Contains(t, f.Error(), "invalid token")

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, d.attemptCount())
	require.Empty(t, rec.ofKind(EventReconnecting))
	_, closed := c.closeCode()
	require.True(t, closed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	}, waitFor, tick)
}

func TestSession_AuthCloseCodeIsTerminal(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)

	require.NoError(t, s.Start("wrong"))
	c := nextConn(t, d)
	awaitAuth(t, c)
	c.drop(transport.CloseUnauthorized, "unauthorized")

	require.Eventually(t, func() bool { return s.State() == StateFailed }, waitFor, tick)
	require.Equal(t, FailureAuth, s.Failure().Kind)
	require.Equal(t, 1, d.attemptCount())
}

func TestSession_CloseCode4001AfterOpenIsRetried(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)

	require.NoError(t, s.Start("secret"))
	c1 := nextConn(t, d)
	authenticate(t, s, c1)
	c1.drop(transport.CloseUnauthorized, "session expired")

	c2 := nextConn(t, d)
	authenticate(t, s, c2)
}

func TestSession_HeartbeatTimeoutReconnects(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d, WithHeartbeat(10*time.Millisecond, 20*time.Millisecond))
	rec := record(s)

	require.NoError(t, s.Start("secret"))
	c1 := nextConn(t, d)
	authenticate(t, s, c1)
	require.Eventually(t, func() bool { return len(c1.sentOfType(envelope.TypePing)) == 1 }, waitFor, tick)

	c2 := nextConn(t, d)
	require.NotSame(t, c1, c2)
	_, closed := c1.closeCode()
	require.True(t, closed)

	require.Eventually(t, func() bool { return len(rec.ofKind(EventReconnecting)) >= 1 }, waitFor, tick)
	ev := rec.ofKind(EventReconnecting)[0]
	require.Equal(t, FailureLiveness, ev.Failure.Kind)
	require.ErrorIs(t, ev.Failure, ErrLivenessTimeout)
}

func TestSession_PongUpdatesQuality(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d, WithHeartbeat(10*time.Millisecond, time.Second))
	rec := record(s)

	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)
	require.Equal(t, heartbeat.QualityDisconnected, s.Quality())

	require.Eventually(t, func() bool { return len(c.sentOfType(envelope.TypePing)) == 1 }, waitFor, tick)
	pong, err := heartbeat.PongFor(c.sentOfType(envelope.TypePing)[0])
	require.NoError(t, err)
	c.deliver(t, pong)

	require.Eventually(t, func() bool { return s.Quality() == heartbeat.QualityExcellent }, waitFor, tick)
	require.Less(t, s.RTT(), 100*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.ofKind(EventQualityChanged)) >= 1 }, waitFor, tick)
	require.Equal(t, heartbeat.QualityExcellent, rec.ofKind(EventQualityChanged)[0].Quality)
}

func TestSession_AnswersServerPing(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	c.deliver(t, envelope.MustNew(envelope.TypePing, envelope.Probe{Timestamp: 77}))
	require.Eventually(t, func() bool { return len(c.sentOfType(envelope.TypePong)) == 1 }, waitFor, tick)

	var probe envelope.Probe
	require.NoError(t, c.sentOfType(envelope.TypePong)[0].Decode(&probe))
	require.Equal(t, int64(77), probe.Timestamp)
}

func TestSession_StreamsOnlySubscribedQueries(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)

	var mu sync.Mutex
	var got []envelope.QueryUpdate
	s.Router().OnQueryUpdate(func(u envelope.QueryUpdate) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	s.Subscribe("q1")
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	c.deliver(t, envelope.MustNew(envelope.TypeQueryUpdate, envelope.QueryUpdate{QueryID: "q1", Chunk: "Hello"}))
	c.deliver(t, envelope.MustNew(envelope.TypeQueryUpdate, envelope.QueryUpdate{QueryID: "q2", Chunk: "other"}))
	c.deliver(t, envelope.MustNew(envelope.TypeQueryUpdate, envelope.QueryUpdate{QueryID: "q1", Complete: true}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "q1", got[0].QueryID)
	require.Equal(t, "Hello", got[0].Chunk)
	require.Equal(t, "q1", got[1].QueryID)
	require.True(t, got[1].Complete)
	require.Equal(t, heartbeat.QualityDisconnected, s.Quality())
}

func TestSession_DropMidFlushDeliversEachMessageOnce(t *testing.T) {
	d := newFakeDialer()
	d.prepare = func(i int, c *fakeConn) {
		if i != 0 {
			return
		}
		c.failSend = func(env envelope.Envelope) error {
			var q envelope.SubmitQuery
			if env.Type == envelope.TypeSubmitQuery && env.Decode(&q) == nil && q.QueryID == "m2" {
				return errors.New("write: broken pipe")
			}
			return nil
		}
	}
	s := newTestSession(t, d)
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.SubmitQuery(id, "q", ""))
	}

	require.NoError(t, s.Start("secret"))
	c1 := nextConn(t, d)
	awaitAuth(t, c1)
	c1.deliver(t, envelope.MustNew(envelope.TypeConnectionEstablished, nil))

	c2 := nextConn(t, d)
	authenticate(t, s, c2)

	require.Equal(t, []string{"m1"}, submittedIDs(t, c1))
	require.Equal(t, []string{"m2", "m3"}, submittedIDs(t, c2))
	require.Equal(t, 0, s.QueueLen())
}

func TestSession_MalformedFrameKeepsConnection(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	rec := record(s)
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	var statuses atomic.Int32
	s.Router().OnSystemStatus(func(envelope.SystemStatus) { statuses.Add(1) })

	c.deliverRaw([]byte(`{not json`))
	c.deliver(t, envelope.MustNew(envelope.TypeSystemStatus, envelope.SystemStatus{CPUUsage: 3}))

	require.Eventually(t, func() bool { return statuses.Load() == 1 }, waitFor, tick)
	require.Len(t, rec.ofKind(EventProtocolError), 1)
	require.Equal(t, FailureProtocol, rec.ofKind(EventProtocolError)[0].Failure.Kind)
	require.Equal(t, StateOpen, s.State())
}

func TestSession_SubscribeWhileOpenAnnouncesOnce(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	s.Subscribe("q9")
	s.Subscribe("q9")
	s.Unsubscribe("q9")
	s.Unsubscribe("unknown")

	require.Equal(t, []envelope.Type{
		envelope.TypeAuth,
		envelope.TypeSubscribeQuery,
		envelope.TypeUnsubscribeQuery,
	}, c.sentTypes())
	var sub envelope.QuerySubscription
	require.NoError(t, c.sentOfType(envelope.TypeUnsubscribeQuery)[0].Decode(&sub))
	require.Equal(t, "q9", sub.QueryID)
	require.Empty(t, s.Subscriptions())
}

func TestSession_BoundedQueueRejectsVisibly(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d, WithQueue(outbox.NewMemoryQueue(outbox.WithMaxEntries(1))))
	rec := record(s)

	require.NoError(t, s.SubmitQuery("m1", "q", ""))
	require.NoError(t, s.SubmitQuery("m2", "q", ""))

	rejected := rec.ofKind(EventSendRejected)
	require.Len(t, rejected, 1)
	require.Equal(t, FailureQueueOverflow, rejected[0].Failure.Kind)
	require.ErrorIs(t, rejected[0].Failure, outbox.ErrQueueOverflow)
	var q envelope.SubmitQuery
	require.NoError(t, rejected[0].Envelope.Decode(&q))
	require.Equal(t, "m2", q.QueryID)
	require.Equal(t, 1, s.QueueLen())
}

func TestSession_ConnectTimeoutRetries(t *testing.T) {
	d := newFakeDialer()
	d.block = true
	s := newTestSession(t, d, WithConnectTimeout(20*time.Millisecond))
	rec := record(s)

	require.NoError(t, s.Start("secret"))
	require.Eventually(t, func() bool { return len(rec.ofKind(EventReconnecting)) >= 1 }, waitFor, tick)
	require.ErrorIs(t, rec.ofKind(EventReconnecting)[0].Failure, ErrConnectTimeout)
}

func TestSession_StopIsSafeAndKeepsQueue(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.Stop()
	require.Equal(t, StateIdle, s.State())

	s.Subscribe("q1")
	require.NoError(t, s.Start("secret"))
	c1 := nextConn(t, d)
	authenticate(t, s, c1)
	rec := record(s)

	s.Stop()
	s.Stop()
	require.Equal(t, StateIdle, s.State())
	code, closed := c1.closeCode()
	require.True(t, closed)
	require.Equal(t, transport.CloseNormal, code)
	require.Empty(t, s.Subscriptions())

	states := rec.ofKind(EventStateChanged)
	require.GreaterOrEqual(t, len(states), 2)
	require.Equal(t, StateClosing, states[len(states)-2].To)
	require.Equal(t, StateIdle, states[len(states)-1].To)

	require.NoError(t, s.SubmitQuery("later", "q", ""))
	require.Equal(t, 1, s.QueueLen())
	seen := rec.len()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, seen, rec.len())
	require.Equal(t, 1, d.attemptCount())

	require.NoError(t, s.Start("secret"))
	c2 := nextConn(t, d)
	authenticate(t, s, c2)
	require.Equal(t, []envelope.Type{envelope.TypeAuth, envelope.TypeSubmitQuery}, c2.sentTypes())
}

func TestSession_StopWhileReconnectingCancelsRetry(t *testing.T) {
	d := newFakeDialer()
	d.setFails(-1)
	s := newTestSession(t, d, WithBackoff(50*time.Millisecond, 5))

	require.NoError(t, s.Start("secret"))
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, waitFor, tick)
	s.Stop()
	attempts := d.attemptCount()
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, attempts, d.attemptCount())
	require.Equal(t, StateIdle, s.State())
}

func TestSession_StartAndReconnectPreconditions(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)

	require.ErrorIs(t, s.Reconnect(), ErrNotStarted)
	require.NoError(t, s.Start("secret"))
	require.ErrorIs(t, s.Start("secret"), ErrAlreadyStarted)

	c1 := nextConn(t, d)
	authenticate(t, s, c1)

	require.NoError(t, s.Reconnect())
	c2 := nextConn(t, d)
	_, closed := c1.closeCode()
	require.True(t, closed)
	authenticate(t, s, c2)
}

func TestSession_TokenParam(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d, WithTokenParam("token"))
	require.NoError(t, s.Start("s3cret"))
	nextConn(t, d)
	require.Equal(t, "ws://tether.test/ws?token=s3cret", d.firstURL())
}

func TestSession_StartWithoutEndpoint(t *testing.T) {
	s, err := New(WithDialer(newFakeDialer()))
	require.NoError(t, err)
	require.Error(t, s.Start("secret"))
	require.Equal(t, StateIdle, s.State())
}

func TestSession_WaitForState(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, s.WaitForState(ctx, StateOpen))

	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	awaitAuth(t, c)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		done <- s.WaitForState(ctx, StateOpen)
	}()
	c.deliver(t, envelope.MustNew(envelope.TypeConnectionEstablished, nil))
	require.NoError(t, <-done)
}

func TestSession_SendRetriesFlushAfterQueueError(t *testing.T) {
	d := newFakeDialer()
	q := newFlakyQueue(1)
	s := newTestSession(t, d, WithQueue(q), WithBackoff(time.Hour, 5))

	require.NoError(t, s.SubmitQuery("m1", "first", ""))
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)
	require.Equal(t, 1, s.QueueLen())
	require.Empty(t, submittedIDs(t, c))

	require.NoError(t, s.SubmitQuery("m2", "second", ""))
	require.NoError(t, s.SubmitQuery("m3", "third", ""))
	require.Equal(t, []string{"m1", "m2", "m3"}, submittedIDs(t, c))
	require.Equal(t, 0, s.QueueLen())
	require.Equal(t, StateOpen, s.State())
}

func TestSession_QueueErrorRetriedWithoutSends(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d, WithQueue(newFlakyQueue(2)))

	require.NoError(t, s.SubmitQuery("m1", "first", ""))
	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)

	require.Eventually(t, func() bool { return s.QueueLen() == 0 }, waitFor, tick)
	require.Equal(t, []string{"m1"}, submittedIDs(t, c))
	require.Equal(t, StateOpen, s.State())
}

func TestSession_ReconnectWhileBackingOffDialsNow(t *testing.T) {
	d := newFakeDialer()
	d.setFails(2)
	s := newTestSession(t, d, WithBackoff(time.Hour, 5))
	rec := record(s)

	require.NoError(t, s.Start("secret"))
	require.Eventually(t, func() bool { return len(rec.ofKind(EventReconnecting)) == 1 }, waitFor, tick)
	require.Equal(t, StateReconnecting, s.State())
	first := rec.ofKind(EventReconnecting)[0]
	require.Equal(t, 1, first.Attempt)
	require.Equal(t, time.Hour, first.Delay)

	require.NoError(t, s.Reconnect())
	require.Eventually(t, func() bool { return len(rec.ofKind(EventReconnecting)) == 2 }, waitFor, tick)
	second := rec.ofKind(EventReconnecting)[1]
	require.Equal(t, 1, second.Attempt, "attempt counter was not reset")
	require.Equal(t, time.Hour, second.Delay)
	require.Equal(t, 2, d.attemptCount())

	require.NoError(t, s.Reconnect())
	c := nextConn(t, d)
	authenticate(t, s, c)
	require.Equal(t, 3, d.attemptCount())
}

func TestSession_NoCallbacksAfterStop(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.Subscribe("q1")

	var (
		stopped atomic.Bool
		late    atomic.Int32
	)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	s.Router().OnQueryUpdate(func(envelope.QueryUpdate) {
		if stopped.Load() {
			late.Add(1)
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	s.OnEvent(func(Event) {
		if stopped.Load() {
			late.Add(1)
		}
	})

	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)
	c.deliver(t, envelope.MustNew(envelope.TypeQueryUpdate, envelope.QueryUpdate{QueryID: "q1", Chunk: "a"}))
	c.deliver(t, envelope.MustNew(envelope.TypeQueryUpdate, envelope.QueryUpdate{QueryID: "q1", Chunk: "b"}))
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		stopped.Store(true)
		close(done)
	}()
	returned := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	require.Never(t, returned, 50*time.Millisecond, tick, "Stop returned while a handler was running")

	close(release)
	require.Eventually(t, returned, waitFor, tick)
	require.Equal(t, StateIdle, s.State())
	require.Never(t, func() bool { return late.Load() > 0 }, 50*time.Millisecond, tick)
}

func TestSession_StopFromHandler(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.Subscribe("q1")

	var calls atomic.Int32
	s.Router().OnQueryUpdate(func(envelope.QueryUpdate) {
		calls.Add(1)
		s.Stop()
	})
	s.Router().OnQueryUpdate(func(envelope.QueryUpdate) { calls.Add(1) })
	stopped := make(chan struct{}, 1)
	s.OnEvent(func(ev Event) {
		if ev.Kind == EventStateChanged && ev.To == StateIdle {
			// listener re-entering Stop must not block either
			s.Stop()
			stopped <- struct{}{}
		}
	})

	require.NoError(t, s.Start("secret"))
	c := nextConn(t, d)
	authenticate(t, s, c)
	c.deliver(t, envelope.MustNew(envelope.TypeQueryUpdate, envelope.QueryUpdate{QueryID: "q1", Chunk: "a"}))

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, int32(1), calls.Load())
}
