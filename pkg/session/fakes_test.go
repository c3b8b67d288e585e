package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/outbox"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	events   chan transport.Event
	sent     []envelope.Envelope
	closed   bool
	code     int
	failSend func(env envelope.Envelope) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 64)}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.failSend != nil {
		if err := c.failSend(env); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.code = code
	close(c.events)
	return nil
}

func (c *fakeConn) Events() <-chan transport.Event {
	return c.events
}

func (c *fakeConn) deliver(t *testing.T, env envelope.Envelope) {
	t.Helper()
	b, err := envelope.Marshal(env)
	require.NoError(t, err)
	c.deliverRaw(b)
}

func (c *fakeConn) deliverRaw(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- transport.Event{Kind: transport.EventMessage, Data: b}
	}
}

// drop simulates the peer closing the connection with code.
func (c *fakeConn) drop(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- transport.Event{Kind: transport.EventClose, Code: code, Reason: reason}
	c.closed = true
	c.code = code
	close(c.events)
}

func (c *fakeConn) sentEnvelopes() []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope.Envelope(nil), c.sent...)
}

func (c *fakeConn) sentTypes() []envelope.Type {
	var out []envelope.Type
	for _, env := range c.sentEnvelopes() {
		if env.Type == envelope.TypePing {
			continue
		}
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) sentOfType(t envelope.Type) []envelope.Envelope {
	var out []envelope.Envelope
	for _, env := range c.sentEnvelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) closeCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	fails    int // refuse the next n opens; negative refuses every open
	block    bool
	urls     []string
	attempts int
	prepare  func(i int, c *fakeConn)
	opened   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Open(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.attempts++
	if d.block {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, errors.Wrap(ctx.Err(), "dial")
	}
	if d.fails != 0 {
		if d.fails > 0 {
			d.fails--
		}
		d.mu.Unlock()
		return nil, errors.Wrap(transport.ErrConnect, "connection refused")
	}
	c := newFakeConn()
	if d.prepare != nil {
		d.prepare(d.attempts-1, c)
	}
	d.mu.Unlock()
	d.opened <- c
	return c, nil
}

func (d *fakeDialer) setFails(n int) {
	d.mu.Lock()
	d.fails = n
	d.mu.Unlock()
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) firstURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[0]
}

// flakyQueue is a memory queue whose next fails flushes report a storage
// error without sending anything.
type flakyQueue struct {
	*outbox.MemoryQueue
	mu    sync.Mutex
	fails int
}

func newFlakyQueue(fails int) *flakyQueue {
	return &flakyQueue{MemoryQueue: outbox.NewMemoryQueue(), fails: fails}
}

func (q *flakyQueue) Flush(ctx context.Context, send outbox.SendFunc) (int, error) {
	q.mu.Lock()
	if q.fails > 0 {
		q.fails--
		q.mu.Unlock()
		return 0, errors.New("database is locked")
	}
	q.mu.Unlock()
	return q.MemoryQueue.Flush(ctx, send)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Session) *recorder {
	r := &recorder{}
	s.OnEvent(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ofKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

func newTestSession(t *testing.T, d *fakeDialer, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithEndpoint("ws://tether.test/ws"),
		WithDialer(d),
		WithBackoff(time.Millisecond, 5),
		WithHeartbeat(time.Hour, time.Hour),
		WithConnectTimeout(time.Second),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.opened:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection opened")
		return nil
	}
}

func awaitAuth(t *testing.T, c *fakeConn) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.sentOfType(envelope.TypeAuth)) == 1
	}, waitFor, tick)
}

// authenticate waits for the auth message on c and accepts it.
func authenticate(t *testing.T, s *Session, c *fakeConn) {
	t.Helper()
	awaitAuth(t, c)
	c.deliver(t, envelope.MustNew(envelope.TypeConnectionEstablished, envelope.ConnectionEstablished{ClientID: "client-1"}))
	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, tick)
}

func submittedIDs(t *testing.T, c *fakeConn) []string {
	t.Helper()
	var ids []string
	for _, env := range c.sentOfType(envelope.TypeSubmitQuery) {
		var q envelope.SubmitQuery
		require.NoError(t, env.Decode(&q))
		ids = append(ids, q.QueryID)
	}
	return ids
}
