package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultEventBuffer      = 64
)

// WebSocketDialer opens gorilla/websocket connections carrying text frames.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	readLimit    int64
	logger       zerolog.Logger
}

var _ Dialer = (*WebSocketDialer)(nil)

type DialerOption func(*WebSocketDialer)

func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(w *WebSocketDialer) {
		if d > 0 {
			w.dialer.HandshakeTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) DialerOption {
	return func(w *WebSocketDialer) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

func WithHeader(h http.Header) DialerOption {
	return func(w *WebSocketDialer) {
		w.header = h.Clone()
	}
}

func WithReadLimit(n int64) DialerOption {
	return func(w *WebSocketDialer) {
		w.readLimit = n
	}
}

func WithLogger(l zerolog.Logger) DialerOption {
	return func(w *WebSocketDialer) {
		w.logger = l
	}
}

func NewWebSocketDialer(opts ...DialerOption) *WebSocketDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = defaultHandshakeTimeout
	w := &WebSocketDialer{
		dialer:       &d,
		writeTimeout: defaultWriteTimeout,
		logger:       log.With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocketDialer) Open(ctx context.Context, url string) (Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, resp, err := w.dialer.DialContext(ctx, url, w.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(ErrConnect, "%s: %v (http %d)", url, err, resp.StatusCode)
		}
		return nil, errors.Wrapf(ErrConnect, "%s: %v", url, err)
	}
	if w.readLimit > 0 {
		conn.SetReadLimit(w.readLimit)
	}
	c := &wsConn{
		conn:         conn,
		writeTimeout: w.writeTimeout,
		events:       make(chan Event, defaultEventBuffer),
		closed:       make(chan struct{}),
		logger:       w.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	go c.readLoop()
	c.logger.Debug().Msg("websocket opened")
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	writeMu   sync.Mutex
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			c.logger.Debug().Err(werr).Msg("close frame not sent")
		}
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.logger.Debug().Int("code", code).Str("reason", reason).Msg("websocket closed locally")
	})
	return err
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.emit(c.terminalEvent(err))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !c.emit(Event{Kind: EventMessage, Data: data}) {
			return
		}
	}
}

// emit delivers ev unless the connection was closed locally, in which case
// nobody is listening anymore.
func (c *wsConn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *wsConn) terminalEvent(err error) Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Event{Kind: EventClose, Code: ce.Code, Reason: ce.Text, Err: err}
	}
	if c.isClosed() {
		return Event{Kind: EventClose, Code: CloseNormal, Err: err}
	}
	_ = c.conn.Close()
	return Event{Kind: EventError, Code: CloseAbnormal, Err: err}
}
