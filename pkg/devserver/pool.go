package devserver

import (
	"sync"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// client is one accepted websocket connection.
type client struct {
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	authed bool
	subs   map[string]struct{}
}

func newClient(id string, conn *websocket.Conn, logger zerolog.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		logger: logger,
		subs:   map[string]struct{}{},
	}
}

func (c *client) send(env envelope.Envelope) error {
	b, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Wrapf(c.conn.WriteMessage(websocket.TextMessage, b), "write %s", env.Type)
}

// closeWith sends a close frame carrying code and reason, then closes.
func (c *client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// abort closes the TCP connection without a close frame; the peer observes
// an abnormal closure (1006).
func (c *client) abort() {
	_ = c.conn.UnderlyingConn().Close()
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

func (c *client) subscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; ok {
		return false
	}
	c.subs[id] = struct{}{}
	return true
}

func (c *client) unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subscribed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	return ok
}

// pool tracks connected clients and fans messages out to them.
type pool struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  zerolog.Logger
}

func newPool(logger zerolog.Logger) *pool {
	return &pool{clients: map[*client]struct{}{}, logger: logger}
}

func (p *pool) add(c *client) {
	p.mu.Lock()
	p.clients[c] = struct{}{}
	p.mu.Unlock()
}

func (p *pool) remove(c *client) {
	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()
	_ = c.conn.Close()
}

func (p *pool) snapshot() []*client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		out = append(out, c)
	}
	return out
}

// broadcast sends env to every authenticated client accepted by filter.
// Clients whose write fails are dropped.
func (p *pool) broadcast(env envelope.Envelope, filter func(*client) bool) int {
	sent := 0
	for _, c := range p.snapshot() {
		if !c.isAuthed() || (filter != nil && !filter(c)) {
			continue
		}
		if err := c.send(env); err != nil {
			p.logger.Warn().Err(err).Str("client_id", c.id).Msg("ws broadcast failed, dropping connection")
			p.remove(c)
			continue
		}
		sent++
	}
	return sent
}

func (p *pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *pool) dropAll() int {
	clients := p.snapshot()
	for _, c := range clients {
		c.abort()
	}
	return len(clients)
}

func (p *pool) closeAll(code int, reason string) {
	p.mu.Lock()
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
		delete(p.clients, c)
	}
	p.mu.Unlock()
	for _, c := range clients {
		c.closeWith(code, reason)
	}
}
