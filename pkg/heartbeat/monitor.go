package heartbeat

import (
	"sync"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// SendFunc writes a ping over the current connection.
type SendFunc func(envelope.Envelope) error

// Monitor probes one open connection. A Monitor is bound to a single
// connection and is discarded when that connection goes away.
//
// The monitor never calls back into its owner while holding its own lock, so
// the owner may call HandlePong and Stop while holding its lock.
type Monitor struct {
	send     SendFunc
	onStale  func()
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu          sync.Mutex
	running     bool
	tick        *time.Timer
	deadline    *time.Timer
	pending     bool
	pendingTS   int64
	pendingAt   time.Time
	lastRTT     time.Duration
	measuredRTT bool
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithStaleHandler sets the callback fired when a ping goes unanswered for
// longer than the timeout. It runs on a timer goroutine.
func WithStaleHandler(f func()) Option {
	return func(m *Monitor) {
		m.onStale = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

func NewMonitor(send SendFunc, opts ...Option) *Monitor {
	m := &Monitor{
		send:     send,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   log.With().Str("component", "heartbeat").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules the first ping one interval from now.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.tick = time.AfterFunc(m.interval, m.onTick)
}

// Stop cancels every timer. No stale callback fires after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.pending = false
	m.stopTimersLocked()
}

func (m *Monitor) stopTimersLocked() {
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

func (m *Monitor) onTick() {
	m.Probe()
	m.mu.Lock()
	if m.running {
		m.tick = time.AfterFunc(m.interval, m.onTick)
	}
	m.mu.Unlock()
}

// Probe sends a ping now unless one is already outstanding.
func (m *Monitor) Probe() {
	m.mu.Lock()
	if !m.running || m.pending {
		m.mu.Unlock()
		return
	}
	at := m.now()
	ts := at.UnixMilli()
	m.pending = true
	m.pendingTS = ts
	m.pendingAt = at
	m.deadline = time.AfterFunc(m.timeout, func() { m.expire(ts) })
	send := m.send
	m.mu.Unlock()

	ping, err := envelope.NewAt(envelope.TypePing, envelope.Probe{Timestamp: ts}, at)
	if err == nil {
		err = send(ping)
	}
	if err != nil {
		// the owner learns about the broken connection from the transport;
		// the armed deadline still fires if it does not
		m.logger.Debug().Err(err).Msg("ping not sent")
	}
}

func (m *Monitor) expire(ts int64) {
	m.mu.Lock()
	if !m.running || !m.pending || m.pendingTS != ts {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.pending = false
	m.stopTimersLocked()
	onStale := m.onStale
	m.mu.Unlock()

	m.logger.Warn().Dur("timeout", m.timeout).Msg("heartbeat timed out")
	if onStale != nil {
		onStale()
	}
}

// HandlePong matches a pong against the outstanding ping. It returns the
// measured round-trip time and its classification; ok is false when no ping
// is outstanding or the pong echoes a different ping.
func (m *Monitor) HandlePong(pong envelope.Envelope) (rtt time.Duration, q Quality, ok bool) {
	var probe envelope.Probe
	_ = pong.Decode(&probe)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return 0, QualityDisconnected, false
	}
	if probe.Timestamp != 0 && probe.Timestamp != m.pendingTS {
		m.logger.Debug().Int64("echo", probe.Timestamp).Int64("pending", m.pendingTS).Msg("ignoring pong for another ping")
		return 0, QualityDisconnected, false
	}
	rtt = m.now().Sub(m.pendingAt)
	if rtt < 0 {
		rtt = 0
	}
	m.pending = false
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
	m.lastRTT = rtt
	m.measuredRTT = true
	return rtt, Classify(rtt), true
}

// LastRTT returns the most recent round-trip time, if any was measured.
func (m *Monitor) LastRTT() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRTT, m.measuredRTT
}

// PongFor builds the reply to a peer-initiated ping, echoing its timestamp.
func PongFor(ping envelope.Envelope) (envelope.Envelope, error) {
	var probe envelope.Probe
	if err := ping.Decode(&probe); err != nil || probe.Timestamp == 0 {
		probe.Timestamp = ping.Timestamp.UnixMilli()
	}
	return envelope.New(envelope.TypePong, probe)
}
