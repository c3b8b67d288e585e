package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/heartbeat"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventQualityChanged
	EventReconnecting
	EventFailed
	EventSendRejected
	EventProtocolError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventQualityChanged:
		return "quality_changed"
	case EventReconnecting:
		return "reconnecting"
	case EventFailed:
		return "failed"
	case EventSendRejected:
		return "send_rejected"
	case EventProtocolError:
		return "protocol_error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	At   time.Time

	// EventStateChanged
	From State
	To   State

	// EventQualityChanged
	Quality heartbeat.Quality
	RTT     time.Duration

	// EventReconnecting
	Attempt int
	Delay   time.Duration

	// EventReconnecting, EventFailed, EventSendRejected, EventProtocolError
	Failure *Failure

	// EventSendRejected
	Envelope *envelope.Envelope

	// EventProtocolError
	Raw []byte
}

type Listener func(Event)

type listenerReg struct {
	id uint64
	l  Listener
}

type listeners struct {
	mu     sync.RWMutex
	nextID uint64
	regs   []listenerReg
}

func (ls *listeners) add(l Listener) func() {
	ls.mu.Lock()
	ls.nextID++
	id := ls.nextID
	ls.regs = append(ls.regs, listenerReg{id: id, l: l})
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			out := ls.regs[:0:0]
			for _, r := range ls.regs {
				if r.id != id {
					out = append(out, r)
				}
			}
			ls.regs = out
		})
	}
}

func (ls *listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, 0, len(ls.regs))
	for _, r := range ls.regs {
		out = append(out, r.l)
	}
	return out
}

// OnEvent registers a lifecycle listener and returns a function removing it.
// Listeners run outside the session lock and may call back into the session.
func (s *Session) OnEvent(l Listener) func() {
	if l == nil {
		return func() {}
	}
	return s.listeners.add(l)
}

// pushLocked records an event for delivery once s.mu is released.
func (s *Session) pushLocked(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.pending = append(s.pending, ev)
}

// flushEvents delivers pending events in production order. Whoever holds
// emitMu drains; a caller that cannot get it leaves its events to the
// holder, which re-checks the pending list after releasing.
func (s *Session) flushEvents() {
	for s.emitMu.TryLock() {
		s.deliverEvents()
		s.emitMu.Unlock()
		if !s.hasPending() {
			return
		}
	}
}

// deliverEvents runs the listeners for every pending event. The caller holds
// emitMu.
func (s *Session) deliverEvents() {
	for {
		s.mu.Lock()
		evs := s.pending
		s.pending = nil
		s.mu.Unlock()
		if len(evs) == 0 {
			return
		}
		ls := s.listeners.snapshot()
		for _, ev := range evs {
			for _, l := range ls {
				l(ev)
			}
		}
	}
}

func (s *Session) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}
