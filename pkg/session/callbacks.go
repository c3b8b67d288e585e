package session

import (
	"runtime"
	"strings"

	"github.com/go-go-golems/tether/pkg/envelope"
)

// Inbound handlers run on the connection's read goroutine and lifecycle
// listeners on whichever goroutine drains the pending events. Neither holds
// s.mu. Stop waits for the ones already running and the epoch check keeps
// new ones from starting, so nothing is called once Stop returns.

const (
	listenerFrame = "/session.(*Session).deliverEvents"
	handlerFrame  = "/session.(*Session).dispatchInbound"
)

// dispatchInbound routes env to the handlers while the session is still in
// the epoch the frame was read in.
func (s *Session) dispatchInbound(epoch uint64, env envelope.Envelope) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	s.router.DispatchWhile(env, func() bool { return s.epochIs(epoch) })
}

func (s *Session) epochIs(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// awaitCallbacks returns once no inbound handler is running and every
// pending event was delivered. Called from inside a handler or listener it
// does not wait for that kind, which would wait for itself; a listener's own
// delivery run then finishes the pending events after it returns.
func (s *Session) awaitCallbacks() {
	inListener, inHandler := callbackFrames()
	if !inHandler {
		// barrier: returns once running handlers released their read lock
		s.handlerMu.Lock()
		s.handlerMu.Unlock()
	}
	if inListener {
		s.flushEvents()
		return
	}
	for {
		s.emitMu.Lock()
		s.deliverEvents()
		s.emitMu.Unlock()
		if !s.hasPending() {
			return
		}
	}
}

// callbackFrames reports whether the calling goroutine is running a
// lifecycle listener or an inbound handler of a session.
func callbackFrames() (inListener, inHandler bool) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	for n == len(pcs) {
		pcs = make([]uintptr, 2*len(pcs))
		n = runtime.Callers(2, pcs)
	}
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		switch {
		case strings.HasSuffix(f.Function, listenerFrame):
			inListener = true
		case strings.HasSuffix(f.Function, handlerFrame):
			inHandler = true
		}
		if !more {
			return inListener, inHandler
		}
	}
}
