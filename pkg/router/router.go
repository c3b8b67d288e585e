package router

import (
	"sync"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives one inbound envelope.
type Handler func(envelope.Envelope)

// DecodeErrorHandler is told about envelopes a typed handler could not decode.
type DecodeErrorHandler func(env envelope.Envelope, err error)

type registration struct {
	id uint64
	h  Handler
}

// Router fans inbound envelopes out to handlers registered per type.
//
// Resource-scoped types are forwarded only when their correlation id is in
// the subscription set. Types this module does not know go to the OnUnknown
// listeners so newer servers keep working with older clients.
type Router struct {
	subs     *SubscriptionSet
	logger   zerolog.Logger
	onDecode DecodeErrorHandler

	mu       sync.RWMutex
	nextID   uint64
	handlers map[envelope.Type][]registration
	all      []registration
	unknown  []registration
}

type Option func(*Router)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

func WithDecodeErrorHandler(h DecodeErrorHandler) Option {
	return func(r *Router) {
		r.onDecode = h
	}
}

func New(subs *SubscriptionSet, opts ...Option) *Router {
	if subs == nil {
		subs = NewSubscriptionSet()
	}
	r := &Router{
		subs:     subs,
		logger:   log.With().Str("component", "router").Logger(),
		handlers: map[envelope.Type][]registration{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Subscriptions() *SubscriptionSet {
	return r.subs
}

// On registers h for envelopes of type t and returns a function removing it.
func (r *Router) On(t envelope.Type, h Handler) func() {
	if h == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[t] = append(r.handlers[t], registration{id: id, h: h})
	r.mu.Unlock()
	return r.remover(func() {
		r.handlers[t] = without(r.handlers[t], id)
		if len(r.handlers[t]) == 0 {
			delete(r.handlers, t)
		}
	})
}

// OnAll registers h for every envelope that passes the subscription filter.
func (r *Router) OnAll(h Handler) func() {
	return r.addTo(&r.all, h)
}

// OnUnknown registers h for envelope types outside the known set.
func (r *Router) OnUnknown(h Handler) func() {
	return r.addTo(&r.unknown, h)
}

func (r *Router) addTo(list *[]registration, h Handler) func() {
	if h == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	*list = append(*list, registration{id: id, h: h})
	r.mu.Unlock()
	return r.remover(func() {
		*list = without(*list, id)
	})
}

func (r *Router) remover(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			remove()
			r.mu.Unlock()
		})
	}
}

func without(regs []registration, id uint64) []registration {
	out := make([]registration, 0, len(regs))
	for _, reg := range regs {
		if reg.id != id {
			out = append(out, reg)
		}
	}
	return out
}

// Dispatch delivers env and returns how many handlers were invoked. Handlers
// run on the caller's goroutine, after the registry lock is released.
func (r *Router) Dispatch(env envelope.Envelope) int {
	return r.DispatchWhile(env, nil)
}

// DispatchWhile is Dispatch that checks cont before each handler and stops
// at the first false. A nil cont never stops.
func (r *Router) DispatchWhile(env envelope.Envelope, cont func() bool) int {
	if env.Type.ResourceScoped() {
		if env.CorrelationID == "" || !r.subs.Contains(env.CorrelationID) {
			r.logger.Trace().
				Str("type", string(env.Type)).
				Str("resource_id", env.CorrelationID).
				Msg("dropping update for unsubscribed resource")
			return 0
		}
	}

	r.mu.RLock()
	targets := make([]Handler, 0, len(r.handlers[env.Type])+len(r.all)+len(r.unknown))
	for _, reg := range r.handlers[env.Type] {
		targets = append(targets, reg.h)
	}
	if !env.Type.Known() {
		for _, reg := range r.unknown {
			targets = append(targets, reg.h)
		}
	}
	for _, reg := range r.all {
		targets = append(targets, reg.h)
	}
	r.mu.RUnlock()

	n := 0
	for _, h := range targets {
		if cont != nil && !cont() {
			break
		}
		h(env)
		n++
	}
	return n
}

func (r *Router) decodeFailed(env envelope.Envelope, err error) {
	if r.onDecode != nil {
		r.onDecode(env, err)
		return
	}
	r.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("dropping undecodable envelope")
}

func onTyped[T any](r *Router, t envelope.Type, h func(T)) func() {
	if h == nil {
		return func() {}
	}
	return r.On(t, func(env envelope.Envelope) {
		var v T
		if err := env.Decode(&v); err != nil {
			r.decodeFailed(env, err)
			return
		}
		h(v)
	})
}

func (r *Router) OnQueryUpdate(h func(envelope.QueryUpdate)) func() {
	return onTyped(r, envelope.TypeQueryUpdate, h)
}

func (r *Router) OnWorkflowUpdate(h func(envelope.WorkflowUpdate)) func() {
	return onTyped(r, envelope.TypeWorkflowUpdate, h)
}

func (r *Router) OnSystemStatus(h func(envelope.SystemStatus)) func() {
	return onTyped(r, envelope.TypeSystemStatus, h)
}

func (r *Router) OnModelStatus(h func(envelope.ModelStatus)) func() {
	return onTyped(r, envelope.TypeModelStatus, h)
}

func (r *Router) OnError(h func(envelope.ErrorPayload)) func() {
	return onTyped(r, envelope.TypeError, h)
}
