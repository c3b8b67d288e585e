package devserver

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config configures the reference server.
type Config struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	Path string `mapstructure:"path" yaml:"path"`
	// Tokens lists accepted credentials. Empty accepts any non-empty token.
	Tokens         []string      `mapstructure:"tokens" yaml:"tokens"`
	AuthTimeout    time.Duration `mapstructure:"auth-timeout" yaml:"auth-timeout"`
	StatusInterval time.Duration `mapstructure:"status-interval" yaml:"status-interval"`
	ChunkDelay     time.Duration `mapstructure:"chunk-delay" yaml:"chunk-delay"`
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8765",
		Path:           "/ws",
		AuthTimeout:    5 * time.Second,
		StatusInterval: 5 * time.Second,
		ChunkDelay:     50 * time.Millisecond,
	}
}

// Answerer produces the full answer to a submitted query. The server streams
// it back word by word.
type Answerer func(ctx context.Context, query, operation string) (string, error)

type Option func(*Server)

func WithAnswerer(a Answerer) Option {
	return func(s *Server) {
		if a != nil {
			s.answer = a
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStatusSampler replaces the host telemetry source of system_status.
func WithStatusSampler(f func(ctx context.Context) (envelope.SystemStatus, error)) Option {
	return func(s *Server) {
		if f != nil {
			s.sample = f
		}
	}
}

// Server speaks the client protocol: token auth, subscriptions, ping/pong,
// streamed query answers and system_status broadcasts. It is meant for
// development and tests, with hooks to simulate misbehaving peers.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	pool     *pool
	logger   zerolog.Logger
	answer   Answerer
	sample   func(ctx context.Context) (envelope.SystemStatus, error)
	tokens   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	// closeMu orders wg.Add against Close so no goroutine is added once
	// Close started waiting.
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup

	pongEnabled   atomic.Bool
	activeQueries atomic.Int64

	qmu       sync.Mutex
	submitted []time.Time
}

func New(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   log.With().Str("component", "devserver").Logger(),
		answer:   echoAnswer,
		sample:   sampleHost,
		tokens:   map[string]struct{}{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range cfg.Tokens {
		s.tokens[t] = struct{}{}
	}
	s.pool = newPool(s.logger)
	s.pongEnabled.Store(true)
	return s
}

// Handler returns a mux serving the websocket endpoint at cfg.Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(uuid.NewString(), conn, s.logger.With().
		Str("remote", conn.RemoteAddr().String()).
		Logger())
	c.logger = c.logger.With().Str("client_id", c.id).Logger()
	s.pool.add(c)
	c.logger.Debug().Msg("ws connected")

	go func() {
		defer s.wg.Done()
		defer s.pool.remove(c)
		defer c.logger.Debug().Msg("ws disconnected")
		s.readLoop(c)
	}()
}

// Run serves on cfg.Addr and broadcasts system_status until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		s.StatusLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return errors.Wrap(err, "shutdown")
	})
	return g.Wait()
}

// StatusLoop broadcasts system_status every cfg.StatusInterval until ctx is
// done. A zero interval disables it.
func (s *Server) StatusLoop(ctx context.Context) {
	if s.cfg.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.BroadcastStatus(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("system status broadcast failed")
			}
		}
	}
}

// BroadcastStatus samples the host once and sends system_status to every
// authenticated client.
func (s *Server) BroadcastStatus(ctx context.Context) (int, error) {
	st, err := s.sample(ctx)
	if err != nil {
		return 0, err
	}
	st.ActiveQueries = int(s.activeQueries.Load())
	st.QueriesPerMinute = float64(s.queriesLastMinute())
	env, err := envelope.New(envelope.TypeSystemStatus, st)
	if err != nil {
		return 0, err
	}
	return s.pool.broadcast(env, nil), nil
}

// Close ends every connection with a normal close and waits for in-flight
// query streams. Connections arriving afterwards are refused.
func (s *Server) Close() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	s.cancel()
	s.pool.closeAll(transport.CloseGoingAway, "server shutting down")
	s.wg.Wait()
}

// track registers a goroutine Close must wait for. It reports false once
// Close has started.
func (s *Server) track() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// DropAll aborts every connection without a close handshake.
func (s *Server) DropAll() int {
	n := s.pool.dropAll()
	s.logger.Info().Int("clients", n).Msg("dropped all connections")
	return n
}

// SetPongEnabled toggles answering pings, to simulate a dead peer.
func (s *Server) SetPongEnabled(enabled bool) {
	s.pongEnabled.Store(enabled)
}

// Clients is the number of open connections.
func (s *Server) Clients() int {
	return s.pool.count()
}

func (s *Server) recordSubmission(now time.Time) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	s.submitted = append(s.trimLocked(now), now)
}

func (s *Server) queriesLastMinute() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	s.submitted = s.trimLocked(time.Now())
	return len(s.submitted)
}

func (s *Server) trimLocked(now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.submitted) && s.submitted[i].Before(cutoff) {
		i++
	}
	return s.submitted[i:]
}
