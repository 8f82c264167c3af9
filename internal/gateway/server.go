// Package gateway implements the connection and subscription engine
// shared by every endpoint: transport, auth plane, registries,
// broadcast fan-out, rate limiting and heartbeat.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// rateWindow is the fixed rate-limit window. One process-wide ticker
// resets every connection's budget at window boundaries.
const rateWindow = time.Minute

// drainGrace is how long Shutdown waits for close frames to flush
// before the HTTP server is torn down.
const drainGrace = 2 * time.Second

// Options wires the server's collaborators.
type Options struct {
	Addr            string
	Logger          zerolog.Logger
	Bus             *bus.Bus
	Verifier        *auth.Verifier
	RateLimiter     RateLimiterConfig
	Guard           ResourceGuardConfig
	MetricsInterval time.Duration

	// AllowedOrigins restricts browser origins at the upgrade handshake.
	// Empty means any origin (non-browser clients send none).
	AllowedOrigins []string
}

// Server owns the process-wide registries and the HTTP listener all
// endpoints hang off.
type Server struct {
	addr   string
	logger zerolog.Logger

	bus      *bus.Bus
	verifier *auth.Verifier

	clients  *ClientRegistry
	channels *ChannelRegistry

	rateLimiter *ConnectionRateLimiter
	guard       *ResourceGuard

	endpoints map[string]*Endpoint
	mux       *http.ServeMux
	httpSrv   *http.Server

	allowedOrigins map[string]bool

	metricsInterval time.Duration
	startedAt       time.Time
	shuttingDown    atomic.Bool
	stopLoops       chan struct{}
}

// NewServer creates a server. Endpoints are registered before Start.
func NewServer(opts Options) *Server {
	logger := opts.Logger.With().Str("component", "server").Logger()

	s := &Server{
		addr:            opts.Addr,
		logger:          logger,
		bus:             opts.Bus,
		verifier:        opts.Verifier,
		clients:         NewClientRegistry(),
		channels:        NewChannelRegistry(),
		rateLimiter:     NewConnectionRateLimiter(opts.RateLimiter, opts.Logger),
		guard:           NewResourceGuard(opts.Guard, opts.Logger),
		endpoints:       make(map[string]*Endpoint),
		mux:             http.NewServeMux(),
		metricsInterval: opts.MetricsInterval,
		stopLoops:       make(chan struct{}),
	}

	if len(opts.AllowedOrigins) > 0 {
		s.allowedOrigins = make(map[string]bool, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			s.allowedOrigins[o] = true
		}
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:    opts.Addr,
		Handler: s.mux,
	}
	return s
}

// Clients returns the process-wide client registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }

// Channels returns the process-wide channel registry.
func (s *Server) Channels() *ChannelRegistry { return s.channels }

// Bus returns the internal event bus.
func (s *Server) Bus() *bus.Bus { return s.bus }

func (s *Server) draining() bool { return s.shuttingDown.Load() }

// originAllowed applies the origin allow-list. Requests without an
// Origin header pass; those are not browser connections.
func (s *Server) originAllowed(origin string) bool {
	if s.allowedOrigins == nil || origin == "" {
		return true
	}
	return s.allowedOrigins[origin]
}

// RegisterEndpoint binds a handler to its path and runs OnInit.
func (s *Server) RegisterEndpoint(config EndpointConfig, handler Handler) (*Endpoint, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("endpoint %s: path is required", handler.Name())
	}
	if _, exists := s.endpoints[config.Path]; exists {
		return nil, fmt.Errorf("endpoint path %s already registered", config.Path)
	}

	ep := newEndpoint(config, handler, s)
	if err := handler.OnInit(ep); err != nil {
		return nil, fmt.Errorf("endpoint %s init: %w", handler.Name(), err)
	}

	s.endpoints[config.Path] = ep
	s.mux.Handle(config.Path, ep)

	s.logger.Info().
		Str("endpoint", handler.Name()).
		Str("path", config.Path).
		Bool("auth_required", config.AuthRequired).
		Int("rate_limit_per_minute", config.RateLimitPerMinute).
		Msg("Endpoint registered")
	return ep, nil
}

// Start runs the background loops and serves until the listener fails
// or Shutdown is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	go s.budgetResetLoop()
	go s.statusLoop()
	for _, ep := range s.endpoints {
		go ep.heartbeatLoop(s.stopLoops)
	}

	s.logger.Info().
		Str("addr", s.addr).
		Int("endpoints", len(s.endpoints)).
		Msg("Gateway listening")

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains gracefully: stop accepting, close every connection
// with going_away, quiesce handlers and background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().
		Int("connections", s.clients.Len()).
		Msg("Shutdown started, draining connections")

	close(s.stopLoops)
	s.rateLimiter.Stop()
	s.guard.Stop()

	s.clients.Range(func(c *Conn) {
		c.CloseWith(CloseGoingAway, "server shutting down", metrics.DisconnectReasonServerShutdown)
	})

	for _, ep := range s.endpoints {
		if cleaner, ok := ep.handler.(CleanupHandler); ok {
			cleaner.OnCleanup()
		}
	}

	select {
	case <-time.After(drainGrace):
	case <-ctx.Done():
	}

	return s.httpSrv.Shutdown(ctx)
}

// budgetResetLoop zeroes every connection's message budget at each
// window boundary. Fixed window, no refill in between.
func (s *Server) budgetResetLoop() {
	defer logging.RecoverPanic(s.logger, "budgetResetLoop", nil)

	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.clients.Range(func(c *Conn) {
				c.budgetUsed.Store(0)
			})
		case <-s.stopLoops:
			return
		}
	}
}

// statusLoop publishes a gateway status snapshot onto the bus every
// metrics interval so the monitor endpoint can relay it.
func (s *Server) statusLoop() {
	defer logging.RecoverPanic(s.logger, "statusLoop", nil)

	if s.metricsInterval <= 0 || s.bus == nil {
		return
	}
	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.bus.Publish(bus.EventServiceStatusUpdate, s.StatusSnapshot())
		case <-s.stopLoops:
			return
		}
	}
}

// StatusSnapshot summarizes the gateway for status frames.
func (s *Server) StatusSnapshot() map[string]any {
	return map[string]any{
		"service":             "degenduel-ws",
		"status":              "running",
		"uptime_seconds":      int64(time.Since(s.startedAt).Seconds()),
		"connections":         s.clients.Len(),
		"channels":            len(s.channels.Channels()),
		"avg_handler_latency": metrics.AverageHandlerLatency().String(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.draining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.clients.Len())
}
