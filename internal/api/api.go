// Package api exposes the ChannelPipe operations surface over HTTP.
//
// Endpoints:
//
//	GET /healthz  liveness plus a cursor store ping
//	GET /status   session snapshot, cursors, fetch lock and the most recent cycle summary
//	GET /metrics  Prometheus exposition
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/cursor"
	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Defaults for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultPingTimeout     = 3 * time.Second
)

// SessionSource reports the session guard state.
type SessionSource interface {
	State() session.State
}

// CycleSource reports the last completed fetch cycle.
type CycleSource interface {
	LastSummary() *models.CycleSummary
	Channels() []string
}

// Pinger checks the cursor store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CursorSource reads channel cursors and the fetch lock.
type CursorSource interface {
	Cursors(ctx context.Context, channels []string) ([]models.ChannelCursor, error)
	FetchLock(ctx context.Context) (cursor.LockState, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Metrics http.Handler
	Store   Pinger
	Cursors CursorSource
	Logger  *slog.Logger
	Now     func() time.Time
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) {
		o.Metrics = h
	}
}

// WithStore makes /healthz ping the cursor store.
func WithStore(p Pinger) Option {
	return func(o *Opts) {
		o.Store = p
	}
}

// WithCursors adds channel cursors and fetch lock state to /status.
func WithCursors(c CursorSource) Option {
	return func(o *Opts) {
		o.Cursors = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) {
		o.Logger = logger
	}
}

// WithClock overrides the time source used in responses.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Server serves the operations endpoints.
type Server struct {
	opts    Opts
	session SessionSource
	cycles  CycleSource
	logger  *slog.Logger
	started time.Time
	srv     *http.Server
}

// NewServer builds a Server reading from the given sources.
func NewServer(sess SessionSource, cycles CycleSource, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	s := &Server{
		opts:    o,
		session: sess,
		cycles:  cycles,
		logger:  o.Logger.With("component", "api"),
		started: o.Now(),
	}
	s.srv = &http.Server{
		Addr:              o.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Get("/status", s.statusHandler)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("API server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
