// Package session owns the single connection to the external messaging session.
//
// A Guard hands out a live Handle, serializes session (re)creation behind an
// exclusive lock on the credential file, classifies provider failures into typed
// errors and tears the handle down with a bounded timeout after each cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/lockfile"
)

// Guard defaults
const (
	// DefaultLockWait bounds the wait for the credential file lock
	DefaultLockWait = 30 * time.Second
	// DefaultTeardownTimeout bounds graceful disconnect
	DefaultTeardownTimeout = 10 * time.Second
)

// Status is the connection state of a Guard.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusRateLimited
	StatusNeedsReauth
	StatusConfigInvalid
)

var statusNames = map[Status]string{
	StatusDisconnected:  "disconnected",
	StatusConnecting:    "connecting",
	StatusConnected:     "connected",
	StatusRateLimited:   "rate_limited",
	StatusNeedsReauth:   "needs_reauth",
	StatusConfigInvalid: "config_invalid",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of the Guard. Zero times mean unset.
type State struct {
	Status                   Status    `json:"status"`
	RateLimitUntil           time.Time `json:"rate_limit_until,omitempty"`
	LastSuccessfulConnection time.Time `json:"last_successful_connection,omitempty"`
	ConnectionAttempts       int       `json:"connection_attempts"`
}

// Opts holds configuration for a Guard.
type Opts struct {
	LockWait           time.Duration
	TeardownTimeout    time.Duration
	InteractiveRenewal bool
	Now                func() time.Time
	Logger             *slog.Logger
}

// Option defines a configuration option for the Guard.
type Option func(*Opts)

// WithLockWait sets the bound on waiting for the credential file lock.
func WithLockWait(d time.Duration) Option {
	return func(o *Opts) { o.LockWait = d }
}

// WithTeardownTimeout sets the bound on graceful disconnect.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TeardownTimeout = d }
}

// WithInteractiveRenewal allows the provider's interactive challenge during renewal.
func WithInteractiveRenewal(enabled bool) Option {
	return func(o *Opts) { o.InteractiveRenewal = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// Guard provides a single-owner session handle.
type Guard struct {
	provider Provider
	credPath string
	lockPath string
	opts     Opts
	logger   *slog.Logger

	op sync.Mutex // serializes Acquire and Release

	mu     sync.RWMutex
	handle Handle
	state  State
	// credential mtime when renewal last failed; a change unblocks NeedsReauth
	reauthStamp time.Time
}

// NewGuard creates a Guard for the session stored at credentialPath.
func NewGuard(provider Provider, credentialPath string, opts ...Option) *Guard {
	o := Opts{
		LockWait:        DefaultLockWait,
		TeardownTimeout: DefaultTeardownTimeout,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		provider: provider,
		credPath: credentialPath,
		lockPath: lockfile.PathFor(credentialPath),
		opts:     o,
		logger:   logger.With("component", "session_guard"),
	}
}

// State returns a snapshot of the guard state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Acquire returns a live handle. A cached handle is reused when forceReconnect
// is false and it passes a liveness probe; otherwise a new session is opened
// under the credential file lock. Errors are classified by ErrRateLimited,
// ErrNeedsReauth, ErrConfigInvalid or ErrTransient.
//
// After a failed renewal the guard stays in NeedsReauth and refuses without
// contacting the provider until the credential file changes or forceReconnect
// is set.
func (g *Guard) Acquire(ctx context.Context, forceReconnect bool) (Handle, error) {
	g.op.Lock()
	defer g.op.Unlock()

	if err := g.checkBlocked(forceReconnect); err != nil {
		return nil, err
	}

	g.mu.RLock()
	cached := g.handle
	g.mu.RUnlock()

	if cached != nil {
		if !forceReconnect && cached.Probe(ctx) {
			g.logger.Debug("Reusing live session handle")
			return cached, nil
		}
		if forceReconnect {
			g.logger.Info("Forcing session reconnect")
		} else {
			g.logger.Warn("Session liveness probe failed, reconnecting")
		}
		g.teardown(ctx)
	}

	return g.connect(ctx)
}

// checkBlocked fails fast while rate limited, after a fatal config error or
// after a failed renewal.
func (g *Guard) checkBlocked(forceReconnect bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state.Status {
	case StatusConfigInvalid:
		return fmt.Errorf("%w: %w", ErrBlocked, ErrConfigInvalid)
	case StatusNeedsReauth:
		if forceReconnect {
			g.logger.Info("Forced reconnect after failed renewal")
			g.state.Status = StatusDisconnected
			return nil
		}
		if stamp := credentialStamp(g.credPath); !stamp.Equal(g.reauthStamp) {
			g.logger.Info("Credential file changed, retrying session", "cred_path", g.credPath)
			g.state.Status = StatusDisconnected
			return nil
		}
		return fmt.Errorf("%w: %w", ErrBlocked, ErrNeedsReauth)
	case StatusRateLimited:
		now := g.opts.Now()
		if now.Before(g.state.RateLimitUntil) {
			return &RateLimitError{RetryAfter: g.state.RateLimitUntil.Sub(now), Until: g.state.RateLimitUntil}
		}
		g.logger.Info("Rate limit window passed", "rate_limit_until", g.state.RateLimitUntil)
		g.state.Status = StatusDisconnected
		g.state.RateLimitUntil = time.Time{}
	}
	return nil
}

func (g *Guard) connect(ctx context.Context) (Handle, error) {
	lock, err := lockfile.Acquire(g.lockPath, g.opts.LockWait)
	if err != nil {
		g.setStatus(StatusDisconnected)
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			g.logger.Error("Failed to release credential lock", "error", rerr, "lock_path", g.lockPath)
		}
	}()

	h, err := g.attempt(ctx, ConnectOptions{})
	if errors.Is(err, ErrNeedsReauth) && !errors.Is(err, ErrConfigInvalid) {
		g.setStatus(StatusNeedsReauth)
		g.logger.Warn("Session needs reauthentication, attempting one renewal", "error", err, "interactive", g.opts.InteractiveRenewal)
		h, err = g.attempt(ctx, ConnectOptions{Renew: true, Interactive: g.opts.InteractiveRenewal})
	}
	if err != nil {
		return nil, g.fail(err)
	}

	g.mu.Lock()
	g.handle = h
	g.state = State{
		Status:                   StatusConnected,
		LastSuccessfulConnection: g.opts.Now(),
	}
	g.mu.Unlock()

	g.logger.Info("Session connected")
	return h, nil
}

// attempt runs one provider connect, dropping any partial handle on failure.
func (g *Guard) attempt(ctx context.Context, opts ConnectOptions) (Handle, error) {
	g.mu.Lock()
	g.state.Status = StatusConnecting
	g.state.ConnectionAttempts++
	attempts := g.state.ConnectionAttempts
	g.mu.Unlock()

	g.logger.Debug("Connecting session", "attempt", attempts, "renew", opts.Renew)
	h, err := g.provider.Connect(ctx, opts)
	if err != nil && h != nil {
		g.abandon(ctx, h)
		h = nil
	}
	if err == nil && h == nil {
		err = fmt.Errorf("%w: provider returned no handle", ErrTransient)
	}
	return h, err
}

// fail records the classified failure in the guard state and returns the typed error.
func (g *Guard) fail(err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch Kind(err) {
	case ErrRateLimited:
		retryAfter, _ := RetryAfter(err)
		until := g.opts.Now().Add(retryAfter)
		g.state.Status = StatusRateLimited
		g.state.RateLimitUntil = until
		g.logger.Warn("Session rate limited", "retry_after", retryAfter, "until", until)
		return &RateLimitError{RetryAfter: retryAfter, Until: until}
	case ErrConfigInvalid:
		g.state.Status = StatusConfigInvalid
		g.logger.Error("Session configuration invalid", "error", err)
		return err
	case ErrNeedsReauth:
		g.state.Status = StatusNeedsReauth
		g.reauthStamp = credentialStamp(g.credPath)
		g.logger.Error("Session renewal failed, manual reauthentication required", "error", err)
		return err
	default:
		g.state.Status = StatusDisconnected
		g.logger.Warn("Transient session failure", "error", err)
		return asTransient(err)
	}
}

// NoteRateLimit records a rate limit observed while using a handle so that
// later Acquire calls fail fast.
func (g *Guard) NoteRateLimit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultRateLimitBackoff
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Status == StatusConfigInvalid {
		return
	}
	until := g.opts.Now().Add(retryAfter)
	if until.After(g.state.RateLimitUntil) {
		g.state.RateLimitUntil = until
	}
	g.state.Status = StatusRateLimited
	g.logger.Warn("Rate limit noted", "retry_after", retryAfter, "until", g.state.RateLimitUntil)
}

// Release tears down the current handle. It never blocks longer than the
// teardown timeout; a handle that does not disconnect in time is abandoned.
func (g *Guard) Release(ctx context.Context) {
	g.op.Lock()
	defer g.op.Unlock()
	g.teardown(ctx)
}

func (g *Guard) teardown(ctx context.Context) {
	g.mu.Lock()
	h := g.handle
	g.handle = nil
	if g.state.Status == StatusConnected {
		g.state.Status = StatusDisconnected
	}
	g.mu.Unlock()

	if h != nil {
		g.abandon(ctx, h)
	}
}

// abandon disconnects h within the teardown bound.
func (g *Guard) abandon(ctx context.Context, h Handle) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.TeardownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Disconnect(tctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			g.logger.Warn("Session disconnect failed", "error", err)
			return
		}
		g.logger.Debug("Session disconnected")
	case <-tctx.Done():
		g.logger.Warn("Session disconnect timed out, abandoning handle", "timeout", g.opts.TeardownTimeout)
	}
}

// credentialStamp returns the credential file mtime, or zero if it cannot be read.
func credentialStamp(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (g *Guard) setStatus(s Status) {
	g.mu.Lock()
	g.state.Status = s
	g.mu.Unlock()
}
