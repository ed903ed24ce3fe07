// Package fetch runs fetch cycles: one pass over every monitored channel under
// the global fetch lock and a single session handle.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

// Coordinator defaults
const (
	DefaultFetchInterval    = 240 * time.Second
	DefaultFetchLimit       = 20
	DefaultConcurrency      = 2
	DefaultTransientRetries = 2
	DefaultRetryBackoff     = 2 * time.Second
	DefaultRetrieveTimeout  = 30 * time.Second
	DefaultFailureThreshold = 3
	// AgeBuffer is added to the fetch interval to form the age ceiling
	AgeBuffer = 30 * time.Second
	// cleanupTimeout bounds lock and session cleanup after a cancelled cycle
	cleanupTimeout = 15 * time.Second
)

// ErrCycleAborted wraps the session error that stopped a cycle.
var ErrCycleAborted = errors.New("fetch cycle aborted")

// SessionGuard hands out the session handle.
type SessionGuard interface {
	Acquire(ctx context.Context, forceReconnect bool) (session.Handle, error)
	Release(ctx context.Context)
	NoteRateLimit(retryAfter time.Duration)
}

// CursorStore holds cursors, duplicate markers and the fetch lock.
type CursorStore interface {
	TryAcquireFetchLock(ctx context.Context) (bool, error)
	ReclaimStaleLockIfExpired(ctx context.Context) (bool, error)
	ReleaseFetchLock(ctx context.Context) error
	LastProcessed(ctx context.Context, channelID string) (int64, bool, error)
	AdvanceCursor(ctx context.Context, channelID string, messageID int64) (bool, error)
	MarkProcessed(ctx context.Context, channelID string, messageID int64) (bool, error)
}

// FallbackReader recovers cursors from durable records.
type FallbackReader interface {
	MaxMessageID(channelID string) (int64, bool, error)
}

// Emitter hands messages to the classification pipeline without waiting for it.
type Emitter interface {
	Emit(ctx context.Context, msg models.RetrievedMessage) error
}

// Alerter receives alert events. Emit must not block.
type Alerter interface {
	Emit(evt models.AlertEvent)
}

// Detector looks for competing local fetchers when the store is unreachable.
type Detector interface {
	CompetingFetchers(ctx context.Context) (int, error)
}

// Recorder observes finished cycles.
type Recorder interface {
	RecordCycle(summary *models.CycleSummary)
}

// Opts holds configuration for a Coordinator.
type Opts struct {
	FetchInterval    time.Duration
	FetchLimit       int
	Concurrency      int
	TransientRetries int
	RetryBackoff     time.Duration
	RetrieveTimeout  time.Duration
	RetrieveRate     rate.Limit
	FailureThreshold int
	Fallback         FallbackReader
	Detector         Detector
	Alerter          Alerter
	Recorder         Recorder
	Now              func() time.Time
	Logger           *slog.Logger
}

// Option defines a configuration option for the Coordinator.
type Option func(*Opts)

// WithFetchInterval sets the scheduling interval, which also bounds message age.
func WithFetchInterval(d time.Duration) Option {
	return func(o *Opts) { o.FetchInterval = d }
}

// WithFetchLimit sets the per-channel safety cap.
func WithFetchLimit(n int) Option {
	return func(o *Opts) { o.FetchLimit = n }
}

// WithConcurrency sets how many channels are processed at once.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithTransientRetries sets how often a transient session failure is retried.
func WithTransientRetries(n int) Option {
	return func(o *Opts) { o.TransientRetries = n }
}

// WithRetryBackoff sets the base delay between transient retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Opts) { o.RetryBackoff = d }
}

// WithRetrieveTimeout bounds each retrieve call.
func WithRetrieveTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RetrieveTimeout = d }
}

// WithRetrieveRate paces retrieve calls. Zero or negative disables pacing.
func WithRetrieveRate(perSecond float64) Option {
	return func(o *Opts) {
		if perSecond <= 0 {
			o.RetrieveRate = rate.Inf
			return
		}
		o.RetrieveRate = rate.Limit(perSecond)
	}
}

// WithFailureThreshold sets how many consecutive failures of one channel raise an alert.
func WithFailureThreshold(n int) Option {
	return func(o *Opts) { o.FailureThreshold = n }
}

// WithFallback sets the durable cursor fallback.
func WithFallback(r FallbackReader) Option {
	return func(o *Opts) { o.Fallback = r }
}

// WithDetector sets the degraded-mode competing process check.
func WithDetector(d Detector) Option {
	return func(o *Opts) { o.Detector = d }
}

// WithAlerter sets the alert sink.
func WithAlerter(a Alerter) Option {
	return func(o *Opts) { o.Alerter = a }
}

// WithRecorder sets the cycle observer.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// Coordinator runs fetch cycles.
type Coordinator struct {
	guard    SessionGuard
	store    CursorStore
	emitter  Emitter
	channels []string
	opts     Opts
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[string]int
	last     *models.CycleSummary
}

// NewCoordinator creates a Coordinator for the given channels.
func NewCoordinator(guard SessionGuard, store CursorStore, emitter Emitter, channels []string, opts ...Option) *Coordinator {
	o := Opts{
		FetchInterval:    DefaultFetchInterval,
		FetchLimit:       DefaultFetchLimit,
		Concurrency:      DefaultConcurrency,
		TransientRetries: DefaultTransientRetries,
		RetryBackoff:     DefaultRetryBackoff,
		RetrieveTimeout:  DefaultRetrieveTimeout,
		RetrieveRate:     rate.Inf,
		FailureThreshold: DefaultFailureThreshold,
		Now:              time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.FetchLimit < 1 {
		o.FetchLimit = DefaultFetchLimit
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		guard:    guard,
		store:    store,
		emitter:  emitter,
		channels: append([]string(nil), channels...),
		opts:     o,
		limiter:  rate.NewLimiter(o.RetrieveRate, 1),
		logger:   logger.With("component", "fetch"),
		failures: make(map[string]int),
	}
}

// Channels returns the monitored channels.
func (c *Coordinator) Channels() []string {
	return append([]string(nil), c.channels...)
}

// LastSummary returns the summary of the most recent cycle, or nil.
func (c *Coordinator) LastSummary() *models.CycleSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	s.ErrorsByChannel = make(map[string]string, len(c.last.ErrorsByChannel))
	for k, v := range c.last.ErrorsByChannel {
		s.ErrorsByChannel[k] = v
	}
	return &s
}

// AgeCeiling returns the oldest timestamp a message may carry to be emitted.
func (c *Coordinator) AgeCeiling(now time.Time) time.Time {
	return now.Add(-(c.opts.FetchInterval + AgeBuffer))
}

// RunCycle runs one fetch cycle. Lock contention is not an error: the summary
// outcome is skipped_lock_held. Session failures abort the cycle with an error
// wrapping ErrCycleAborted. The fetch lock and the session are always released.
func (c *Coordinator) RunCycle(ctx context.Context) (summary *models.CycleSummary, err error) {
	summary = &models.CycleSummary{
		CycleID:         uuid.NewString(),
		StartedAt:       c.opts.Now(),
		ErrorsByChannel: make(map[string]string),
	}
	logger := c.logger.With("cycle_id", summary.CycleID)
	defer func() {
		summary.FinishedAt = c.opts.Now()
		if err != nil && summary.Error == "" {
			summary.Error = err.Error()
		}
		c.finish(summary, logger)
	}()

	switch c.acquireFetchLock(ctx, summary, logger) {
	case lockBusy:
		summary.Outcome = models.CycleSkippedLockHeld
		return summary, nil
	case lockHeld:
		defer c.releaseFetchLock(ctx, logger)
	case lockDegraded:
		logger.Warn("Running cycle without fetch lock", "degraded", true)
	}

	handle, err := c.acquireSession(ctx, logger)
	if err != nil {
		summary.Outcome = models.CycleAborted
		c.alertSessionFailure(err, summary)
		return summary, fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		c.guard.Release(cctx)
	}()

	c.processChannels(ctx, handle, summary, logger)
	summary.Outcome = models.CycleCompleted
	return summary, nil
}
