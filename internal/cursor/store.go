package cursor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// Store defaults
const (
	// DefaultDedupTTL keeps duplicate markers well past two fetch cycles
	DefaultDedupTTL = 24 * time.Hour
	// DefaultCursorTTL bounds the cache copy of a cursor; the CSV backups keep the durable copy
	DefaultCursorTTL = 30 * 24 * time.Hour
	// MinLockTimeout is the floor for the fetch lock validity window
	MinLockTimeout = 210 * time.Second
	// lockTimeoutSlack is subtracted from two fetch intervals
	lockTimeoutSlack = 30 * time.Second
)

// LockTimeout returns the fetch lock validity window for a fetch interval:
// max(2 × interval − 30s, 210s).
func LockTimeout(fetchInterval time.Duration) time.Duration {
	d := 2*fetchInterval - lockTimeoutSlack
	if d < MinLockTimeout {
		return MinLockTimeout
	}
	return d
}

// Terminator stops processes still doing fetch work for an abandoned lock.
// Termination is best effort.
type Terminator interface {
	TerminateFetchers(ctx context.Context) (int, error)
}

// Opts holds configuration for a Store.
type Opts struct {
	DedupTTL    time.Duration
	CursorTTL   time.Duration
	LockTimeout time.Duration
	Terminator  Terminator
	Now         func() time.Time
	Logger      *slog.Logger
}

// Option defines a configuration option for the Store.
type Option func(*Opts)

// WithDedupTTL sets the lifetime of duplicate markers.
func WithDedupTTL(d time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = d }
}

// WithCursorTTL sets the lifetime of cached cursors. Zero keeps them forever.
func WithCursorTTL(d time.Duration) Option {
	return func(o *Opts) { o.CursorTTL = d }
}

// WithLockTimeout sets the fetch lock validity window.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Opts) { o.LockTimeout = d }
}

// WithTerminator sets the strategy used to stop stale lock holders.
func WithTerminator(t Terminator) Option {
	return func(o *Opts) { o.Terminator = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// Store provides cursor, duplicate-marker and fetch-lock operations over a KV.
type Store struct {
	kv          KV
	dedupTTL    time.Duration
	cursorTTL   time.Duration
	lockTimeout time.Duration
	terminator  Terminator
	now         func() time.Time
	logger      *slog.Logger
}

// NewStore creates a Store on top of kv.
func NewStore(kv KV, opts ...Option) *Store {
	cfg := Opts{
		DedupTTL:    DefaultDedupTTL,
		CursorTTL:   DefaultCursorTTL,
		LockTimeout: MinLockTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		kv:          kv,
		dedupTTL:    cfg.DedupTTL,
		cursorTTL:   cfg.CursorTTL,
		lockTimeout: cfg.LockTimeout,
		terminator:  cfg.Terminator,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// LockTimeout returns the configured fetch lock validity window.
func (s *Store) LockTimeout() time.Duration {
	return s.lockTimeout
}

// Ping checks that the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Close closes the backing store.
func (s *Store) Close() error {
	return s.kv.Close()
}

// LastProcessed returns the cursor for a channel and whether one exists.
func (s *Store) LastProcessed(ctx context.Context, channelID string) (int64, bool, error) {
	raw, ok, err := s.kv.Get(ctx, LastProcessedKey(channelID))
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("Ignoring malformed cursor value", "channel", channelID, "value", raw)
		return 0, false, nil
	}
	return id, true, nil
}

// AdvanceCursor moves a channel's cursor to messageID if that is ahead of the
// stored value. It never moves a cursor backwards. Reports whether it moved.
func (s *Store) AdvanceCursor(ctx context.Context, channelID string, messageID int64) (bool, error) {
	moved, err := s.kv.SetIfGreater(ctx, LastProcessedKey(channelID), messageID, s.cursorTTL)
	if err != nil {
		return false, fmt.Errorf("advance cursor for %s: %w", channelID, err)
	}
	if moved {
		s.logger.Debug("Cursor advanced", "channel", channelID, "last_message_id", messageID)
	}
	return moved, nil
}

// Cursor returns the cached cursor for a channel. UpdatedAt is derived from the
// key's remaining lifetime, so it stays zero when cursors never expire.
func (s *Store) Cursor(ctx context.Context, channelID string) (models.ChannelCursor, error) {
	c := models.ChannelCursor{ChannelID: channelID}
	id, ok, err := s.LastProcessed(ctx, channelID)
	if err != nil || !ok {
		return c, err
	}
	c.LastMessageID = &id
	if s.cursorTTL <= 0 {
		return c, nil
	}
	remaining, exists, err := s.kv.TTL(ctx, LastProcessedKey(channelID))
	if err != nil {
		return c, err
	}
	if exists && remaining > 0 {
		c.UpdatedAt = s.now().Add(remaining - s.cursorTTL)
	}
	return c, nil
}

// Cursors returns the cursor of every channel, in order.
func (s *Store) Cursors(ctx context.Context, channels []string) ([]models.ChannelCursor, error) {
	out := make([]models.ChannelCursor, 0, len(channels))
	for _, ch := range channels {
		c, err := s.Cursor(ctx, ch)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// IsProcessed reports whether a duplicate marker exists for the message.
func (s *Store) IsProcessed(ctx context.Context, channelID string, messageID int64) (bool, error) {
	_, ok, err := s.kv.Get(ctx, ProcessedKey(channelID, messageID))
	return ok, err
}

// MarkProcessed sets the duplicate marker for a message. It returns false if
// the marker already existed, which makes it an atomic claim on the message.
func (s *Store) MarkProcessed(ctx context.Context, channelID string, messageID int64) (bool, error) {
	return s.kv.SetNX(ctx, ProcessedKey(channelID, messageID), "1", s.dedupTTL)
}

// TryAcquireFetchLock sets the global fetch lock if nobody holds it.
// The lock value is the acquisition time in epoch seconds.
func (s *Store) TryAcquireFetchLock(ctx context.Context) (bool, error) {
	value := strconv.FormatInt(s.now().Unix(), 10)
	ok, err := s.kv.SetNX(ctx, FetchLockKey, value, s.lockTimeout)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Debug("Fetch lock acquired", "timeout", s.lockTimeout)
	}
	return ok, nil
}

// ReleaseFetchLock deletes the fetch lock. Releasing an absent lock is not an error.
func (s *Store) ReleaseFetchLock(ctx context.Context) error {
	if err := s.kv.Del(ctx, FetchLockKey); err != nil {
		return err
	}
	s.logger.Debug("Fetch lock released")
	return nil
}

// LockAge returns how long ago the current lock was taken.
// exists is false when no lock is held.
func (s *Store) LockAge(ctx context.Context) (age time.Duration, exists bool, err error) {
	raw, ok, err := s.kv.Get(ctx, FetchLockKey)
	if err != nil || !ok {
		return 0, false, err
	}
	return s.lockAge(raw), true, nil
}

// LockState describes the fetch lock.
type LockState struct {
	Held      bool          `json:"held"`
	Age       time.Duration `json:"age"`
	Remaining time.Duration `json:"remaining"`
}

// FetchLock reports the fetch lock's age and the lifetime the backend has left on it.
func (s *Store) FetchLock(ctx context.Context) (LockState, error) {
	raw, ok, err := s.kv.Get(ctx, FetchLockKey)
	if err != nil || !ok {
		return LockState{}, err
	}
	st := LockState{Held: true, Age: s.lockAge(raw)}
	remaining, exists, err := s.kv.TTL(ctx, FetchLockKey)
	if err != nil {
		return st, err
	}
	if exists && remaining > 0 {
		st.Remaining = remaining
	}
	return st, nil
}

func (s *Store) lockAge(raw string) time.Duration {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable holder information cannot prove freshness.
		return s.lockTimeout + time.Second
	}
	return s.now().Sub(time.Unix(ts, 0))
}

// ReclaimStaleLockIfExpired takes over a fetch lock whose holder has been
// gone longer than the lock timeout. Processes still doing fetch work for the
// abandoned holder are terminated first (best effort). A fresh lock is never
// reclaimed. Reports whether this caller now holds the lock.
func (s *Store) ReclaimStaleLockIfExpired(ctx context.Context) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, FetchLockKey)
	if err != nil {
		return false, err
	}
	if !ok {
		// Expired or released since the failed acquire.
		return s.TryAcquireFetchLock(ctx)
	}

	// Backends expire the lock after lockTimeout on their own, so a live key
	// only looks stale when its value is unreadable or clocks disagree. A hung
	// holder is bounded by the scheduler's per-run timeout instead.
	age := s.lockAge(raw)
	if age <= s.lockTimeout {
		s.logger.Debug("Fetch lock is fresh, not reclaiming", "age", age, "timeout", s.lockTimeout)
		return false, nil
	}

	s.logger.Warn("Reclaiming stale fetch lock", "age", age, "timeout", s.lockTimeout)
	if s.terminator != nil {
		n, terr := s.terminator.TerminateFetchers(ctx)
		if terr != nil {
			s.logger.Warn("Failed to terminate stale fetch processes", "error", terr)
		} else {
			s.logger.Info("Terminated stale fetch processes", "count", n)
		}
	}

	// Only delete the exact stale value: a racing reclaimer may already hold a fresh lock.
	if _, err := s.kv.CompareAndDelete(ctx, FetchLockKey, raw); err != nil {
		return false, err
	}
	return s.TryAcquireFetchLock(ctx)
}

// Maintain runs backend housekeeping such as purging expired rows.
func (s *Store) Maintain(ctx context.Context) error {
	p, ok := s.kv.(Purger)
	if !ok {
		return nil
	}
	n, err := p.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("Purged expired cursor store keys", "count", n)
	}
	return nil
}
