package fetch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/ChannelPipe/internal/cursor"
	"github.com/BTreeMap/ChannelPipe/internal/models"
)

type lockState int

const (
	lockBusy lockState = iota
	lockHeld
	// lockDegraded means the store is unreachable and no competing fetcher was found
	lockDegraded
)

// acquireFetchLock takes the global fetch lock, reclaiming it when stale.
// When the store is unreachable it falls back to a local process check.
func (c *Coordinator) acquireFetchLock(ctx context.Context, summary *models.CycleSummary, logger *slog.Logger) lockState {
	ok, err := c.store.TryAcquireFetchLock(ctx)
	if err == nil && !ok {
		ok, err = c.store.ReclaimStaleLockIfExpired(ctx)
		if err == nil && ok {
			logger.Warn("Reclaimed stale fetch lock")
		}
	}
	if err == nil {
		if ok {
			return lockHeld
		}
		return lockBusy
	}

	if !errors.Is(err, cursor.ErrStoreUnavailable) {
		logger.Error("Unexpected fetch lock failure, skipping cycle", "error", err)
		summary.Error = err.Error()
		return lockBusy
	}

	summary.Degraded = true
	logger.Warn("Cursor store unreachable, checking for competing fetchers", "degraded", true, "error", err)
	c.alert(models.AlertEvent{
		Severity: models.SeverityWarning,
		Kind:     models.AlertStoreDegraded,
		Message:  "cursor store unreachable; running in degraded mode",
		Context:  map[string]string{"error": err.Error(), "cycle_id": summary.CycleID},
	})

	if c.opts.Detector == nil {
		return lockDegraded
	}
	n, derr := c.opts.Detector.CompetingFetchers(ctx)
	if derr != nil {
		logger.Warn("Competing process check failed, allowing cycle", "degraded", true, "error", derr)
		return lockDegraded
	}
	if n > 0 {
		logger.Warn("Competing fetcher found, skipping cycle", "degraded", true, "competing", n)
		return lockBusy
	}
	return lockDegraded
}

// releaseFetchLock deletes the fetch lock even when ctx is already cancelled.
func (c *Coordinator) releaseFetchLock(ctx context.Context, logger *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.store.ReleaseFetchLock(cctx); err != nil {
		logger.Error("Failed to release fetch lock; it will expire", "error", err)
		return
	}
	logger.Debug("Released fetch lock")
}
