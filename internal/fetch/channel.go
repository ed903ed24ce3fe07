package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/ChannelPipe/internal/cursor"
	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

// errSkippedRateLimited marks channels not attempted after a rate limit.
var errSkippedRateLimited = errors.New("skipped: session rate limited")

// channelResult counts the dispositions of one channel's batch.
type channelResult struct {
	emitted   int
	duplicate int
	old       int
	empty     int
	dropped   int
}

// processChannels fans out over the channels. A failing channel never stops
// its siblings; a rate limit stops channels that have not started yet.
func (c *Coordinator) processChannels(ctx context.Context, h session.Handle, summary *models.CycleSummary, logger *slog.Logger) {
	ceiling := c.AgeCeiling(c.opts.Now())
	var rateLimited atomic.Bool
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, ch := range c.channels {
		ch := ch
		g.Go(func() error {
			var res channelResult
			var err error
			if rateLimited.Load() {
				err = errSkippedRateLimited
			} else {
				res, err = c.safeProcessChannel(gctx, h, ch, ceiling, summary.Degraded, logger)
			}

			if d, ok := session.RetryAfter(err); ok && rateLimited.CompareAndSwap(false, true) {
				c.guard.NoteRateLimit(d)
				c.alert(models.AlertEvent{
					Severity: models.SeverityWarning,
					Kind:     models.AlertRateLimited,
					Message:  fmt.Sprintf("rate limited while fetching %s; remaining channels skipped", ch),
					Context:  map[string]string{"channel": ch, "retry_after": d.String(), "cycle_id": summary.CycleID},
				})
			}

			mu.Lock()
			if !errors.Is(err, errSkippedRateLimited) {
				summary.ChannelsChecked++
			}
			summary.MessagesEmitted += res.emitted
			summary.MessagesSkippedDuplicate += res.duplicate
			summary.MessagesSkippedOld += res.old
			summary.MessagesSkippedEmpty += res.empty
			summary.MessagesDropped += res.dropped
			if err != nil {
				summary.ErrorsByChannel[ch] = err.Error()
			}
			mu.Unlock()

			if !errors.Is(err, errSkippedRateLimited) {
				c.trackFailure(ch, err, summary.CycleID, logger)
			}
			return nil
		})
	}
	g.Wait()
}

// safeProcessChannel turns a panic in one channel into that channel's error.
func (c *Coordinator) safeProcessChannel(ctx context.Context, h session.Handle, ch string, ceiling time.Time, degraded bool, logger *slog.Logger) (res channelResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing channel", "channel", ch, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.processChannel(ctx, h, ch, ceiling, degraded, logger)
}

// processChannel resolves the cursor, retrieves, filters and emits one channel's
// messages, then advances the cursor to the highest id retrieved.
func (c *Coordinator) processChannel(ctx context.Context, h session.Handle, ch string, ceiling time.Time, degraded bool, logger *slog.Logger) (channelResult, error) {
	var res channelResult
	logger = logger.With("channel", ch)

	last, hasCursor := c.resolveCursor(ctx, ch, logger)

	if err := c.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("retrieve pacing: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RetrieveTimeout)
	q := session.Query{Channel: ch, Limit: c.opts.FetchLimit, Since: ceiling}
	if hasCursor {
		q.AfterID = last
	}
	msgs, err := h.Retrieve(rctx, q)
	cancel()
	if err != nil {
		logger.Warn("Channel retrieval failed", "error", err)
		return res, fmt.Errorf("retrieve: %w", err)
	}

	// Ascending so markers and the cursor follow id order
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID })

	var maxID int64
	for _, m := range msgs {
		// Providers may leave the channel unset; the query names it.
		m.ChannelID = ch
		if err := m.Validate(); err != nil {
			logger.Warn("Dropping malformed message", "error", err, "message_id", m.MessageID)
			res.dropped++
			continue
		}
		if hasCursor && m.MessageID <= last {
			res.duplicate++
			continue
		}
		if m.MessageID > maxID {
			maxID = m.MessageID
		}

		if m.Timestamp.Before(ceiling) {
			res.old++
			continue
		}

		claimed, err := c.store.MarkProcessed(ctx, ch, m.MessageID)
		if err != nil {
			if !errors.Is(err, cursor.ErrStoreUnavailable) {
				return res, fmt.Errorf("mark processed %d: %w", m.MessageID, err)
			}
			logger.Warn("Duplicate marker unavailable, emitting unmarked", "degraded", true, "message_id", m.MessageID, "error", err)
			claimed = true
		}
		if !claimed {
			res.duplicate++
			continue
		}

		if m.IsEmpty() {
			res.empty++
			continue
		}

		if err := c.emitter.Emit(ctx, m); err != nil {
			logger.Error("Failed to hand off message", "message_id", m.MessageID, "error", err)
			res.dropped++
			continue
		}
		res.emitted++
	}

	if maxID > 0 && (!hasCursor || maxID > last) {
		if _, err := c.store.AdvanceCursor(ctx, ch, maxID); err != nil {
			logger.Warn("Failed to advance cursor", "degraded", degraded || errors.Is(err, cursor.ErrStoreUnavailable), "last_message_id", maxID, "error", err)
		} else {
			logger.Debug("Cursor advanced", "last_message_id", maxID)
		}
	}

	logger.Info("Channel processed",
		"retrieved", len(msgs),
		"emitted", res.emitted,
		"skipped_duplicate", res.duplicate,
		"skipped_old", res.old,
		"skipped_empty", res.empty,
		"dropped", res.dropped)
	return res, nil
}

// resolveCursor reads the cached cursor, then the durable fallback.
// A fallback hit is written back to the store.
func (c *Coordinator) resolveCursor(ctx context.Context, ch string, logger *slog.Logger) (int64, bool) {
	last, ok, err := c.store.LastProcessed(ctx, ch)
	if err != nil {
		logger.Warn("Cursor store read failed, using fallback", "degraded", true, "error", err)
	}
	if err == nil && ok {
		return last, true
	}

	if c.opts.Fallback == nil {
		return 0, false
	}
	last, ok, ferr := c.opts.Fallback.MaxMessageID(ch)
	if ferr != nil {
		logger.Warn("Fallback cursor read failed", "error", ferr)
		return 0, false
	}
	if !ok {
		logger.Info("No cursor for channel, using time-based fallback")
		return 0, false
	}

	logger.Info("Recovered cursor from durable records", "last_message_id", last)
	if err == nil {
		if _, serr := c.store.AdvanceCursor(ctx, ch, last); serr != nil {
			logger.Debug("Failed to seed cursor", "error", serr)
		}
	}
	return last, true
}

// trackFailure counts consecutive failures per channel and alerts at the threshold.
func (c *Coordinator) trackFailure(ch string, err error, cycleID string, logger *slog.Logger) {
	c.mu.Lock()
	if err == nil {
		delete(c.failures, ch)
		c.mu.Unlock()
		return
	}
	c.failures[ch]++
	n := c.failures[ch]
	c.mu.Unlock()

	if c.opts.FailureThreshold > 0 && n == c.opts.FailureThreshold {
		logger.Error("Channel failing repeatedly", "channel", ch, "consecutive_failures", n, "error", err)
		c.alert(models.AlertEvent{
			Severity: models.SeverityWarning,
			Kind:     models.AlertChannelFailures,
			Message:  fmt.Sprintf("channel %s failed %d consecutive cycles: %v", ch, n, err),
			Context:  map[string]string{"channel": ch, "consecutive_failures": strconv.Itoa(n), "cycle_id": cycleID},
		})
	}
}

// ConsecutiveFailures returns the current failure streak of a channel.
func (c *Coordinator) ConsecutiveFailures(ch string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[ch]
}

// finish stores and publishes the summary.
func (c *Coordinator) finish(summary *models.CycleSummary, logger *slog.Logger) {
	c.mu.Lock()
	c.last = summary
	c.mu.Unlock()

	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordCycle(summary)
	}
	logger.Info("Fetch cycle finished",
		"outcome", summary.Outcome,
		"degraded", summary.Degraded,
		"duration", summary.Duration(),
		"channels_checked", summary.ChannelsChecked,
		"emitted", summary.MessagesEmitted,
		"skipped_duplicate", summary.MessagesSkippedDuplicate,
		"skipped_old", summary.MessagesSkippedOld,
		"skipped_empty", summary.MessagesSkippedEmpty,
		"dropped", summary.MessagesDropped,
		"channel_errors", len(summary.ErrorsByChannel))
}
