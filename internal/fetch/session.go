package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

// acquireSession gets a handle, retrying transient failures with linear backoff.
// Every other session error is returned immediately.
func (c *Coordinator) acquireSession(ctx context.Context, logger *slog.Logger) (session.Handle, error) {
	for attempt := 0; ; attempt++ {
		h, err := c.guard.Acquire(ctx, false)
		if err == nil {
			return h, nil
		}
		if session.Kind(err) != session.ErrTransient || attempt >= c.opts.TransientRetries {
			logger.Warn("Session unavailable, aborting cycle", "error", err, "attempts", attempt+1)
			return nil, err
		}

		backoff := c.opts.RetryBackoff * time.Duration(attempt+1)
		logger.Info("Transient session failure, retrying", "error", err, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", session.ErrTransient, ctx.Err())
		case <-time.After(backoff):
		}
	}
}

func (c *Coordinator) alertSessionFailure(err error, summary *models.CycleSummary) {
	// Already alerted when the guard first entered the blocked state.
	if errors.Is(err, session.ErrBlocked) {
		return
	}
	evt := models.AlertEvent{
		Message: err.Error(),
		Context: map[string]string{"cycle_id": summary.CycleID},
	}
	switch session.Kind(err) {
	case session.ErrRateLimited:
		evt.Severity, evt.Kind = models.SeverityWarning, models.AlertRateLimited
		if d, ok := session.RetryAfter(err); ok {
			evt.Context["retry_after"] = d.String()
		}
	case session.ErrNeedsReauth:
		evt.Severity, evt.Kind = models.SeverityCritical, models.AlertReauthFailed
		evt.Message = "session renewal failed; manual reauthentication required: " + err.Error()
	case session.ErrConfigInvalid:
		evt.Severity, evt.Kind = models.SeverityCritical, models.AlertConfigInvalid
	default:
		evt.Severity, evt.Kind = models.SeverityWarning, models.AlertSessionFailure
	}
	c.alert(evt)
}

// alert forwards evt to the alerter, if any. It never fails the cycle.
func (c *Coordinator) alert(evt models.AlertEvent) {
	if c.opts.Alerter == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = c.opts.Now()
	}
	c.opts.Alerter.Emit(evt)
}
