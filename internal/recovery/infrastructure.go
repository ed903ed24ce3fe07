package recovery

import (
	"context"
	"errors"
	"fmt"
)

// StaleLockRecovery clears a fetch lock left behind by a process that died
// mid-cycle. A fresh lock belongs to a live fetcher and is left alone.
type StaleLockRecovery struct{}

func (StaleLockRecovery) Name() string { return "stale_fetch_lock" }

func (StaleLockRecovery) RecoverState(ctx context.Context, reg *Registry) error {
	age, exists, err := reg.Store.LockAge(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect fetch lock: %w", err)
	}
	if !exists {
		return nil
	}
	if age <= reg.Store.LockTimeout() {
		reg.Logger.Info("Fetch lock held by an active fetcher", "age", age)
		return nil
	}
	held, err := reg.Store.ReclaimStaleLockIfExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to reclaim stale fetch lock: %w", err)
	}
	if !held {
		// Someone else reclaimed it first.
		return nil
	}
	reg.Logger.Info("Reclaimed stale fetch lock at startup", "age", age)
	return reg.Store.ReleaseFetchLock(ctx)
}

// CursorSeedRecovery restores missing cursors from the CSV backups.
type CursorSeedRecovery struct{}

func (CursorSeedRecovery) Name() string { return "cursor_seed" }

func (CursorSeedRecovery) RecoverState(ctx context.Context, reg *Registry) error {
	if reg.Fallback == nil {
		return nil
	}
	var errs []error
	seeded := 0
	for _, ch := range reg.Channels {
		if _, ok, err := reg.Store.LastProcessed(ctx, ch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		} else if ok {
			continue
		}
		id, found, err := reg.Fallback.MaxMessageID(ch)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		if !found {
			reg.Logger.Debug("No backup records for channel", "channel", ch)
			continue
		}
		if _, err := reg.Store.AdvanceCursor(ctx, ch, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		seeded++
		reg.Logger.Info("Seeded cursor from backups", "channel", ch, "message_id", id)
	}
	if seeded > 0 {
		reg.Logger.Info("Cursor seeding finished", "seeded", seeded, "channels", len(reg.Channels))
	}
	return errors.Join(errs...)
}
