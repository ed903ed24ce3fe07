// Package recovery restores fetch state when ChannelPipe starts, so the first
// cycle after a crash or a cache flush resumes where the last process stopped.
// Components register as Recoverables and the Manager runs them in order.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// Name identifies the component in logs
	Name() string
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *Registry) error
}

// CursorStore is the part of the cursor store recovery works with.
type CursorStore interface {
	LastProcessed(ctx context.Context, channelID string) (int64, bool, error)
	AdvanceCursor(ctx context.Context, channelID string, messageID int64) (bool, error)
	LockAge(ctx context.Context) (time.Duration, bool, error)
	LockTimeout() time.Duration
	ReclaimStaleLockIfExpired(ctx context.Context) (bool, error)
	ReleaseFetchLock(ctx context.Context) error
}

// FallbackReader recovers cursors from durable records.
type FallbackReader interface {
	MaxMessageID(channelID string) (int64, bool, error)
}

// Registry provides services that components can use during recovery
type Registry struct {
	Store    CursorStore
	Fallback FallbackReader
	Channels []string
	Logger   *slog.Logger
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a new recovery manager
func NewManager(registry *Registry) *Manager {
	if registry.Logger == nil {
		registry.Logger = slog.Default()
	}
	return &Manager{registry: registry}
}

// RegisterRecoverable adds a component that can be recovered
func (m *Manager) RegisterRecoverable(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component. A failing component does not
// stop the others; the returned error counts the failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	logger := m.registry.Logger
	logger.Info("Starting startup recovery", "components", len(m.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := recoverable.RecoverState(ctx, m.registry); err != nil {
			logger.Error("Component recovery failed", "error", err, "component", recoverable.Name())
			errorCount++
			continue
		}
		recoveredCount++
	}

	logger.Info("Startup recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.recoverables))
	}
	return nil
}
