// Package recovery handles application restarts gracefully. The debounce
// timers are in-memory only, so a restart can leave buffered events in the
// store with no timer to flush them. Components register recovery logic here
// and the manager runs it once during startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a new recovery manager.
func NewManager() *Manager {
	return &Manager{recoverables: make([]Recoverable, 0)}
}

// Register adds a component to be recovered at startup.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component's recovery. A component failure
// is logged and does not block the others.
func (m *Manager) RecoverAll(ctx context.Context) {
	slog.Info("Recovery starting", "components", len(m.recoverables))
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Recovery component failed", "error", err)
		}
	}
	slog.Info("Recovery complete")
}

// Flusher drains and delivers a conversation's buffered events.
type Flusher interface {
	Flush(key string) error
}

// BufferRecovery flushes buffers whose TTL expired while no process was
// running. Fresh buffers are left alone; a new event will re-arm their
// timer, or a later restart will catch them once the TTL passes.
type BufferRecovery struct {
	store   store.Store
	flusher Flusher
	now     func() time.Time
}

// NewBufferRecovery creates the stale-buffer recovery component.
func NewBufferRecovery(st store.Store, flusher Flusher) *BufferRecovery {
	return &BufferRecovery{store: st, flusher: flusher, now: time.Now}
}

// RecoverState flushes every non-empty buffer past its TTL.
func (b *BufferRecovery) RecoverState(ctx context.Context) error {
	keys, err := b.store.ListExpiredBufferKeys(b.now())
	if err != nil {
		return fmt.Errorf("failed to list expired buffers: %w", err)
	}
	if len(keys) == 0 {
		slog.Debug("BufferRecovery found no stale buffers")
		return nil
	}
	slog.Info("BufferRecovery flushing stale buffers", "count", len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.flusher.Flush(key); err != nil {
			slog.Error("BufferRecovery flush failed", "error", err, "key", key)
		}
	}
	return nil
}
