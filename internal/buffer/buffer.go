// Package buffer implements the debounce aggregator. Inbound events for a
// conversation accumulate in a durable buffer while a per-key quiet-period
// timer restarts on every arrival. When the timer expires the buffer is
// drained, merged into a single payload, and handed to the processing
// callback exactly once.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Constants for debounce aggregator defaults
const (
	// DefaultQuietWindow defines how long a conversation must stay silent
	// before its buffered events are flushed
	DefaultQuietWindow = 30 * time.Second
	// DefaultBufferTTL bounds unattended buffer growth in the store
	DefaultBufferTTL = 60 * time.Second
)

var (
	// ErrAggregatorStopped is returned when submitting to a stopped aggregator
	ErrAggregatorStopped = errors.New("aggregator stopped")
)

// Store is the subset of the durable store the aggregator needs.
type Store interface {
	PushEvent(key string, event models.BufferedEvent, expiresAt time.Time) error
	DrainAndClear(key string) ([]models.BufferedEvent, error)
}

// FlushFunc receives the merged payload for one quiet period.
type FlushFunc func(turn models.MergedTurn)

// Opts holds configuration for the aggregator.
type Opts struct {
	QuietWindow time.Duration
	BufferTTL   time.Duration
}

// Option configures an Aggregator.
type Option func(*Opts)

// WithQuietWindow overrides the debounce window.
func WithQuietWindow(w time.Duration) Option {
	return func(o *Opts) {
		o.QuietWindow = w
	}
}

// WithBufferTTL overrides the stored-buffer expiry.
func WithBufferTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.BufferTTL = ttl
	}
}

// Aggregator coalesces bursts of events per conversation key. Submit and
// timer expiry race on the same key; the mutex over the timer map serializes
// them so the cancel-then-rearm transition is atomic.
type Aggregator struct {
	store  Store
	flush  FlushFunc
	window time.Duration
	ttl    time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewAggregator creates an aggregator delivering merged payloads to flush.
func NewAggregator(store Store, flush FlushFunc, opts ...Option) *Aggregator {
	cfg := Opts{QuietWindow: DefaultQuietWindow, BufferTTL: DefaultBufferTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewAggregator invoked", "window", cfg.QuietWindow, "ttl", cfg.BufferTTL)
	return &Aggregator{
		store:  store,
		flush:  flush,
		window: cfg.QuietWindow,
		ttl:    cfg.BufferTTL,
		timers: make(map[string]*time.Timer),
	}
}

// Submit appends an event to the conversation's buffer and restarts the
// quiet-period timer. It returns immediately; the flush happens on the
// timer goroutine after the window elapses with no further submissions.
func (a *Aggregator) Submit(key string, event models.BufferedEvent) error {
	if key == "" {
		return models.ErrEmptyConversationKey
	}
	if err := event.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrAggregatorStopped
	}
	if err := a.store.PushEvent(key, event, time.Now().Add(a.ttl)); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to buffer event for %s: %w", key, err)
	}
	if t, ok := a.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(a.window, func() {
		a.fire(key, timer)
	})
	a.timers[key] = timer
	a.mu.Unlock()

	slog.Debug("Aggregator Submit buffered event", "key", key, "event_id", event.ID)
	return nil
}

// fire runs on timer expiry. A submission racing with expiry either stops
// this timer first, in which case timers[key] no longer points at it and
// fire returns without draining, or it lands in the store before the drain
// and rides along in this payload.
func (a *Aggregator) fire(key string, timer *time.Timer) {
	a.mu.Lock()
	if a.timers[key] != timer {
		a.mu.Unlock()
		return
	}
	delete(a.timers, key)
	a.mu.Unlock()

	if err := a.deliver(key); err != nil {
		slog.Error("Aggregator flush failed", "error", err, "key", key)
	}
}

// Flush drains and delivers the conversation's buffer immediately,
// cancelling any pending timer. Used for manual flushes and restart
// recovery of stale buffers.
func (a *Aggregator) Flush(key string) error {
	a.mu.Lock()
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}
	a.mu.Unlock()
	return a.deliver(key)
}

func (a *Aggregator) deliver(key string) error {
	events, err := a.store.DrainAndClear(key)
	if err != nil {
		return fmt.Errorf("failed to drain buffer for %s: %w", key, err)
	}
	if len(events) == 0 {
		slog.Debug("Aggregator deliver skipped empty buffer", "key", key)
		return nil
	}
	turn := models.MergedTurn{
		Key:     key,
		Content: MergeEvents(events),
		Events:  events,
	}
	slog.Info("Aggregator flushing merged payload", "key", key, "events", len(events))
	a.flush(turn)
	return nil
}

// ActiveKeys returns the conversation keys with a pending flush timer.
func (a *Aggregator) ActiveKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.timers))
	for key := range a.timers {
		keys = append(keys, key)
	}
	return keys
}

// Stop cancels all pending timers and rejects further submissions.
// Buffered events stay in the store for restart recovery.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	for key, t := range a.timers {
		t.Stop()
		delete(a.timers, key)
	}
	slog.Debug("Aggregator stopped")
}

// MergeEvents concatenates event text in arrival order separated by
// newlines, then appends one manifest line per media attachment.
func MergeEvents(events []models.BufferedEvent) string {
	var parts []string
	var manifest []string
	for _, e := range events {
		if strings.TrimSpace(e.Content) != "" {
			parts = append(parts, e.Content)
		}
		if e.HasMedia() {
			manifest = append(manifest, fmt.Sprintf("[%s attachment: %s]", e.MediaKind, e.MediaRef))
		}
	}
	merged := strings.Join(parts, "\n")
	if len(manifest) > 0 {
		if merged != "" {
			merged += "\n"
		}
		merged += strings.Join(manifest, "\n")
	}
	return merged
}
