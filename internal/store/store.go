// Package store provides storage backends for LeadPipe.
//
// It implements the durable keyed store both core subsystems rely on: the
// per-conversation debounce buffer, the conversation history, and the lead
// follow-up state. SQLite and PostgreSQL backends share one schema; an
// in-memory backend backs tests and DSN-less runs.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Constants for store behavior shared by all backends
const (
	// DefaultHistoryLimit bounds how many messages are retained per conversation
	DefaultHistoryLimit = 100
	// DefaultHistoryRetention bounds how long history entries are retained
	DefaultHistoryRetention = 168 * time.Hour
)

// Store is the durable keyed store consumed by the debounce aggregator and
// the follow-up engine. Implementations must make DrainAndClear atomic: an
// event pushed concurrently with a drain is either included in the drained
// batch or left for the next window, never lost or duplicated.
type Store interface {
	// PushEvent appends an event to the conversation's pending buffer and
	// extends the buffer's expiry to expiresAt.
	PushEvent(key string, event models.BufferedEvent, expiresAt time.Time) error
	// DrainAndClear atomically removes and returns all buffered events for
	// the conversation in arrival order.
	DrainAndClear(key string) ([]models.BufferedEvent, error)
	// ListExpiredBufferKeys returns conversations holding buffered events
	// whose expiry has passed at the given instant. Used by startup recovery.
	ListExpiredBufferKeys(now time.Time) ([]string, error)

	// AddHistoryMessage appends a message to the conversation history,
	// trimming entries beyond the retention limits.
	AddHistoryMessage(key, role, content string, meta map[string]string) error
	// GetRecentHistory returns up to limit history messages, most recent first.
	GetRecentHistory(key string, limit int) ([]models.HistoryMessage, error)

	// GetLead returns the lead record for the phone, or nil if absent.
	GetLead(phone string) (*models.Lead, error)
	// SaveLead inserts or replaces the full lead record.
	SaveLead(lead models.Lead) error
	// UpdateLead applies a partial update to an existing lead.
	UpdateLead(phone string, update models.LeadUpdate) error
	// AddTag adds a tag to the lead if not already present.
	AddTag(phone, tag string) error
	// QueryDueLeads returns leads with next_due_at <= now and stage_sent
	// below the terminal stage. Tag filtering is the caller's concern.
	QueryDueLeads(now time.Time) ([]models.Lead, error)

	// Close releases backend resources.
	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store for tests and
// ephemeral runs without a database DSN.
type InMemoryStore struct {
	mu            sync.Mutex
	buffers       map[string][]models.BufferedEvent
	bufferExpiry  map[string]time.Time
	history       map[string][]models.HistoryMessage
	leads         map[string]models.Lead
	historyLimit  int
	historyMaxAge time.Duration
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buffers:       make(map[string][]models.BufferedEvent),
		bufferExpiry:  make(map[string]time.Time),
		history:       make(map[string][]models.HistoryMessage),
		leads:         make(map[string]models.Lead),
		historyLimit:  DefaultHistoryLimit,
		historyMaxAge: DefaultHistoryRetention,
	}
}

// PushEvent appends an event to the conversation's buffer.
func (s *InMemoryStore) PushEvent(key string, event models.BufferedEvent, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[key] = append(s.buffers[key], event)
	s.bufferExpiry[key] = expiresAt
	return nil
}

// DrainAndClear atomically removes and returns the conversation's buffered events.
func (s *InMemoryStore) DrainAndClear(key string) ([]models.BufferedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.buffers[key]
	delete(s.buffers, key)
	delete(s.bufferExpiry, key)
	return events, nil
}

// ListExpiredBufferKeys returns conversations whose buffer expiry has passed.
func (s *InMemoryStore) ListExpiredBufferKeys(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, expiry := range s.bufferExpiry {
		if len(s.buffers[key]) > 0 && !expiry.After(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AddHistoryMessage appends a message to the conversation history.
func (s *InMemoryStore) AddHistoryMessage(key, role, content string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.history[key], models.HistoryMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Meta:      meta,
	})
	if len(msgs) > s.historyLimit {
		msgs = msgs[len(msgs)-s.historyLimit:]
	}
	s.history[key] = msgs
	return nil
}

// GetRecentHistory returns up to limit messages, most recent first.
func (s *InMemoryStore) GetRecentHistory(key string, limit int) ([]models.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.history[key]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]models.HistoryMessage, 0, limit)
	for i := len(msgs) - 1; i >= len(msgs)-limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

// GetLead returns the lead record, or nil if absent.
func (s *InMemoryStore) GetLead(phone string) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[phone]
	if !ok {
		return nil, nil
	}
	copied := lead
	copied.Tags = append([]string(nil), lead.Tags...)
	return &copied, nil
}

// SaveLead inserts or replaces the lead record.
func (s *InMemoryStore) SaveLead(lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		if existing, ok := s.leads[lead.Phone]; ok {
			lead.CreatedAt = existing.CreatedAt
		} else {
			lead.CreatedAt = now
		}
	}
	lead.UpdatedAt = now
	s.leads[lead.Phone] = lead
	return nil
}

// UpdateLead applies a partial update to an existing lead.
func (s *InMemoryStore) UpdateLead(phone string, update models.LeadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[phone]
	if !ok {
		return ErrLeadNotFound
	}
	if update.StageSent != nil {
		lead.StageSent = *update.StageSent
	}
	if update.LastStageAt != nil {
		t := *update.LastStageAt
		lead.LastStageAt = &t
	}
	if update.ClearNextDueAt {
		lead.NextDueAt = nil
	} else if update.NextDueAt != nil {
		t := *update.NextDueAt
		lead.NextDueAt = &t
	}
	lead.UpdatedAt = time.Now().UTC()
	s.leads[phone] = lead
	return nil
}

// AddTag adds a tag to the lead if not already present.
func (s *InMemoryStore) AddTag(phone, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[phone]
	if !ok {
		return ErrLeadNotFound
	}
	for _, t := range lead.Tags {
		if t == tag {
			return nil
		}
	}
	lead.Tags = append(lead.Tags, tag)
	lead.UpdatedAt = time.Now().UTC()
	s.leads[phone] = lead
	return nil
}

// QueryDueLeads returns leads due for follow-up processing at the given instant.
func (s *InMemoryStore) QueryDueLeads(now time.Time) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Lead
	for _, lead := range s.leads {
		if lead.NextDueAt == nil || lead.NextDueAt.After(now) {
			continue
		}
		if lead.StageSent >= models.MaxFollowUpStages {
			continue
		}
		copied := lead
		copied.Tags = append([]string(nil), lead.Tags...)
		due = append(due, copied)
	}
	sort.Slice(due, func(i, j int) bool {
		return strings.Compare(due[i].Phone, due[j].Phone) < 0
	})
	return due, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
