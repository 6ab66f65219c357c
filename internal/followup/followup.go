// Package followup implements the staged follow-up timeline for leads that
// have gone quiet. A periodic scan finds leads whose next stage is due and a
// state machine advances each one through up to four timed follow-up
// messages, gated by business hours and a disengagement classifier.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Constants for the follow-up timeline
const (
	// BusinessHoursStart is the first hour (inclusive) sends are permitted
	BusinessHoursStart = 7
	// BusinessHoursEnd is the hour (exclusive) after which sends are blocked
	BusinessHoursEnd = 21
	// FragmentDelimiter separates fragments in generated follow-up text
	FragmentDelimiter = "|||"
	// DefaultFragmentDelay is the pause between fragment sends
	DefaultFragmentDelay = 2 * time.Second
	// DefaultScanInterval is how often the periodic driver runs
	DefaultScanInterval = 5 * time.Minute
	// DefaultCallTimeout bounds each external call so one stuck lead cannot
	// stall the batch
	DefaultCallTimeout = 30 * time.Second
	// MinHistoryForClassification is the minimum history size before the
	// disengagement gate has enough signal to run
	MinHistoryForClassification = 2
)

// stageOffsets maps a stage number to its delay from the previous send.
var stageOffsets = map[int]time.Duration{
	1: 30 * time.Minute,
	2: 4 * time.Hour,
	3: 12 * time.Hour,
	4: 24 * time.Hour,
}

var (
	// ErrEmptyGeneration is returned when the generator produced no usable fragments
	ErrEmptyGeneration = errors.New("generator returned no usable fragments")
	// ErrAlreadyArmed is returned when arming a lead that already advanced
	ErrAlreadyArmed = errors.New("lead already has follow-up stages sent")
)

// StageOffset returns the delay before the given stage relative to the
// previous send, or zero for stages outside the timeline.
func StageOffset(stage int) time.Duration {
	return stageOffsets[stage]
}

// Sender delivers outbound messages to a conversation.
type Sender interface {
	SendText(ctx context.Context, key, text string) error
}

// Analyzer classifies conversation history for disengagement.
type Analyzer interface {
	ClassifyDisengagement(ctx context.Context, history []models.HistoryMessage) (bool, error)
}

// Generator produces follow-up message text for a stage. Fragments are
// separated by FragmentDelimiter.
type Generator interface {
	GenerateFollowUp(ctx context.Context, key string, stage int, history []models.HistoryMessage) (string, error)
}

// Opts holds configuration for the follow-up manager.
type Opts struct {
	Location      *time.Location
	FragmentDelay time.Duration
	CallTimeout   time.Duration
	Clock         func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithLocation sets the timezone used for the business-hours gate.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithFragmentDelay overrides the pause between fragment sends.
func WithFragmentDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.FragmentDelay = d
	}
}

// WithCallTimeout overrides the per-call timeout for external collaborators.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.CallTimeout = d
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// Manager drives the follow-up state machine over due leads.
type Manager struct {
	store         store.Store
	sender        Sender
	analyzer      Analyzer
	generator     Generator
	loc           *time.Location
	fragmentDelay time.Duration
	callTimeout   time.Duration
	now           func() time.Time
}

// NewManager creates a follow-up manager. All four collaborators are
// required; a nil collaborator is a configuration error at startup.
func NewManager(st store.Store, sender Sender, analyzer Analyzer, generator Generator, opts ...Option) (*Manager, error) {
	if st == nil || sender == nil || analyzer == nil || generator == nil {
		return nil, fmt.Errorf("follow-up manager requires store, sender, analyzer, and generator")
	}
	cfg := Opts{
		Location:      time.Local,
		FragmentDelay: DefaultFragmentDelay,
		CallTimeout:   DefaultCallTimeout,
		Clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewManager invoked", "location", cfg.Location.String(), "fragment_delay", cfg.FragmentDelay)
	return &Manager{
		store:         st,
		sender:        sender,
		analyzer:      analyzer,
		generator:     generator,
		loc:           cfg.Location,
		fragmentDelay: cfg.FragmentDelay,
		callTimeout:   cfg.CallTimeout,
		now:           cfg.Clock,
	}, nil
}

// WithinBusinessHours reports whether t falls inside [07:00, 21:00) in loc.
func WithinBusinessHours(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return h >= BusinessHoursStart && h < BusinessHoursEnd
}

// SnapToBusinessHours returns t unchanged when it falls inside business
// hours, otherwise the start of the next business window: 07:00 the same
// day when t is before 07:00, 07:00 the next day otherwise.
func SnapToBusinessHours(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	if WithinBusinessHours(local, loc) {
		return t
	}
	day := local
	if local.Hour() >= BusinessHoursEnd {
		day = local.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), BusinessHoursStart, 0, 0, 0, loc)
}

// SplitFragments splits generated text on the fragment delimiter and drops
// empty or whitespace-only fragments.
func SplitFragments(text string) []string {
	var fragments []string
	for _, part := range strings.Split(text, FragmentDelimiter) {
		part = strings.TrimSpace(part)
		if part != "" {
			fragments = append(fragments, part)
		}
	}
	return fragments
}

// ScanEligible returns leads due for their next stage: nextDueAt at or
// before now, stageSent below the cap, and no terminal tag. Pure query,
// no mutation.
func (m *Manager) ScanEligible(now time.Time) ([]models.Lead, error) {
	due, err := m.store.QueryDueLeads(now)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due leads: %w", err)
	}
	eligible := make([]models.Lead, 0, len(due))
	for _, lead := range due {
		if lead.HasTerminalTag() {
			continue
		}
		eligible = append(eligible, lead)
	}
	return eligible, nil
}

// ProcessDueLeads runs one scan pass and advances every eligible lead.
// A failure in one lead is logged and isolated; the lead keeps its prior
// state and is retried on the next pass.
func (m *Manager) ProcessDueLeads(ctx context.Context) {
	now := m.now()
	eligible, err := m.ScanEligible(now)
	if err != nil {
		slog.Error("FollowUp scan failed", "error", err)
		return
	}
	if len(eligible) == 0 {
		slog.Debug("FollowUp scan found no due leads")
		return
	}
	slog.Info("FollowUp processing due leads", "count", len(eligible))
	for _, lead := range eligible {
		if err := m.ProcessLead(ctx, lead.Phone); err != nil {
			slog.Error("FollowUp lead processing failed", "error", err, "phone", lead.Phone)
		}
	}
}

// ProcessLead advances a single lead through one state-machine transition.
// Eligibility is re-read from the store before any mutation.
func (m *Manager) ProcessLead(ctx context.Context, phone string) error {
	now := m.now()

	lead, err := m.store.GetLead(phone)
	if err != nil {
		return fmt.Errorf("failed to re-read lead %s: %w", phone, err)
	}
	// Re-check eligibility: state may have moved between scan and now.
	if lead == nil || lead.HasTerminalTag() || lead.Exhausted() {
		slog.Debug("FollowUp lead no longer eligible", "phone", phone)
		return nil
	}
	if lead.NextDueAt == nil || lead.NextDueAt.After(now) {
		slog.Debug("FollowUp lead no longer due", "phone", phone)
		return nil
	}

	// Business-hours gate: outside the window, reschedule without advancing.
	if !WithinBusinessHours(now, m.loc) {
		rescheduled := SnapToBusinessHours(now, m.loc)
		if err := m.store.UpdateLead(phone, models.LeadUpdate{NextDueAt: &rescheduled}); err != nil {
			return fmt.Errorf("failed to reschedule lead %s: %w", phone, err)
		}
		slog.Info("FollowUp rescheduled outside business hours", "phone", phone, "next_due_at", rescheduled)
		return nil
	}

	history, err := m.store.GetRecentHistory(phone, store.DefaultHistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to read history for %s: %w", phone, err)
	}

	// Disengagement gate: with enough signal, a positive classification is
	// a one-way exit from the timeline.
	if len(history) >= MinHistoryForClassification {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		disengaged, err := m.analyzer.ClassifyDisengagement(callCtx, history)
		cancel()
		if err != nil {
			return fmt.Errorf("disengagement classification failed for %s: %w", phone, err)
		}
		if disengaged {
			if err := m.disengage(phone); err != nil {
				return err
			}
			slog.Info("FollowUp lead classified disengaged", "phone", phone, "stage", lead.StageSent)
			return nil
		}
	}

	targetStage := lead.StageSent + 1

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	raw, err := m.generator.GenerateFollowUp(callCtx, phone, targetStage, history)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to generate stage %d for %s: %w", targetStage, phone, err)
	}
	fragments := SplitFragments(raw)
	if len(fragments) == 0 {
		return fmt.Errorf("stage %d for %s: %w", targetStage, phone, ErrEmptyGeneration)
	}

	sentAt, err := m.deliver(ctx, phone, fragments)
	if err != nil {
		// Lead stays un-advanced so the same stage retries next tick.
		return fmt.Errorf("failed to deliver stage %d to %s: %w", targetStage, phone, err)
	}

	if err := m.store.AddHistoryMessage(phone, models.RoleAI, strings.Join(fragments, "\n"),
		map[string]string{models.HistoryMetaType: models.HistoryTypeFollowUp}); err != nil {
		slog.Error("FollowUp history record failed", "error", err, "phone", phone)
	}

	update := models.LeadUpdate{StageSent: &targetStage, LastStageAt: &sentAt}
	if targetStage < models.MaxFollowUpStages {
		nextDue := SnapToBusinessHours(sentAt.Add(stageOffsets[targetStage+1]), m.loc)
		update.NextDueAt = &nextDue
	} else {
		update.ClearNextDueAt = true
	}
	if err := m.store.UpdateLead(phone, update); err != nil {
		return fmt.Errorf("failed to advance lead %s to stage %d: %w", phone, targetStage, err)
	}
	if targetStage >= models.MaxFollowUpStages {
		if err := m.store.AddTag(phone, models.TagBreak); err != nil {
			return fmt.Errorf("failed to mark timeline exhausted for %s: %w", phone, err)
		}
	}

	slog.Info("FollowUp stage sent", "phone", phone, "stage", targetStage, "fragments", len(fragments))
	return nil
}

// disengage tags the lead out of the timeline without advancing its stage.
func (m *Manager) disengage(phone string) error {
	if err := m.store.AddTag(phone, models.TagBreak); err != nil {
		return fmt.Errorf("failed to tag %s disengaged: %w", phone, err)
	}
	if err := m.store.UpdateLead(phone, models.LeadUpdate{ClearNextDueAt: true}); err != nil {
		return fmt.Errorf("failed to clear schedule for %s: %w", phone, err)
	}
	return nil
}

// deliver sends the fragments in order with a fixed pause after the first.
func (m *Manager) deliver(ctx context.Context, phone string, fragments []string) (time.Time, error) {
	for i, fragment := range fragments {
		if i > 0 {
			select {
			case <-time.After(m.fragmentDelay):
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		err := m.sender.SendText(callCtx, phone, fragment)
		cancel()
		if err != nil {
			return time.Time{}, fmt.Errorf("fragment %d: %w", i+1, err)
		}
	}
	return m.now(), nil
}

// ArmFirstStage schedules the first follow-up for a lead after its first
// successful reply. Leads that already advanced past stage zero are left
// untouched.
func (m *Manager) ArmFirstStage(phone string) error {
	now := m.now()

	lead, err := m.store.GetLead(phone)
	if err != nil {
		return fmt.Errorf("failed to read lead %s: %w", phone, err)
	}
	if lead != nil {
		if lead.StageSent > 0 {
			return ErrAlreadyArmed
		}
		if lead.HasTerminalTag() {
			slog.Debug("FollowUp arm skipped for tagged-out lead", "phone", phone)
			return nil
		}
	}

	nextDue := SnapToBusinessHours(now.Add(stageOffsets[1]), m.loc)
	fresh := models.Lead{Phone: phone, StageSent: 0, NextDueAt: &nextDue}
	if lead != nil {
		fresh.Tags = lead.Tags
		fresh.CreatedAt = lead.CreatedAt
	}
	if err := m.store.SaveLead(fresh); err != nil {
		return fmt.Errorf("failed to arm first stage for %s: %w", phone, err)
	}
	slog.Info("FollowUp first stage armed", "phone", phone, "next_due_at", nextDue)
	return nil
}
