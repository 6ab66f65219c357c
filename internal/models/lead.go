package models

import "time"

// Follow-up timeline constants
const (
	// MaxFollowUpStages is the number of stages in the follow-up timeline.
	// A lead with StageSent == MaxFollowUpStages is exhausted.
	MaxFollowUpStages = 4
)

// Terminal tags permanently remove a lead from follow-up eligibility.
// They are written once by this system or by external collaborators and
// never cleared here.
const (
	// TagBreak marks a lead whose follow-up timeline was terminated,
	// either by disengagement detection or by exhausting all stages.
	TagBreak = "BREAK"
	// TagNotInterested marks a lead that explicitly declined.
	TagNotInterested = "nao_interessado"
	// TagHumanHandoff marks a lead moved to a human operator.
	TagHumanHandoff = "atendimento_humano"
	// TagMeetingBooked marks a lead with a scheduled meeting.
	TagMeetingBooked = "reuniao_agendada"
)

// TerminalTags returns the set of tags that block follow-up processing.
func TerminalTags() []string {
	return []string{TagBreak, TagNotInterested, TagHumanHandoff, TagMeetingBooked}
}

// Lead holds the per-conversation follow-up state. StageSent is
// monotonically non-decreasing and bounded at MaxFollowUpStages;
// NextDueAt is set only while the lead is still on the timeline.
type Lead struct {
	Phone       string     `json:"phone"`
	StageSent   int        `json:"stage_sent"`
	LastStageAt *time.Time `json:"last_stage_at,omitempty"`
	NextDueAt   *time.Time `json:"next_due_at,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasTag reports whether the lead carries the given tag.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasTerminalTag reports whether any terminal tag is present.
func (l *Lead) HasTerminalTag() bool {
	for _, t := range TerminalTags() {
		if l.HasTag(t) {
			return true
		}
	}
	return false
}

// Exhausted reports whether the follow-up timeline has run out of stages.
func (l *Lead) Exhausted() bool {
	return l.StageSent >= MaxFollowUpStages
}

// LeadUpdate carries partial field updates for a lead. Nil pointers leave
// the stored value untouched.
type LeadUpdate struct {
	StageSent   *int       `json:"stage_sent,omitempty"`
	LastStageAt *time.Time `json:"last_stage_at,omitempty"`
	NextDueAt   *time.Time `json:"next_due_at,omitempty"`
	// ClearNextDueAt removes the scheduled follow-up time entirely.
	// It takes precedence over NextDueAt.
	ClearNextDueAt bool `json:"clear_next_due_at,omitempty"`
}

// History roles for conversation messages.
const (
	// RoleHuman marks a message authored by the lead.
	RoleHuman = "human"
	// RoleAI marks a message authored by the agent.
	RoleAI = "ai"
)

// History metadata keys used by this core.
const (
	// HistoryMetaType is the metadata key recording how a message originated.
	HistoryMetaType = "type"
	// HistoryTypeFollowUp marks an outbound follow-up message in history.
	HistoryTypeFollowUp = "followup"
)

// HistoryMessage is one entry in a conversation's recorded history.
type HistoryMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}
