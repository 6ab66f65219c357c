// Package engagement derives a smoothed engagement level for a lead from
// recent conversation history. Raw per-message observations are noisy, so
// the tracker applies EMA smoothing with hysteresis between levels and the
// result is injected into follow-up prompts as a compact guide.
package engagement

import (
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Level classifies a lead's current responsiveness.
type Level string

const (
	LevelEngaged    Level = "engaged"
	LevelNeutral    Level = "neutral"
	LevelDisengaged Level = "disengaged"
)

const (
	alpha              = float32(0.2)
	engageThreshold    = float32(0.65)
	disengageThreshold = float32(0.35)

	// Observation weights for human messages.
	baseObservation     = float32(0.4)
	questionBonus       = float32(0.25)
	lengthBonus         = float32(0.2)
	lengthBonusMinChars = 60

	// Observation for an unanswered follow-up.
	unansweredFollowUp = float32(0.1)
)

// Tracker holds the smoothed engagement state for one lead.
type Tracker struct {
	Score         float32   `json:"score"`
	Level         Level     `json:"level"`
	LastUpdatedAt time.Time `json:"last_updated_at,omitempty"`
}

// NewTracker returns a tracker starting at the neutral midpoint.
func NewTracker() *Tracker {
	return &Tracker{Score: 0.5, Level: LevelNeutral}
}

// Observe folds one observation in [0,1] into the smoothed score and
// re-evaluates the level. Between the thresholds the current level is kept.
func (t *Tracker) Observe(obs float32, now time.Time) {
	t.Score = clamp((1-alpha)*t.Score + alpha*clamp(obs))
	t.LastUpdatedAt = now

	if t.Score >= engageThreshold {
		t.Level = LevelEngaged
	} else if t.Score <= disengageThreshold {
		t.Level = LevelDisengaged
	}
	// Between thresholds: keep current level (hysteresis).
}

// scoreMessage rates a single human message.
func scoreMessage(content string) float32 {
	obs := baseObservation
	if strings.Contains(content, "?") {
		obs += questionBonus
	}
	if len(strings.TrimSpace(content)) >= lengthBonusMinChars {
		obs += lengthBonus
	}
	return clamp(obs)
}

// AssessHistory replays recent history oldest-first through a fresh tracker.
// Human messages raise the score; follow-ups that drew no reply lower it.
// The input is most-recent-first, matching store.GetRecentHistory.
func AssessHistory(history []models.HistoryMessage, now time.Time) *Tracker {
	t := NewTracker()
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		switch msg.Role {
		case models.RoleHuman:
			t.Observe(scoreMessage(msg.Content), now)
		case models.RoleAI:
			if msg.Meta[models.HistoryMetaType] != models.HistoryTypeFollowUp {
				continue
			}
			// A follow-up is unanswered when no human message follows it.
			answered := false
			for j := i - 1; j >= 0; j-- {
				if history[j].Role == models.RoleHuman {
					answered = true
					break
				}
			}
			if !answered {
				t.Observe(unansweredFollowUp, now)
			}
		}
	}
	return t
}

// BuildEngagementGuide produces a short instruction snippet for injection
// into follow-up generation prompts. Returns an empty string for neutral.
func BuildEngagementGuide(level Level) string {
	switch level {
	case LevelEngaged:
		return "\n<ENGAGEMENT>\nThe lead has been responsive recently. Be direct and move the conversation toward a concrete next step.\n</ENGAGEMENT>\n"
	case LevelDisengaged:
		return "\n<ENGAGEMENT>\nThe lead has gone quiet. Keep the message short and low-pressure, and make it easy to reply with a single word.\n</ENGAGEMENT>\n"
	default:
		return ""
	}
}

func clamp(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round to 4 decimal places to avoid floating point drift.
	return float32(math.Round(float64(v)*10000) / 10000)
}
