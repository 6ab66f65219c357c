package engagement

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestTrackerHysteresis(t *testing.T) {
	tr := NewTracker()
	now := time.Now()

	// Repeated strong observations cross the activation threshold.
	for i := 0; i < 10; i++ {
		tr.Observe(1.0, now)
	}
	if tr.Level != LevelEngaged {
		t.Fatalf("expected engaged after strong observations, got %s (score %v)", tr.Level, tr.Score)
	}

	// A single weak observation must not flip the level.
	tr.Observe(0.3, now)
	if tr.Level != LevelEngaged {
		t.Errorf("single weak observation flipped level to %s", tr.Level)
	}

	// Sustained silence eventually crosses the deactivation threshold.
	for i := 0; i < 20; i++ {
		tr.Observe(0.0, now)
	}
	if tr.Level != LevelDisengaged {
		t.Errorf("expected disengaged after sustained silence, got %s (score %v)", tr.Level, tr.Score)
	}
}

func TestAssessHistoryResponsiveLead(t *testing.T) {
	now := time.Now()
	// Most-recent-first, matching store.GetRecentHistory.
	history := []models.HistoryMessage{
		{Role: models.RoleHuman, Content: "Yes, what time works for you? I am free most afternoons this week."},
		{Role: models.RoleAI, Content: "Want to book a call?"},
		{Role: models.RoleHuman, Content: "That sounds interesting, can you tell me more about pricing?"},
		{Role: models.RoleAI, Content: "Hi! Thanks for reaching out."},
		{Role: models.RoleHuman, Content: "Hi, I saw your ad"},
	}
	tr := AssessHistory(history, now)
	if tr.Score <= 0.5 {
		t.Errorf("expected score above neutral for responsive lead, got %v", tr.Score)
	}
}

func TestAssessHistoryUnansweredFollowUps(t *testing.T) {
	now := time.Now()
	meta := map[string]string{models.HistoryMetaType: models.HistoryTypeFollowUp}
	history := []models.HistoryMessage{
		{Role: models.RoleAI, Content: "Last try, still there?", Meta: meta},
		{Role: models.RoleAI, Content: "Just checking in again", Meta: meta},
		{Role: models.RoleAI, Content: "Just checking in", Meta: meta},
		{Role: models.RoleHuman, Content: "hi"},
	}
	tr := AssessHistory(history, now)
	if tr.Score >= 0.5 {
		t.Errorf("expected score below neutral after unanswered follow-ups, got %v", tr.Score)
	}
}

func TestBuildEngagementGuide(t *testing.T) {
	if got := BuildEngagementGuide(LevelNeutral); got != "" {
		t.Errorf("expected empty guide for neutral, got %q", got)
	}
	if got := BuildEngagementGuide(LevelEngaged); !strings.Contains(got, "responsive") {
		t.Errorf("unexpected engaged guide: %q", got)
	}
	if got := BuildEngagementGuide(LevelDisengaged); !strings.Contains(got, "quiet") {
		t.Errorf("unexpected disengaged guide: %q", got)
	}
}
