package followup

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

type mockSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *mockSender) SendText(ctx context.Context, key, text string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

type mockAnalyzer struct {
	disengaged bool
	err        error
	calls      int
}

func (a *mockAnalyzer) ClassifyDisengagement(ctx context.Context, history []models.HistoryMessage) (bool, error) {
	a.calls++
	return a.disengaged, a.err
}

type mockGenerator struct {
	text string
	err  error
}

func (g *mockGenerator) GenerateFollowUp(ctx context.Context, key string, stage int, history []models.HistoryMessage) (string, error) {
	return g.text, g.err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("bad test time %q: %v", value, err)
	}
	return ts
}

func newTestManager(t *testing.T, st store.Store, sender Sender, analyzer Analyzer, generator Generator, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager(st, sender, analyzer, generator,
		WithLocation(time.UTC),
		WithClock(clock.Now),
		WithFragmentDelay(0))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	if _, err := NewManager(nil, &mockSender{}, &mockAnalyzer{}, &mockGenerator{}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewManager(store.NewInMemoryStore(), nil, &mockAnalyzer{}, &mockGenerator{}); err == nil {
		t.Error("expected error for nil sender")
	}
}

func TestSnapToBusinessHours(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"before open snaps to same day", "2026-08-24 06:59", "2026-08-24 07:00"},
		{"after close snaps to next day", "2026-08-24 21:05", "2026-08-25 07:00"},
		{"midday unchanged", "2026-08-24 14:00", "2026-08-24 14:00"},
		{"midnight snaps to same day", "2026-08-24 00:30", "2026-08-24 07:00"},
		{"open boundary unchanged", "2026-08-24 07:00", "2026-08-24 07:00"},
		{"close boundary snaps to next day", "2026-08-24 21:00", "2026-08-25 07:00"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SnapToBusinessHours(at(t, c.in), time.UTC)
			if !got.Equal(at(t, c.want)) {
				t.Errorf("SnapToBusinessHours(%s) = %s, want %s", c.in, got, c.want)
			}
		})
	}
}

func TestSplitFragments(t *testing.T) {
	got := SplitFragments("first|||  ||| second ||||||third")
	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitFragments = %v, want %v", got, want)
	}
	if got := SplitFragments("   "); got != nil {
		t.Errorf("expected no fragments for blank text, got %v", got)
	}
}

func TestProcessLeadAdvancesThroughAllStages(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	generator := &mockGenerator{text: "hey|||still around?"}
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	m := newTestManager(t, st, sender, &mockAnalyzer{}, generator, clock)

	if err := m.ArmFirstStage("+15551230001"); err != nil {
		t.Fatalf("ArmFirstStage failed: %v", err)
	}

	for stage := 1; stage <= models.MaxFollowUpStages; stage++ {
		lead, err := st.GetLead("+15551230001")
		if err != nil || lead == nil {
			t.Fatalf("GetLead failed: %v", err)
		}
		if lead.NextDueAt == nil {
			t.Fatalf("stage %d: expected next due time", stage)
		}
		// Jump past the due time, staying inside business hours.
		clock.mu.Lock()
		clock.t = SnapToBusinessHours(lead.NextDueAt.Add(time.Minute), time.UTC)
		clock.mu.Unlock()

		if err := m.ProcessLead(context.Background(), "+15551230001"); err != nil {
			t.Fatalf("ProcessLead stage %d failed: %v", stage, err)
		}
		lead, _ = st.GetLead("+15551230001")
		if lead.StageSent != stage {
			t.Fatalf("expected stageSent=%d, got %d", stage, lead.StageSent)
		}
	}

	lead, _ := st.GetLead("+15551230001")
	if lead.StageSent != models.MaxFollowUpStages {
		t.Errorf("expected stageSent=%d, got %d", models.MaxFollowUpStages, lead.StageSent)
	}
	if !lead.HasTag(models.TagBreak) {
		t.Error("expected BREAK tag after final stage")
	}
	if lead.NextDueAt != nil {
		t.Errorf("expected no next due time after final stage, got %v", lead.NextDueAt)
	}
	// Two fragments per stage, four stages.
	if len(sender.sent) != 2*models.MaxFollowUpStages {
		t.Errorf("expected %d fragment sends, got %d", 2*models.MaxFollowUpStages, len(sender.sent))
	}
	if sender.sent[0] != "hey" || sender.sent[1] != "still around?" {
		t.Errorf("fragments out of order: %v", sender.sent[:2])
	}
}

func TestProcessLeadReschedulesOutsideBusinessHours(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	clock := &fakeClock{t: at(t, "2026-08-24 22:00")}
	m := newTestManager(t, st, sender, &mockAnalyzer{}, &mockGenerator{text: "hi"}, clock)

	due := at(t, "2026-08-24 21:30")
	if err := st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 0, NextDueAt: &due}); err != nil {
		t.Fatalf("SaveLead failed: %v", err)
	}

	if err := m.ProcessLead(context.Background(), "+15551230001"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}

	lead, _ := st.GetLead("+15551230001")
	if lead.StageSent != 0 {
		t.Errorf("reschedule must not advance stage, got %d", lead.StageSent)
	}
	want := at(t, "2026-08-25 07:00")
	if lead.NextDueAt == nil || !lead.NextDueAt.Equal(want) {
		t.Errorf("expected reschedule to %s, got %v", want, lead.NextDueAt)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no sends outside business hours, got %v", sender.sent)
	}
}

func TestProcessLeadDisengagementShortCircuit(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	analyzer := &mockAnalyzer{disengaged: true}
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	m := newTestManager(t, st, sender, analyzer, &mockGenerator{text: "hi"}, clock)

	due := at(t, "2026-08-24 13:00")
	if err := st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 1, NextDueAt: &due}); err != nil {
		t.Fatalf("SaveLead failed: %v", err)
	}
	st.AddHistoryMessage("+15551230001", models.RoleHuman, "hi", nil)
	st.AddHistoryMessage("+15551230001", models.RoleAI, "hello! how can I help?", nil)

	if err := m.ProcessLead(context.Background(), "+15551230001"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}

	lead, _ := st.GetLead("+15551230001")
	if !lead.HasTag(models.TagBreak) {
		t.Error("expected BREAK tag for disengaged lead")
	}
	if lead.StageSent != 1 {
		t.Errorf("disengagement must not advance stage, got %d", lead.StageSent)
	}
	if lead.NextDueAt != nil {
		t.Errorf("expected schedule cleared, got %v", lead.NextDueAt)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected zero sends, got %v", sender.sent)
	}
}

func TestProcessLeadSkipsGateOnThinHistory(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	analyzer := &mockAnalyzer{disengaged: true}
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	m := newTestManager(t, st, sender, analyzer, &mockGenerator{text: "hi"}, clock)

	due := at(t, "2026-08-24 13:00")
	st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 0, NextDueAt: &due})
	st.AddHistoryMessage("+15551230001", models.RoleHuman, "hi", nil)

	if err := m.ProcessLead(context.Background(), "+15551230001"); err != nil {
		t.Fatalf("ProcessLead failed: %v", err)
	}
	if analyzer.calls != 0 {
		t.Errorf("expected classifier skipped with thin history, called %d times", analyzer.calls)
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected one send, got %v", sender.sent)
	}
}

func TestProcessLeadDeliveryFailureLeavesStateUnchanged(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{err: errors.New("carrier unavailable")}
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	m := newTestManager(t, st, sender, &mockAnalyzer{}, &mockGenerator{text: "hi"}, clock)

	due := at(t, "2026-08-24 13:00")
	st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 1, NextDueAt: &due})

	if err := m.ProcessLead(context.Background(), "+15551230001"); err == nil {
		t.Fatal("expected delivery error")
	}
	lead, _ := st.GetLead("+15551230001")
	if lead.StageSent != 1 {
		t.Errorf("failed delivery must not advance stage, got %d", lead.StageSent)
	}
	if lead.NextDueAt == nil || !lead.NextDueAt.Equal(due) {
		t.Errorf("failed delivery must keep due time, got %v", lead.NextDueAt)
	}
}

func TestProcessDueLeadsIsolatesFailures(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	generator := &perKeyGenerator{
		texts: map[string]string{"+15551230002": "hello again"},
		errs:  map[string]error{"+15551230001": errors.New("model overloaded")},
	}
	m := newTestManager(t, st, sender, &mockAnalyzer{}, generator, clock)

	due := at(t, "2026-08-24 13:00")
	st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 0, NextDueAt: &due})
	st.SaveLead(models.Lead{Phone: "+15551230002", StageSent: 0, NextDueAt: &due})

	m.ProcessDueLeads(context.Background())

	failed, _ := st.GetLead("+15551230001")
	ok, _ := st.GetLead("+15551230002")
	if failed.StageSent != 0 {
		t.Errorf("failed lead must stay at stage 0, got %d", failed.StageSent)
	}
	if ok.StageSent != 1 {
		t.Errorf("healthy lead must advance to stage 1, got %d", ok.StageSent)
	}
}

type perKeyGenerator struct {
	texts map[string]string
	errs  map[string]error
}

func (g *perKeyGenerator) GenerateFollowUp(ctx context.Context, key string, stage int, history []models.HistoryMessage) (string, error) {
	if err := g.errs[key]; err != nil {
		return "", err
	}
	return g.texts[key], nil
}

func TestScanEligibleFiltersAndIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	m := newTestManager(t, st, &mockSender{}, &mockAnalyzer{}, &mockGenerator{text: "hi"}, clock)

	due := at(t, "2026-08-24 13:00")
	st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 1, NextDueAt: &due})
	st.SaveLead(models.Lead{Phone: "+15551230002", StageSent: 1, NextDueAt: &due, Tags: []string{models.TagHumanHandoff}})
	st.SaveLead(models.Lead{Phone: "+15551230003", StageSent: models.MaxFollowUpStages, NextDueAt: &due})

	first, err := m.ScanEligible(clock.Now())
	if err != nil {
		t.Fatalf("ScanEligible failed: %v", err)
	}
	if len(first) != 1 || first[0].Phone != "+15551230001" {
		t.Fatalf("expected only the untagged due lead, got %v", first)
	}

	second, err := m.ScanEligible(clock.Now())
	if err != nil {
		t.Fatalf("ScanEligible failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("scan must be idempotent without mutation: %v vs %v", first, second)
	}
}

func TestArmFirstStage(t *testing.T) {
	st := store.NewInMemoryStore()
	clock := &fakeClock{t: at(t, "2026-08-24 14:00")}
	m := newTestManager(t, st, &mockSender{}, &mockAnalyzer{}, &mockGenerator{text: "hi"}, clock)

	if err := m.ArmFirstStage("+15551230001"); err != nil {
		t.Fatalf("ArmFirstStage failed: %v", err)
	}
	lead, _ := st.GetLead("+15551230001")
	if lead.StageSent != 0 {
		t.Errorf("expected stage 0, got %d", lead.StageSent)
	}
	want := at(t, "2026-08-24 14:30")
	if lead.NextDueAt == nil || !lead.NextDueAt.Equal(want) {
		t.Errorf("expected first stage due at %s, got %v", want, lead.NextDueAt)
	}

	// Arming near closing time snaps into the next business window.
	clock.mu.Lock()
	clock.t = at(t, "2026-08-24 20:45")
	clock.mu.Unlock()
	if err := m.ArmFirstStage("+15551230009"); err != nil {
		t.Fatalf("ArmFirstStage failed: %v", err)
	}
	lead, _ = st.GetLead("+15551230009")
	wantSnapped := at(t, "2026-08-25 07:00")
	if lead.NextDueAt == nil || !lead.NextDueAt.Equal(wantSnapped) {
		t.Errorf("expected snapped due time %s, got %v", wantSnapped, lead.NextDueAt)
	}

	// Re-arming after a stage was sent is rejected.
	stage := 1
	st.UpdateLead("+15551230001", models.LeadUpdate{StageSent: &stage})
	if err := m.ArmFirstStage("+15551230001"); err != ErrAlreadyArmed {
		t.Errorf("expected ErrAlreadyArmed, got %v", err)
	}
}

func TestEndToEndTimeline(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	clock := &fakeClock{t: at(t, "2026-08-24 21:30")}
	m := newTestManager(t, st, sender, &mockAnalyzer{}, &mockGenerator{text: "hi"}, clock)

	// First reply lands after hours; the first stage arms into tomorrow.
	if err := m.ArmFirstStage("+15551230001"); err != nil {
		t.Fatalf("ArmFirstStage failed: %v", err)
	}

	// Five minutes later the driver ticks; the lead is not yet due.
	clock.Advance(5 * time.Minute)
	m.ProcessDueLeads(context.Background())
	lead, _ := st.GetLead("+15551230001")
	if lead.StageSent != 0 || len(sender.sent) != 0 {
		t.Fatalf("lead advanced before due time: stage=%d sends=%v", lead.StageSent, sender.sent)
	}

	// Next morning the lead is due and inside business hours.
	clock.mu.Lock()
	clock.t = at(t, "2026-08-25 07:05")
	clock.mu.Unlock()
	m.ProcessDueLeads(context.Background())
	lead, _ = st.GetLead("+15551230001")
	if lead.StageSent != 1 {
		t.Fatalf("expected stage 1 after due tick, got %d", lead.StageSent)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one send, got %v", sender.sent)
	}

	// Stage sent is recorded in history with the follow-up marker.
	msgs, _ := st.GetRecentHistory("+15551230001", 5)
	if len(msgs) != 1 || msgs[0].Meta[models.HistoryMetaType] != models.HistoryTypeFollowUp {
		t.Errorf("expected follow-up marker in history, got %v", msgs)
	}
}

func TestStageOffset(t *testing.T) {
	cases := map[int]time.Duration{
		1: 30 * time.Minute,
		2: 4 * time.Hour,
		3: 12 * time.Hour,
		4: 24 * time.Hour,
		0: 0,
		5: 0,
	}
	for stage, want := range cases {
		if got := StageOffset(stage); got != want {
			t.Errorf("stage %d: expected offset %v, got %v", stage, want, got)
		}
	}
}
