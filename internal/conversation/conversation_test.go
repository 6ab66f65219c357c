package conversation

import (
	"context"
	"errors"
	"strings"
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

func (s *mockSender) SendMessage(ctx context.Context, to string, body string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, body)
	return nil
}

type mockPromptClient struct {
	response string
	err      error
	user     string
}

func (m *mockPromptClient) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.user = userPrompt
	return m.response, m.err
}

type mockArmer struct {
	armed []string
	err   error
}

func (a *mockArmer) ArmFirstStage(phone string) error {
	if a.err != nil {
		return a.err
	}
	a.armed = append(a.armed, phone)
	return nil
}

func turn(key, content string) models.MergedTurn {
	return models.MergedTurn{
		Key:     key,
		Content: content,
		Events:  []models.BufferedEvent{{ID: "e1", Content: content, Timestamp: time.Now()}},
	}
}

func newTestProcessor(t *testing.T, st store.Store, sender Sender, client *mockPromptClient, armer Armer) *Processor {
	t.Helper()
	p, err := NewProcessor(st, sender, client, armer, WithFragmentDelay(0))
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p
}

func TestHandleTurnRepliesAndArms(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	client := &mockPromptClient{response: "thanks!|||what time suits you?"}
	armer := &mockArmer{}
	p := newTestProcessor(t, st, sender, client, armer)

	p.HandleTurn(turn("+15551230001", "hi, saw your ad"))

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 fragment sends, got %v", sender.sent)
	}
	if sender.sent[0] != "thanks!" || sender.sent[1] != "what time suits you?" {
		t.Errorf("fragments out of order: %v", sender.sent)
	}

	// Both sides of the exchange are recorded, AI reply most recent.
	msgs, _ := st.GetRecentHistory("+15551230001", 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleAI || !strings.Contains(msgs[0].Content, "thanks!") {
		t.Errorf("unexpected AI history entry: %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleHuman || msgs[1].Content != "hi, saw your ad" {
		t.Errorf("unexpected human history entry: %+v", msgs[1])
	}

	if len(armer.armed) != 1 || armer.armed[0] != "+15551230001" {
		t.Errorf("expected first stage armed, got %v", armer.armed)
	}

	// The prompt carries the recorded inbound turn.
	if !strings.Contains(client.user, "hi, saw your ad") {
		t.Errorf("expected inbound content in prompt:\n%s", client.user)
	}
}

func TestHandleTurnSkipsArmForAdvancedLead(t *testing.T) {
	st := store.NewInMemoryStore()
	armer := &mockArmer{}
	p := newTestProcessor(t, st, &mockSender{}, &mockPromptClient{response: "hello"}, armer)

	st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 2})
	p.HandleTurn(turn("+15551230001", "got your follow-up"))

	if len(armer.armed) != 0 {
		t.Errorf("lead past stage 0 must not re-arm, got %v", armer.armed)
	}
}

func TestHandleTurnSendFailureStillRecordsInbound(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{err: errors.New("carrier down")}
	armer := &mockArmer{}
	p := newTestProcessor(t, st, sender, &mockPromptClient{response: "hello"}, armer)

	p.HandleTurn(turn("+15551230001", "anyone there?"))

	// The inbound turn is durable even when the reply fails.
	msgs, _ := st.GetRecentHistory("+15551230001", 10)
	if len(msgs) != 1 || msgs[0].Role != models.RoleHuman {
		t.Errorf("expected only the inbound turn recorded, got %v", msgs)
	}
	if len(armer.armed) != 0 {
		t.Errorf("failed reply must not arm follow-up, got %v", armer.armed)
	}
}

func TestHandleTurnEmptyGeneration(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	p := newTestProcessor(t, st, sender, &mockPromptClient{response: "   |||   "}, &mockArmer{})

	p.HandleTurn(turn("+15551230001", "hello?"))

	if len(sender.sent) != 0 {
		t.Errorf("expected no sends for empty generation, got %v", sender.sent)
	}
}
