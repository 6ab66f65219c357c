// Package conversation processes merged inbound payloads. It records the
// lead's turn, generates a reply, delivers it in paced fragments, and arms
// the follow-up timeline after the first successful reply.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/engagement"
	"github.com/BTreeMap/LeadPipe/internal/followup"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

const replySystemPrompt = `You are a friendly WhatsApp sales assistant.
Reply naturally and helpfully to the lead's latest messages, using the conversation history for context.
Keep replies short and conversational. Ask at most one question per reply.
If the reply should arrive as multiple chat bubbles, separate them with "` + followup.FragmentDelimiter + `".`

// Sender delivers outbound messages.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Armer schedules the first follow-up stage after a successful reply.
type Armer interface {
	ArmFirstStage(phone string) error
}

// Opts holds configuration for the processor.
type Opts struct {
	FragmentDelay time.Duration
	CallTimeout   time.Duration
}

// Option configures a Processor.
type Option func(*Opts)

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

// Processor turns merged payloads into replies.
type Processor struct {
	store         store.Store
	sender        Sender
	client        followup.PromptClient
	armer         Armer
	fragmentDelay time.Duration
	callTimeout   time.Duration
}

// NewProcessor creates a conversation processor. The armer may be nil when
// follow-up scheduling is disabled.
func NewProcessor(st store.Store, sender Sender, client followup.PromptClient, armer Armer, opts ...Option) (*Processor, error) {
	if st == nil || sender == nil || client == nil {
		return nil, fmt.Errorf("conversation processor requires store, sender, and prompt client")
	}
	cfg := Opts{
		FragmentDelay: followup.DefaultFragmentDelay,
		CallTimeout:   followup.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		store:         st,
		sender:        sender,
		client:        client,
		armer:         armer,
		fragmentDelay: cfg.FragmentDelay,
		callTimeout:   cfg.CallTimeout,
	}, nil
}

// HandleTurn processes one merged payload. Errors are logged and swallowed;
// the aggregator's callers never see processing failures.
func (p *Processor) HandleTurn(turn models.MergedTurn) {
	if err := p.process(context.Background(), turn); err != nil {
		slog.Error("Conversation turn processing failed", "error", err, "key", turn.Key)
	}
}

func (p *Processor) process(ctx context.Context, turn models.MergedTurn) error {
	if err := p.store.AddHistoryMessage(turn.Key, models.RoleHuman, turn.Content, nil); err != nil {
		return fmt.Errorf("failed to record inbound turn: %w", err)
	}

	history, err := p.store.GetRecentHistory(turn.Key, store.DefaultHistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	reply, err := p.generateReply(ctx, history)
	if err != nil {
		return fmt.Errorf("failed to generate reply: %w", err)
	}
	fragments := followup.SplitFragments(reply)
	if len(fragments) == 0 {
		return followup.ErrEmptyGeneration
	}

	for i, fragment := range fragments {
		if i > 0 {
			select {
			case <-time.After(p.fragmentDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		err := p.sender.SendMessage(callCtx, turn.Key, fragment)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to send fragment %d: %w", i+1, err)
		}
	}

	if err := p.store.AddHistoryMessage(turn.Key, models.RoleAI, strings.Join(fragments, "\n"), nil); err != nil {
		slog.Error("Conversation reply record failed", "error", err, "key", turn.Key)
	}

	if err := p.armFollowUp(turn.Key); err != nil {
		slog.Error("Conversation follow-up arm failed", "error", err, "key", turn.Key)
	}

	slog.Info("Conversation turn processed", "key", turn.Key, "fragments", len(fragments))
	return nil
}

// generateReply builds the prompt from history and calls the LLM. The
// engagement level steers register the same way it does for follow-ups.
func (p *Processor) generateReply(ctx context.Context, history []models.HistoryMessage) (string, error) {
	tracker := engagement.AssessHistory(history, time.Now())
	system := replySystemPrompt + engagement.BuildEngagementGuide(tracker.Level)

	var b strings.Builder
	b.WriteString("Conversation so far (oldest first):\n")
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		label := "Lead"
		if msg.Role == models.RoleAI {
			label = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, msg.Content)
	}
	b.WriteString("\nWrite the agent's reply now.")

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.client.GeneratePromptWithContext(callCtx, system, b.String())
}

// armFollowUp schedules the first stage for leads that have not advanced
// past stage zero. A lead that replies resets its pending first stage.
func (p *Processor) armFollowUp(key string) error {
	if p.armer == nil {
		return nil
	}
	lead, err := p.store.GetLead(key)
	if err != nil {
		return err
	}
	if lead != nil && lead.StageSent > 0 {
		return nil
	}
	return p.armer.ArmFirstStage(key)
}
