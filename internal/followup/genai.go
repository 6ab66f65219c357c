package followup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/engagement"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// PromptClient is the subset of the GenAI client the collaborators need.
type PromptClient interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const disengagementSystemPrompt = `You are an assistant that audits WhatsApp sales conversations.
Given a transcript, decide whether the lead has disengaged. Signals of disengagement:
- terse or one-word replies
- direct questions from the agent left unanswered
- vague deferrals ("maybe later", "I'll think about it")
- explicit disinterest
- a declining engagement trend across the conversation
Answer with a single word: YES if the lead has disengaged, NO otherwise.`

const generatorSystemPrompt = `You are a friendly WhatsApp sales assistant writing a follow-up to a lead who went quiet.
Write a short, natural follow-up message appropriate for the stage number given.
Stage 1 is a light nudge shortly after the conversation; stage 4 is a graceful final goodbye.
Never pressure the lead. Reference the conversation naturally, do not repeat earlier follow-ups verbatim.
If the message should arrive as multiple chat bubbles, separate them with "` + FragmentDelimiter + `".`

// GenAIAnalyzer classifies disengagement with an LLM. The engagement trend
// computed from the transcript is attached to the prompt as extra signal.
type GenAIAnalyzer struct {
	client PromptClient
}

// NewGenAIAnalyzer creates an analyzer backed by the given prompt client.
func NewGenAIAnalyzer(client PromptClient) *GenAIAnalyzer {
	return &GenAIAnalyzer{client: client}
}

// ClassifyDisengagement returns true when the transcript reads as disengaged.
func (a *GenAIAnalyzer) ClassifyDisengagement(ctx context.Context, history []models.HistoryMessage) (bool, error) {
	tracker := engagement.AssessHistory(history, timeOf(history))
	var b strings.Builder
	b.WriteString("Transcript (oldest first):\n")
	b.WriteString(renderTranscript(history))
	fmt.Fprintf(&b, "\nSmoothed engagement level: %s\n", tracker.Level)
	b.WriteString("Has this lead disengaged? Answer YES or NO.")

	answer, err := a.client.GeneratePromptWithContext(ctx, disengagementSystemPrompt, b.String())
	if err != nil {
		return false, fmt.Errorf("disengagement prompt failed: %w", err)
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "YES"), nil
}

// GenAIGenerator produces stage-appropriate follow-up text with an LLM.
type GenAIGenerator struct {
	client PromptClient
}

// NewGenAIGenerator creates a generator backed by the given prompt client.
func NewGenAIGenerator(client PromptClient) *GenAIGenerator {
	return &GenAIGenerator{client: client}
}

// GenerateFollowUp returns the follow-up text for the target stage.
// Fragments in the result are separated by FragmentDelimiter.
func (g *GenAIGenerator) GenerateFollowUp(ctx context.Context, key string, stage int, history []models.HistoryMessage) (string, error) {
	tracker := engagement.AssessHistory(history, timeOf(history))
	system := generatorSystemPrompt + engagement.BuildEngagementGuide(tracker.Level)

	var b strings.Builder
	fmt.Fprintf(&b, "Follow-up stage: %d of %d\n", stage, models.MaxFollowUpStages)
	b.WriteString("Transcript (oldest first):\n")
	b.WriteString(renderTranscript(history))
	b.WriteString("\nWrite the follow-up message now.")

	text, err := g.client.GeneratePromptWithContext(ctx, system, b.String())
	if err != nil {
		return "", fmt.Errorf("follow-up generation prompt failed: %w", err)
	}
	return text, nil
}

// renderTranscript flattens history oldest-first into labeled lines.
// The input is most-recent-first, matching store.GetRecentHistory.
func renderTranscript(history []models.HistoryMessage) string {
	var b strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		label := "Lead"
		if msg.Role == models.RoleAI {
			label = "Agent"
			if msg.Meta[models.HistoryMetaType] == models.HistoryTypeFollowUp {
				label = "Agent (follow-up)"
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", label, msg.Content)
	}
	return b.String()
}

// timeOf returns the newest message timestamp, for trend assessment.
func timeOf(history []models.HistoryMessage) time.Time {
	if len(history) > 0 {
		return history[0].Timestamp
	}
	return time.Time{}
}
