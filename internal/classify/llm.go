package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/feedforward/internal/conversation"
)

const (
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
	defaultTimeout          = 60 * time.Second
	defaultRateLimit        = 2 // requests per second
	defaultBurst            = 1

	// maxTranscriptChars bounds what we send to the LLM. Long
	// conversations are truncated from the middle so both the opening
	// problem statement and the latest exchange survive.
	maxTranscriptChars = 12000

	// maxLabelSummaries bounds how many member summaries we send when
	// asking for a theme label.
	maxLabelSummaries = 8
)

const systemPrompt = `You classify customer support conversations for a product team.
Respond with a single JSON object and nothing else:
{
  "theme_label": "short-kebab-case-label for the specific issue",
  "product_area": "one of: billing, auth, integrations, performance, data, mobile, onboarding, other",
  "sentiment": "negative | neutral | positive",
  "urgency": "low | medium | high",
  "summary": "one sentence describing the customer's issue",
  "confidence": 0.0-1.0
}
Base the classification on the customer's problem, not the agent's reply.`

const labelSystemPrompt = `You name groups of related customer support conversations.
Given one-sentence issue summaries that all belong to the same group, respond with
a single short-kebab-case-label (2 to 5 words) naming the shared issue, and nothing else.`

// retryableError wraps an error to indicate it can be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// buildPrompt renders a conversation for the LLM.
func buildPrompt(conv conversation.Conversation) string {
	transcript := conv.Transcript
	if len(transcript) > maxTranscriptChars {
		half := maxTranscriptChars / 2
		transcript = transcript[:half] + "\n[... truncated ...]\n" + transcript[len(transcript)-half:]
	}

	var b strings.Builder
	if conv.Subject != "" {
		b.WriteString("Subject: ")
		b.WriteString(conv.Subject)
		b.WriteString("\n\n")
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String()
}

// buildLabelPrompt renders sampled theme summaries for the LLM.
func buildLabelPrompt(summaries []string) string {
	if len(summaries) > maxLabelSummaries {
		summaries = summaries[:maxLabelSummaries]
	}
	var b strings.Builder
	b.WriteString("Summaries:\n")
	for _, s := range summaries {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// parseLabelResponse cleans an LLM label reply. Models occasionally
// quote or fence the label despite the instructions.
func parseLabelResponse(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.Trim(content, "`\"'")
	label := normalizeLabel(content)
	if label == "" {
		return "", fmt.Errorf("empty label response")
	}
	return label, nil
}

// classificationResponse is the JSON shape we ask the LLM for.
type classificationResponse struct {
	ThemeLabel  string  `json:"theme_label"`
	ProductArea string  `json:"product_area"`
	Sentiment   string  `json:"sentiment"`
	Urgency     string  `json:"urgency"`
	Summary     string  `json:"summary"`
	Confidence  float64 `json:"confidence"`
}

// parseClassificationJSON parses an LLM response into a Classification.
// Models sometimes wrap JSON in markdown fences; strip them first.
func parseClassificationJSON(content string, conv conversation.Conversation, provider, model string) (Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var resp classificationResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return Classification{}, fmt.Errorf("parsing classification response: %w", err)
	}

	if resp.ThemeLabel == "" {
		return Classification{}, fmt.Errorf("classification response missing theme_label")
	}

	confidence := resp.Confidence
	if confidence <= 0 || confidence > 1.0 {
		confidence = 0.5
	}

	return Classification{
		ConversationID: conv.ID,
		ThemeLabel:     normalizeLabel(resp.ThemeLabel),
		ProductArea:    normalizeEnum(resp.ProductArea, "other"),
		Sentiment:      normalizeEnum(resp.Sentiment, SentimentNeutral),
		Urgency:        normalizeEnum(resp.Urgency, UrgencyLow),
		Summary:        strings.TrimSpace(resp.Summary),
		Confidence:     confidence,
		Provider:       provider,
		Model:          model,
		ClassifiedAt:   time.Now().UTC(),
	}, nil
}

// normalizeLabel forces labels into lowercase kebab-case.
func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, " ", "-")
	label = strings.ReplaceAll(label, "_", "-")
	return label
}

func normalizeEnum(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}
