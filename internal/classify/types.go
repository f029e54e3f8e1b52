// Package classify turns normalized conversation transcripts into
// structured classifications: a theme label, product area, sentiment,
// urgency, and a one-sentence summary. Providers range from a no-op
// through keyword heuristics to Anthropic and OpenAI APIs.
package classify

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/feedforward/internal/conversation"
)

// Sentiment buckets for a conversation.
const (
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentPositive = "positive"
)

// Urgency buckets for a conversation.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// Classification is the structured result for one conversation.
type Classification struct {
	ConversationID string `json:"conversation_id"`

	// ThemeLabel is a short free-form label like "billing-double-charge".
	// Clustering later groups nearby labels into canonical themes.
	ThemeLabel string `json:"theme_label"`

	// ProductArea is the product surface the conversation concerns,
	// e.g. "billing", "integrations", "auth".
	ProductArea string `json:"product_area"`

	Sentiment string `json:"sentiment"`
	Urgency   string `json:"urgency"`

	// Summary is a one-sentence description of the customer's issue.
	Summary string `json:"summary"`

	// Confidence in (0, 1]. Heuristic results carry lower confidence
	// than LLM results.
	Confidence float64 `json:"confidence"`

	// Provider and Model record what produced this classification.
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`

	ClassifiedAt time.Time `json:"classified_at"`
}

// Classifier produces classifications from conversations. The
// transcript handed to Classify has already been scrubbed of secrets.
type Classifier interface {
	Classify(ctx context.Context, conv conversation.Conversation) (Classification, error)

	// Available reports whether the classifier can actually run
	// (e.g. an API key is configured).
	Available() bool
}

// ThemeLabeler names a theme from a sample of its members' summaries.
// The LLM-backed classifiers implement it; callers fall back to the
// dominant member label when no labeler is configured or the call
// fails.
type ThemeLabeler interface {
	LabelTheme(ctx context.Context, summaries []string) (string, error)
}

// Config configures the classifier.
type Config struct {
	// Provider is one of "disabled", "heuristic", "anthropic", "openai".
	Provider string

	// Model is the LLM model name (anthropic and openai providers).
	Model string

	// APIKey authenticates against the LLM API.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string

	// RatePerSec caps LLM requests. Defaults to 2.
	RatePerSec float64

	// MaxRetries bounds retries on transient failures. Defaults to 3.
	MaxRetries int

	// Timeout is the per-request timeout. Defaults to 60s.
	Timeout time.Duration
}
