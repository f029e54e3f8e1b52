package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/feedforward/internal/conversation"
)

// NewClassifier creates a classifier based on configuration.
func NewClassifier(cfg Config) (Classifier, error) {
	switch cfg.Provider {
	case "disabled", "":
		return &NoOpClassifier{}, nil
	case "heuristic":
		return NewHeuristicClassifier(), nil
	case "anthropic":
		return newAnthropicClassifier(cfg)
	case "openai":
		return newOpenAIClassifier(cfg)
	default:
		return nil, fmt.Errorf("unknown classify provider: %s", cfg.Provider)
	}
}

// NoOpClassifier classifies everything as uncategorized. Used when
// classification is disabled but the rest of the pipeline should still
// run (e.g. to backfill raw conversations).
type NoOpClassifier struct{}

func (n *NoOpClassifier) Classify(_ context.Context, conv conversation.Conversation) (Classification, error) {
	return Classification{
		ConversationID: conv.ID,
		ThemeLabel:     "uncategorized",
		ProductArea:    "unknown",
		Sentiment:      SentimentNeutral,
		Urgency:        UrgencyLow,
		Summary:        firstSentence(conv.Transcript),
		Confidence:     0.1,
		Provider:       "disabled",
		ClassifiedAt:   time.Now().UTC(),
	}, nil
}

func (n *NoOpClassifier) Available() bool { return false }

// firstSentence extracts the first sentence from content as a fallback
// summary, capped at 200 bytes. The cap cuts on a rune boundary so a
// multibyte character is never split.
func firstSentence(content string) string {
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' {
			if i < len(content)-1 {
				return content[:i+1]
			}
		}
		// i is the byte offset of an intact rune, so cutting here is safe.
		if i >= 200 {
			return content[:i] + "..."
		}
	}
	return content
}
