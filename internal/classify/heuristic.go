package classify

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/feedforward/internal/conversation"
)

// areaPattern scores a transcript against one product area.
type areaPattern struct {
	area   string
	label  string
	weight float64
	regex  *regexp.Regexp
}

// defaultAreaPatterns cover the product areas support sees most. More
// specific patterns carry higher weights so they win ties.
func defaultAreaPatterns() []areaPattern {
	return []areaPattern{
		{"billing", "billing-double-charge", 0.9, regexp.MustCompile(`(?i)charged twice|double charge|duplicate (charge|invoice)`)},
		{"billing", "billing-refund", 0.8, regexp.MustCompile(`(?i)refund|money back|cancel (my )?subscription`)},
		{"billing", "billing-general", 0.6, regexp.MustCompile(`(?i)invoice|billing|payment|credit card|charge`)},
		{"auth", "auth-login-failure", 0.85, regexp.MustCompile(`(?i)can'?t log ?in|login fail|password reset|locked out|2fa|two.factor`)},
		{"auth", "auth-sso", 0.8, regexp.MustCompile(`(?i)\bsso\b|single sign.on|saml|okta`)},
		{"integrations", "integration-sync-failure", 0.85, regexp.MustCompile(`(?i)(sync|export|import).{0,40}(fail|stopp?ed|broke|error)`)},
		{"integrations", "integration-api", 0.7, regexp.MustCompile(`(?i)api (key|token|error|limit)|webhook|rate limit`)},
		{"performance", "performance-slow", 0.75, regexp.MustCompile(`(?i)slow|takes forever|timeout|timed out|unresponsive`)},
		{"data", "data-loss", 0.9, regexp.MustCompile(`(?i)lost (my )?data|data (loss|missing|disappeared)|deleted by accident`)},
		{"mobile", "mobile-crash", 0.8, regexp.MustCompile(`(?i)(app|ios|android).{0,30}(crash|freezes?|won'?t open)`)},
		{"onboarding", "onboarding-confusion", 0.6, regexp.MustCompile(`(?i)how do i|getting started|where (do|can) i find|confus`)},
	}
}

var (
	negativePattern = regexp.MustCompile(`(?i)frustrat|angry|unacceptable|terrible|awful|worst|disappoint|ridiculous|fed up|cancel`)
	positivePattern = regexp.MustCompile(`(?i)thank|great|love|awesome|perfect|works now|resolved|fixed it`)
	urgentPattern   = regexp.MustCompile(`(?i)urgent|asap|immediately|production (is )?down|outage|blocking|blocked|deadline|launch`)
)

// HeuristicClassifier classifies transcripts with weighted keyword
// patterns. Cheap, deterministic, and good enough for smoke-testing the
// pipeline without an LLM key.
type HeuristicClassifier struct {
	patterns []areaPattern
}

// NewHeuristicClassifier creates a keyword-based classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{patterns: defaultAreaPatterns()}
}

func (h *HeuristicClassifier) Classify(_ context.Context, conv conversation.Conversation) (Classification, error) {
	text := conv.Subject + "\n" + conv.Transcript

	best := areaPattern{area: "unknown", label: "uncategorized", weight: 0}
	for _, p := range h.patterns {
		if p.weight > best.weight && p.regex.MatchString(text) {
			best = p
		}
	}

	confidence := best.weight * 0.7 // heuristics never reach LLM confidence
	if best.weight == 0 {
		confidence = 0.1
	}

	return Classification{
		ConversationID: conv.ID,
		ThemeLabel:     best.label,
		ProductArea:    best.area,
		Sentiment:      h.sentiment(text),
		Urgency:        h.urgency(text),
		Summary:        firstSentence(customerText(conv)),
		Confidence:     confidence,
		Provider:       "heuristic",
		ClassifiedAt:   time.Now().UTC(),
	}, nil
}

func (h *HeuristicClassifier) Available() bool { return true }

func (h *HeuristicClassifier) sentiment(text string) string {
	neg := len(negativePattern.FindAllString(text, -1))
	pos := len(positivePattern.FindAllString(text, -1))
	switch {
	case neg > pos:
		return SentimentNegative
	case pos > neg:
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}

func (h *HeuristicClassifier) urgency(text string) string {
	matches := len(urgentPattern.FindAllString(text, -1))
	switch {
	case matches >= 2:
		return UrgencyHigh
	case matches == 1:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// customerText joins only the customer's messages. Agent replies skew
// summaries toward resolutions instead of problems.
func customerText(conv conversation.Conversation) string {
	var parts []string
	for _, m := range conv.Messages {
		if m.Role == conversation.RoleCustomer {
			parts = append(parts, m.Body)
		}
	}
	if len(parts) == 0 {
		return conv.Transcript
	}
	return strings.Join(parts, " ")
}
