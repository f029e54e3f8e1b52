package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedforward/internal/conversation"
)

func testConversation(transcript string) conversation.Conversation {
	return conversation.Conversation{
		ID:         "c1",
		Source:     "intercom",
		Transcript: transcript,
		Messages: []conversation.Message{
			{Role: conversation.RoleCustomer, Body: transcript},
		},
	}
}

func TestNewClassifier(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantErr  bool
		wantType interface{}
	}{
		{"disabled", Config{Provider: "disabled"}, false, &NoOpClassifier{}},
		{"empty defaults to disabled", Config{}, false, &NoOpClassifier{}},
		{"heuristic", Config{Provider: "heuristic"}, false, &HeuristicClassifier{}},
		{"anthropic without key", Config{Provider: "anthropic"}, true, nil},
		{"openai without key", Config{Provider: "openai"}, true, nil},
		{"unknown", Config{Provider: "bard"}, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClassifier(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, c)
		})
	}
}

func TestHeuristicClassifier(t *testing.T) {
	tests := []struct {
		name          string
		transcript    string
		wantArea      string
		wantLabel     string
		wantSentiment string
		wantUrgency   string
	}{
		{
			name:          "double charge",
			transcript:    "I was charged twice this month and I am really frustrated about it",
			wantArea:      "billing",
			wantLabel:     "billing-double-charge",
			wantSentiment: "negative",
			wantUrgency:   "low",
		},
		{
			name:          "login failure urgent",
			transcript:    "Our whole team is locked out, this is urgent, production is down",
			wantArea:      "auth",
			wantLabel:     "auth-login-failure",
			wantSentiment: "neutral",
			wantUrgency:   "high",
		},
		{
			name:          "sync failure",
			transcript:    "The Salesforce sync has stopped working since Tuesday",
			wantArea:      "integrations",
			wantLabel:     "integration-sync-failure",
			wantSentiment: "neutral",
			wantUrgency:   "low",
		},
		{
			name:          "positive resolution",
			transcript:    "Thank you so much, the fix works now, love the product",
			wantArea:      "unknown",
			wantLabel:     "uncategorized",
			wantSentiment: "positive",
			wantUrgency:   "low",
		},
	}

	h := NewHeuristicClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Classify(context.Background(), testConversation(tt.transcript))
			require.NoError(t, err)
			assert.Equal(t, tt.wantArea, got.ProductArea)
			assert.Equal(t, tt.wantLabel, got.ThemeLabel)
			assert.Equal(t, tt.wantSentiment, got.Sentiment)
			assert.Equal(t, tt.wantUrgency, got.Urgency)
			assert.Equal(t, "heuristic", got.Provider)
			assert.Greater(t, got.Confidence, 0.0)
		})
	}
}

func TestNoOpClassifier(t *testing.T) {
	c := &NoOpClassifier{}
	assert.False(t, c.Available())

	got, err := c.Classify(context.Background(), testConversation("anything at all"))
	require.NoError(t, err)
	assert.Equal(t, "uncategorized", got.ThemeLabel)
	assert.Equal(t, "disabled", got.Provider)
}

func TestParseClassificationJSON(t *testing.T) {
	conv := testConversation("x")

	tests := []struct {
		name    string
		content string
		wantErr bool
		check   func(t *testing.T, c Classification)
	}{
		{
			name:    "plain JSON",
			content: `{"theme_label":"billing-refund","product_area":"billing","sentiment":"negative","urgency":"medium","summary":"Customer wants a refund.","confidence":0.9}`,
			check: func(t *testing.T, c Classification) {
				assert.Equal(t, "billing-refund", c.ThemeLabel)
				assert.Equal(t, 0.9, c.Confidence)
			},
		},
		{
			name:    "markdown fenced JSON",
			content: "```json\n{\"theme_label\":\"auth-sso\",\"product_area\":\"auth\",\"confidence\":0.8}\n```",
			check: func(t *testing.T, c Classification) {
				assert.Equal(t, "auth-sso", c.ThemeLabel)
				assert.Equal(t, "auth", c.ProductArea)
			},
		},
		{
			name:    "label normalized to kebab case",
			content: `{"theme_label":"Billing Double Charge","confidence":0.7}`,
			check: func(t *testing.T, c Classification) {
				assert.Equal(t, "billing-double-charge", c.ThemeLabel)
			},
		},
		{
			name:    "out of range confidence clamped",
			content: `{"theme_label":"x","confidence":42}`,
			check: func(t *testing.T, c Classification) {
				assert.Equal(t, 0.5, c.Confidence)
			},
		},
		{
			name:    "missing enums get defaults",
			content: `{"theme_label":"x","confidence":0.6}`,
			check: func(t *testing.T, c Classification) {
				assert.Equal(t, SentimentNeutral, c.Sentiment)
				assert.Equal(t, UrgencyLow, c.Urgency)
				assert.Equal(t, "other", c.ProductArea)
			},
		},
		{
			name:    "not JSON",
			content: "I think this is about billing",
			wantErr: true,
		},
		{
			name:    "missing theme label",
			content: `{"summary":"something","confidence":0.8}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassificationJSON(tt.content, conv, "anthropic", "claude-test")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "c1", got.ConversationID)
			assert.Equal(t, "anthropic", got.Provider)
			tt.check(t, got)
		})
	}
}

func TestAnthropicClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.System)
		require.Len(t, req.Messages, 1)

		resp := anthropicResponse{}
		resp.Content = append(resp.Content, struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: `{"theme_label":"data-loss","product_area":"data","sentiment":"negative","urgency":"high","summary":"Customer lost exported data.","confidence":0.95}`})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClassifier(Config{
		Provider:   "anthropic",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
	})
	require.NoError(t, err)
	assert.True(t, c.Available())

	got, err := c.Classify(context.Background(), testConversation("all my data is gone"))
	require.NoError(t, err)
	assert.Equal(t, "data-loss", got.ThemeLabel)
	assert.Equal(t, UrgencyHigh, got.Urgency)
	assert.Equal(t, 0.95, got.Confidence)
}

func TestAnthropicClassifierRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		resp := anthropicResponse{}
		resp.Content = append(resp.Content, struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: `{"theme_label":"x","confidence":0.5}`})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClassifier(Config{
		Provider:   "anthropic",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
	})
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), testConversation("x"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var resp openAIResponse
		resp.Choices = append(resp.Choices, struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{})
		resp.Choices[0].Message.Content = `{"theme_label":"mobile-crash","product_area":"mobile","confidence":0.85}`
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClassifier(Config{
		Provider:   "openai",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
	})
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), testConversation("the app crashes on launch"))
	require.NoError(t, err)
	assert.Equal(t, "mobile-crash", got.ThemeLabel)
	assert.Equal(t, "openai", got.Provider)
}

func TestOpenAIClassifierAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewClassifier(Config{
		Provider:   "openai",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
	})
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), testConversation("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
}

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "Broken export.", firstSentence("Broken export. More detail follows"))
	assert.Equal(t, "short and unpunctuated", firstSentence("short and unpunctuated"))

	// A long run of multibyte characters must be cut on a rune
	// boundary, never mid-character.
	long := strings.Repeat("ü", 150) // 300 bytes
	got := firstSentence(long)
	assert.True(t, utf8.ValidString(got), "truncation landed inside a rune: %q", got)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 205)
}

func TestAnthropicLabelTheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.System, "name groups")
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "cannot log in")

		resp := anthropicResponse{}
		resp.Content = append(resp.Content, struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: "`Login Session Loop`"})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClassifier(Config{
		Provider:   "anthropic",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
	})
	require.NoError(t, err)

	labeler, ok := c.(ThemeLabeler)
	require.True(t, ok, "anthropic classifier should label themes")

	label, err := labeler.LabelTheme(context.Background(), []string{
		"Customer cannot log in, the session loops back to the sign-in page.",
		"User is bounced back to login after entering credentials.",
	})
	require.NoError(t, err)
	assert.Equal(t, "login-session-loop", label)

	_, err = labeler.LabelTheme(context.Background(), nil)
	require.Error(t, err)
}

func TestOpenAILabelTheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var resp openAIResponse
		resp.Choices = append(resp.Choices, struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{})
		resp.Choices[0].Message.Content = `"csv-export-timeout"`
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClassifier(Config{
		Provider:   "openai",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
	})
	require.NoError(t, err)

	labeler, ok := c.(ThemeLabeler)
	require.True(t, ok)

	label, err := labeler.LabelTheme(context.Background(), []string{"CSV exports time out for large workspaces."})
	require.NoError(t, err)
	assert.Equal(t, "csv-export-timeout", label)
}

func TestParseLabelResponse(t *testing.T) {
	tests := []struct {
		content string
		want    string
		wantErr bool
	}{
		{"billing-double-charge", "billing-double-charge", false},
		{" Sync Failures \n", "sync-failures", false},
		{"`slow-dashboards`", "slow-dashboards", false},
		{`"mobile_crash"`, "mobile-crash", false},
		{"", "", true},
		{"``", "", true},
	}

	for _, tt := range tests {
		got, err := parseLabelResponse(tt.content)
		if tt.wantErr {
			require.Error(t, err, "content %q", tt.content)
			continue
		}
		require.NoError(t, err, "content %q", tt.content)
		assert.Equal(t, tt.want, got)
	}
}

func TestBuildPromptTruncation(t *testing.T) {
	long := make([]byte, maxTranscriptChars*2)
	for i := range long {
		long[i] = 'a'
	}
	conv := testConversation(string(long))
	conv.Subject = "Big one"

	prompt := buildPrompt(conv)
	assert.Contains(t, prompt, "Subject: Big one")
	assert.Contains(t, prompt, "[... truncated ...]")
	assert.Less(t, len(prompt), maxTranscriptChars+200)
}
