package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"paragraphs", "<p>first</p><p>second</p>", "first\nsecond\n"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"entities", "a &amp; b &lt;c&gt;", "a & b <c>"},
		{"nested tags", `<div><a href="/x">link text</a></div>`, "link text\n"},
		{"collapses spaces", "a    b\t\tc", "a b c"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripHTML(tt.input))
		})
	}
}

func TestRoleFromAuthorType(t *testing.T) {
	assert.Equal(t, RoleAgent, roleFromAuthorType("admin"))
	assert.Equal(t, RoleAgent, roleFromAuthorType("team"))
	assert.Equal(t, RoleBot, roleFromAuthorType("bot"))
	assert.Equal(t, RoleBot, roleFromAuthorType("operator"))
	assert.Equal(t, RoleCustomer, roleFromAuthorType("user"))
	assert.Equal(t, RoleCustomer, roleFromAuthorType("lead"))
	assert.Equal(t, RoleCustomer, roleFromAuthorType("something-new"))
}

func TestNormalizeSkipsBotsAndEmptyParts(t *testing.T) {
	wc := wireConversation{
		ID:        "c42",
		Title:     "Billing question",
		State:     "closed",
		CreatedAt: 1756300000,
		UpdatedAt: 1756300900,
	}
	wc.Source.Body = "<p>I was charged twice this month.</p>"
	wc.Source.Author.Type = "user"
	wc.Source.Author.Name = "Ira"
	wc.Parts.ConversationParts = []wirePart{
		botPart("Thanks for reaching out! An agent will reply soon."),
		{Body: "<p></p>", CreatedAt: 1756300100},
		agentPart("Refund issued, sorry about that."),
	}

	conv := normalize(wc, "intercom")

	assert.Equal(t, "c42", conv.ID)
	assert.Equal(t, "Billing question", conv.Subject)
	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, "customer: I was charged twice this month.\nagent: Refund issued, sorry about that.", conv.Transcript)
}

func TestNormalizeEmptyConversation(t *testing.T) {
	conv := normalize(wireConversation{ID: "c1"}, "intercom")
	assert.Empty(t, conv.Messages)
	assert.Empty(t, conv.Transcript)
}

func botPart(body string) wirePart {
	p := wirePart{Body: body, CreatedAt: 1756300050}
	p.Author.Type = "bot"
	p.Author.Name = "Assistant"
	return p
}

func agentPart(body string) wirePart {
	p := wirePart{Body: body, CreatedAt: 1756300200}
	p.Author.Type = "admin"
	p.Author.Name = "Sam"
	return p
}
