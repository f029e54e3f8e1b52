package conversation

import (
	"html"
	"regexp"
	"strings"
	"time"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
	blankLinePattern  = regexp.MustCompile(`\n{3,}`)
)

// normalize converts a wire conversation into the normalized form the
// pipeline consumes. Bot parts and empty bodies are dropped; the
// remaining parts are merged into a single transcript.
func normalize(wc wireConversation, source string) Conversation {
	conv := Conversation{
		ID:        wc.ID,
		Source:    source,
		Subject:   strings.TrimSpace(stripHTML(wc.Title)),
		State:     wc.State,
		CreatedAt: time.Unix(wc.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(wc.UpdatedAt, 0).UTC(),
	}

	parts := make([]wirePart, 0, 1+len(wc.Parts.ConversationParts))
	if wc.Source.Body != "" {
		parts = append(parts, wc.Source)
	}
	parts = append(parts, wc.Parts.ConversationParts...)

	for _, p := range parts {
		role := roleFromAuthorType(p.Author.Type)
		if role == RoleBot {
			continue
		}

		body := strings.TrimSpace(stripHTML(p.Body))
		if body == "" {
			continue
		}

		conv.Messages = append(conv.Messages, Message{
			Author:    p.Author.Name,
			Role:      role,
			Body:      body,
			CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		})
	}

	conv.Transcript = buildTranscript(conv.Messages)
	return conv
}

// roleFromAuthorType maps source author types onto our roles. Unknown
// types count as customers so we never silently drop customer text.
func roleFromAuthorType(authorType string) Role {
	switch authorType {
	case "admin", "team":
		return RoleAgent
	case "bot", "operator":
		return RoleBot
	default:
		return RoleCustomer
	}
}

// stripHTML reduces an HTML fragment to plain text. Block-level tags
// become newlines so message structure survives.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}

	// Preserve paragraph and line breaks before removing tags.
	replacer := strings.NewReplacer(
		"</p>", "\n",
		"</P>", "\n",
		"<br>", "\n",
		"<br/>", "\n",
		"<br />", "\n",
		"</li>", "\n",
		"</div>", "\n",
	)
	s = replacer.Replace(s)
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = blankLinePattern.ReplaceAllString(s, "\n\n")
	return s
}

// buildTranscript renders messages as "role: body" lines.
func buildTranscript(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Body)
	}
	return b.String()
}
