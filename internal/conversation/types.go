// Package conversation fetches customer support conversations from the
// source platform and normalizes them into plain-text transcripts for
// the classification pipeline.
package conversation

import "time"

// Role identifies who authored a conversation part.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleBot      Role = "bot"
)

// Message is a single normalized conversation part.
type Message struct {
	Author    string    `json:"author"`
	Role      Role      `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one normalized support conversation.
type Conversation struct {
	// ID is the source platform's conversation ID.
	ID string `json:"id"`

	// Source names the platform the conversation came from.
	Source string `json:"source"`

	Subject   string    `json:"subject,omitempty"`
	State     string    `json:"state,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []Message `json:"messages"`

	// Transcript is the merged plain-text rendering of Messages,
	// one "role: body" line per part. This is what gets scrubbed
	// and sent to the classifier.
	Transcript string `json:"transcript"`
}

// Page is one page of conversations from the source API.
type Page struct {
	Conversations []Conversation

	// NextCursor points at the page after this one. Empty when this
	// is the last page. Cursors are opaque and strictly forward.
	NextCursor string

	// TotalCount is the source's total matching conversations, when
	// the API reports it. Zero means unknown.
	TotalCount int
}
