package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/feedforward/internal/classify"
	"github.com/fyrsmithlabs/feedforward/internal/conversation"
)

// SaveConversation upserts a normalized conversation. Re-fetching the
// same conversation refreshes its transcript and timestamps.
func (s *Store) SaveConversation(ctx context.Context, conv conversation.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, source, subject, state, transcript, source_created_at, source_updated_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			state = excluded.state,
			transcript = excluded.transcript,
			source_updated_at = excluded.source_updated_at,
			fetched_at = excluded.fetched_at`,
		conv.ID, conv.Source, conv.Subject, conv.State, conv.Transcript,
		conv.CreatedAt, conv.UpdatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation loads one conversation. The stored transcript is the
// scrubbed one; original message parts are not persisted.
func (s *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	var conv conversation.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, subject, state, transcript, source_created_at, source_updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Source, &conv.Subject, &conv.State, &conv.Transcript, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	return conv, nil
}

// CountConversations returns the number of stored conversations.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}

// SaveClassification upserts the classification for a conversation.
func (s *Store) SaveClassification(ctx context.Context, c classify.Classification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classifications (conversation_id, theme_label, product_area, sentiment, urgency, summary, confidence, provider, model, classified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			theme_label = excluded.theme_label,
			product_area = excluded.product_area,
			sentiment = excluded.sentiment,
			urgency = excluded.urgency,
			summary = excluded.summary,
			confidence = excluded.confidence,
			provider = excluded.provider,
			model = excluded.model,
			classified_at = excluded.classified_at`,
		c.ConversationID, c.ThemeLabel, c.ProductArea, c.Sentiment, c.Urgency,
		c.Summary, c.Confidence, c.Provider, c.Model, c.ClassifiedAt,
	)
	if err != nil {
		return fmt.Errorf("saving classification for %s: %w", c.ConversationID, err)
	}
	return nil
}

// GetClassification loads the classification for a conversation.
func (s *Store) GetClassification(ctx context.Context, conversationID string) (classify.Classification, error) {
	var c classify.Classification
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, theme_label, product_area, sentiment, urgency, summary, confidence, provider, model, classified_at
		FROM classifications WHERE conversation_id = ?`, conversationID,
	).Scan(&c.ConversationID, &c.ThemeLabel, &c.ProductArea, &c.Sentiment, &c.Urgency,
		&c.Summary, &c.Confidence, &c.Provider, &c.Model, &c.ClassifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return classify.Classification{}, fmt.Errorf("classification for %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return classify.Classification{}, fmt.Errorf("loading classification for %s: %w", conversationID, err)
	}
	return c, nil
}

// SaveHelpArticleReference records that a help article was referenced
// in a conversation. Duplicate references are ignored.
func (s *Store) SaveHelpArticleReference(ctx context.Context, conversationID, articleID, articleURL string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO help_article_references (conversation_id, article_id, article_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, article_id) DO NOTHING`,
		conversationID, articleID, articleURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving help article reference: %w", err)
	}
	return nil
}

// HelpArticleReference is one recorded article mention.
type HelpArticleReference struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ArticleID      string    `json:"article_id"`
	ArticleURL     string    `json:"article_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListHelpArticleReferences returns article references for a conversation.
func (s *Store) ListHelpArticleReferences(ctx context.Context, conversationID string) ([]HelpArticleReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, article_id, article_url, created_at
		FROM help_article_references WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing help article references: %w", err)
	}
	defer rows.Close()

	var refs []HelpArticleReference
	for rows.Next() {
		var r HelpArticleReference
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.ArticleID, &r.ArticleURL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning help article reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
