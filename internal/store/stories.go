package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Story is a synthesized work item for a theme that crossed the
// volume threshold.
type Story struct {
	ID                string    `json:"id"`
	ThemeID           string    `json:"theme_id"`
	Title             string    `json:"title"`
	Body              string    `json:"body"`
	Status            string    `json:"status"`
	ConversationCount int       `json:"conversation_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StoryLink ties a local story to the Shortcut story created for it.
type StoryLink struct {
	StoryID         string    `json:"story_id"`
	ShortcutStoryID int64     `json:"shortcut_story_id"`
	ShortcutURL     string    `json:"shortcut_url"`
	CreatedAt       time.Time `json:"created_at"`
}

// Story statuses.
const (
	StoryStatusDraft  = "draft"
	StoryStatusSynced = "synced"
)

// SaveStory upserts a story. Each theme gets at most one story; a
// refresh updates the body and conversation count in place.
func (s *Store) SaveStory(ctx context.Context, story Story) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (id, theme_id, title, body, status, conversation_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(theme_id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			conversation_count = excluded.conversation_count,
			updated_at = excluded.updated_at`,
		story.ID, story.ThemeID, story.Title, story.Body, story.Status,
		story.ConversationCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving story for theme %s: %w", story.ThemeID, err)
	}
	return nil
}

// GetStoryByTheme loads the story for a theme.
func (s *Store) GetStoryByTheme(ctx context.Context, themeID string) (Story, error) {
	var story Story
	err := s.db.QueryRowContext(ctx, `
		SELECT id, theme_id, title, body, status, conversation_count, created_at, updated_at
		FROM stories WHERE theme_id = ?`, themeID,
	).Scan(&story.ID, &story.ThemeID, &story.Title, &story.Body, &story.Status,
		&story.ConversationCount, &story.CreatedAt, &story.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Story{}, fmt.Errorf("story for theme %s: %w", themeID, ErrNotFound)
	}
	if err != nil {
		return Story{}, fmt.Errorf("loading story for theme %s: %w", themeID, err)
	}
	return story, nil
}

// ListStories returns all stories, newest first.
func (s *Store) ListStories(ctx context.Context) ([]Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, theme_id, title, body, status, conversation_count, created_at, updated_at
		FROM stories ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing stories: %w", err)
	}
	defer rows.Close()

	var stories []Story
	for rows.Next() {
		var story Story
		if err := rows.Scan(&story.ID, &story.ThemeID, &story.Title, &story.Body, &story.Status,
			&story.ConversationCount, &story.CreatedAt, &story.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning story: %w", err)
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

// MarkStorySynced updates a story's status after a Shortcut sync.
func (s *Store) MarkStorySynced(ctx context.Context, storyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET status = ?, updated_at = ? WHERE id = ?`,
		StoryStatusSynced, time.Now().UTC(), storyID)
	if err != nil {
		return fmt.Errorf("marking story %s synced: %w", storyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	return nil
}

// LinkShortcutStory records the Shortcut story created for a local
// story. The unique constraints make the sync idempotent: a second
// sync of the same story is a no-op.
func (s *Store) LinkShortcutStory(ctx context.Context, link StoryLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shortcut_story_links (story_id, shortcut_story_id, shortcut_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(story_id) DO NOTHING`,
		link.StoryID, link.ShortcutStoryID, link.ShortcutURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("linking story %s to shortcut: %w", link.StoryID, err)
	}
	return nil
}

// GetStoryLink loads the Shortcut link for a story, if any.
func (s *Store) GetStoryLink(ctx context.Context, storyID string) (StoryLink, error) {
	var link StoryLink
	err := s.db.QueryRowContext(ctx, `
		SELECT story_id, shortcut_story_id, shortcut_url, created_at
		FROM shortcut_story_links WHERE story_id = ?`, storyID,
	).Scan(&link.StoryID, &link.ShortcutStoryID, &link.ShortcutURL, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoryLink{}, fmt.Errorf("shortcut link for story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return StoryLink{}, fmt.Errorf("loading shortcut link for %s: %w", storyID, err)
	}
	return link, nil
}
