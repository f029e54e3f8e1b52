// Package story turns high-volume themes into work items. When a
// theme's conversation count crosses the configured threshold, a draft
// story is synthesized and can then be pushed to Shortcut exactly once.
package story

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/store"
)

// Config configures story synthesis and sync.
type Config struct {
	// Threshold is the conversation count at which a theme earns a
	// story.
	Threshold int

	// MaxSampleSummaries caps how many conversation summaries are
	// quoted in the story body.
	MaxSampleSummaries int
}

// Service synthesizes stories and syncs them to Shortcut.
type Service struct {
	config   Config
	store    *store.Store
	shortcut *ShortcutClient // nil disables sync
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a story service. shortcut may be nil, which
// leaves stories as local drafts.
func NewService(cfg Config, st *store.Store, shortcut *ShortcutClient, logger *zap.Logger) *Service {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.MaxSampleSummaries <= 0 {
		cfg.MaxSampleSummaries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:   cfg,
		store:    st,
		shortcut: shortcut,
		logger:   logger,
		tracer:   otel.Tracer("feedforward.story"),
	}
}

// SynthesizeDrafts creates or refreshes draft stories for every theme
// at or above the threshold. Returns the number of stories written.
func (s *Service) SynthesizeDrafts(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "story.SynthesizeDrafts")
	defer span.End()

	themes, err := s.store.ListThemes(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	written := 0
	for _, t := range themes {
		count, err := s.store.ThemeConversationCount(ctx, t.ID)
		if err != nil {
			span.RecordError(err)
			return written, err
		}
		if count < s.config.Threshold {
			continue
		}

		summaries, err := s.sampleSummaries(ctx, t.ID)
		if err != nil {
			span.RecordError(err)
			return written, err
		}

		story := s.buildStory(t, count, summaries)
		if existing, err := s.store.GetStoryByTheme(ctx, t.ID); err == nil {
			story.ID = existing.ID
			story.Status = existing.Status
		}

		if err := s.store.SaveStory(ctx, story); err != nil {
			span.RecordError(err)
			return written, err
		}
		written++

		s.logger.Info("story draft written",
			zap.String("theme_id", t.ID),
			zap.String("label", t.Label),
			zap.Int("conversations", count))
	}

	span.SetAttributes(attribute.Int("stories_written", written))
	return written, nil
}

func (s *Service) buildStory(t store.Theme, count int, summaries []string) store.Story {
	title := fmt.Sprintf("Recurring support theme: %s (%d conversations)", t.Label, count)

	var b strings.Builder
	fmt.Fprintf(&b, "%d customer conversations clustered into the theme %q", count, t.Label)
	if t.ProductArea != "" {
		fmt.Fprintf(&b, " (product area: %s)", t.ProductArea)
	}
	b.WriteString(".\n\nSample issues:\n")
	for _, sum := range summaries {
		b.WriteString("- ")
		b.WriteString(sum)
		b.WriteString("\n")
	}

	return store.Story{
		ID:                uuid.NewString(),
		ThemeID:           t.ID,
		Title:             title,
		Body:              b.String(),
		Status:            store.StoryStatusDraft,
		ConversationCount: count,
	}
}

// sampleSummaries pulls a handful of classification summaries for
// member conversations of a theme.
func (s *Service) sampleSummaries(ctx context.Context, themeID string) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT c.summary
		FROM classifications c
		JOIN theme_assignments a ON a.conversation_id = c.conversation_id
		WHERE a.theme_id = ? AND c.summary != ''
		ORDER BY a.assigned_at DESC
		LIMIT ?`, themeID, s.config.MaxSampleSummaries)
	if err != nil {
		return nil, fmt.Errorf("sampling summaries for theme %s: %w", themeID, err)
	}
	defer rows.Close()

	var summaries []string
	for rows.Next() {
		var sum string
		if err := rows.Scan(&sum); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Sync pushes draft stories to Shortcut. Stories that already have a
// shortcut_story_links row are skipped, so retries never duplicate.
// Returns the number of stories created in Shortcut.
func (s *Service) Sync(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "story.Sync")
	defer span.End()

	if s.shortcut == nil {
		return 0, fmt.Errorf("shortcut sync not configured")
	}

	stories, err := s.store.ListStories(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	created := 0
	for _, story := range stories {
		if _, err := s.store.GetStoryLink(ctx, story.ID); err == nil {
			continue // already synced
		}

		sc, err := s.shortcut.CreateStory(ctx, CreateStoryRequest{
			Name:        story.Title,
			Description: story.Body,
		})
		if err != nil {
			span.RecordError(err)
			return created, fmt.Errorf("creating shortcut story for %s: %w", story.ID, err)
		}

		if err := s.store.LinkShortcutStory(ctx, store.StoryLink{
			StoryID:         story.ID,
			ShortcutStoryID: sc.ID,
			ShortcutURL:     sc.AppURL,
		}); err != nil {
			span.RecordError(err)
			return created, err
		}
		if err := s.store.MarkStorySynced(ctx, story.ID); err != nil {
			span.RecordError(err)
			return created, err
		}
		created++

		s.logger.Info("story synced to shortcut",
			zap.String("story_id", story.ID),
			zap.Int64("shortcut_story_id", sc.ID))
	}

	span.SetAttributes(attribute.Int("stories_created", created))
	return created, nil
}
