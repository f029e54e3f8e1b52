package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Theme is a canonical cluster of related conversations.
type Theme struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	ProductArea string    `json:"product_area"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ThemeCount is a theme with its conversation count over some window.
type ThemeCount struct {
	ThemeID     string `json:"theme_id"`
	Label       string `json:"label"`
	ProductArea string `json:"product_area"`
	Count       int    `json:"count"`

	// MemberCount is the theme's all-time cluster size, as opposed to
	// Count which is scoped to the queried window.
	MemberCount int `json:"member_count"`
}

// UpsertTheme inserts a theme or refreshes its label metadata.
func (s *Store) UpsertTheme(ctx context.Context, t Theme) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO themes (id, label, product_area, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			product_area = excluded.product_area,
			updated_at = excluded.updated_at`,
		t.ID, t.Label, t.ProductArea, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting theme %s: %w", t.ID, err)
	}
	return nil
}

// GetTheme loads one theme.
func (s *Store) GetTheme(ctx context.Context, id string) (Theme, error) {
	var t Theme
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, product_area, created_at, updated_at FROM themes WHERE id = ?`, id,
	).Scan(&t.ID, &t.Label, &t.ProductArea, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Theme{}, fmt.Errorf("theme %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Theme{}, fmt.Errorf("loading theme %s: %w", id, err)
	}
	return t, nil
}

// ListThemes returns all themes ordered by label.
func (s *Store) ListThemes(ctx context.Context) ([]Theme, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, product_area, created_at, updated_at FROM themes ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("listing themes: %w", err)
	}
	defer rows.Close()

	var themes []Theme
	for rows.Next() {
		var t Theme
		if err := rows.Scan(&t.ID, &t.Label, &t.ProductArea, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning theme: %w", err)
		}
		themes = append(themes, t)
	}
	return themes, rows.Err()
}

// AssignConversation records which theme a conversation clustered into.
// A conversation belongs to exactly one theme; reassignment overwrites.
func (s *Store) AssignConversation(ctx context.Context, conversationID, themeID string, similarity float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO theme_assignments (conversation_id, theme_id, similarity, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			theme_id = excluded.theme_id,
			similarity = excluded.similarity,
			assigned_at = excluded.assigned_at`,
		conversationID, themeID, similarity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("assigning conversation %s to theme %s: %w", conversationID, themeID, err)
	}
	return nil
}

// ReassignTheme moves every assignment from one theme to another and
// deletes the source theme. Used when the clusterer merges themes.
func (s *Store) ReassignTheme(ctx context.Context, fromThemeID, toThemeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning theme reassignment: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE theme_assignments SET theme_id = ? WHERE theme_id = ?`, toThemeID, fromThemeID); err != nil {
		return fmt.Errorf("moving assignments from %s to %s: %w", fromThemeID, toThemeID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stories WHERE theme_id = ?`, fromThemeID); err != nil {
		return fmt.Errorf("removing stories for merged theme %s: %w", fromThemeID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM themes WHERE id = ?`, fromThemeID); err != nil {
		return fmt.Errorf("deleting merged theme %s: %w", fromThemeID, err)
	}

	return tx.Commit()
}

// ThemeCounts returns conversation counts per theme for conversations
// created in [since, until). Results are ordered by count descending,
// then label for a stable order.
func (s *Store) ThemeCounts(ctx context.Context, since, until time.Time) ([]ThemeCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.label, t.product_area, COUNT(a.conversation_id) AS n, t.member_count
		FROM themes t
		JOIN theme_assignments a ON a.theme_id = t.id
		JOIN conversations c ON c.id = a.conversation_id
		WHERE c.source_created_at >= ? AND c.source_created_at < ?
		GROUP BY t.id, t.label, t.product_area, t.member_count
		ORDER BY n DESC, t.label`, since, until)
	if err != nil {
		return nil, fmt.Errorf("counting themes: %w", err)
	}
	defer rows.Close()

	var counts []ThemeCount
	for rows.Next() {
		var tc ThemeCount
		if err := rows.Scan(&tc.ThemeID, &tc.Label, &tc.ProductArea, &tc.Count, &tc.MemberCount); err != nil {
			return nil, fmt.Errorf("scanning theme count: %w", err)
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// UpdateThemeCentroid persists a theme's centroid vector and member
// count so the cluster engine can reseed itself after a restart.
func (s *Store) UpdateThemeCentroid(ctx context.Context, themeID string, centroid []float32, memberCount int) error {
	data, err := json.Marshal(centroid)
	if err != nil {
		return fmt.Errorf("encoding centroid for theme %s: %w", themeID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE themes SET centroid = ?, member_count = ?, updated_at = ? WHERE id = ?`,
		data, memberCount, time.Now().UTC(), themeID)
	if err != nil {
		return fmt.Errorf("updating centroid for theme %s: %w", themeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("theme %s: %w", themeID, ErrNotFound)
	}
	return nil
}

// ThemeCentroid pairs a theme with its persisted centroid.
type ThemeCentroid struct {
	Theme       Theme
	Centroid    []float32
	MemberCount int
}

// ThemeCentroids returns every theme that has a stored centroid.
func (s *Store) ThemeCentroids(ctx context.Context) ([]ThemeCentroid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, product_area, created_at, updated_at, centroid, member_count
		FROM themes WHERE centroid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing theme centroids: %w", err)
	}
	defer rows.Close()

	var out []ThemeCentroid
	for rows.Next() {
		var tc ThemeCentroid
		var data []byte
		if err := rows.Scan(&tc.Theme.ID, &tc.Theme.Label, &tc.Theme.ProductArea,
			&tc.Theme.CreatedAt, &tc.Theme.UpdatedAt, &data, &tc.MemberCount); err != nil {
			return nil, fmt.Errorf("scanning theme centroid: %w", err)
		}
		if err := json.Unmarshal(data, &tc.Centroid); err != nil {
			return nil, fmt.Errorf("decoding centroid for theme %s: %w", tc.Theme.ID, err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ThemeSummaries returns up to limit member classification summaries
// for a theme, most recently classified first. Empty summaries are
// skipped.
func (s *Store) ThemeSummaries(ctx context.Context, themeID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.summary
		FROM classifications c
		JOIN theme_assignments a ON a.conversation_id = c.conversation_id
		WHERE a.theme_id = ? AND c.summary != ''
		ORDER BY c.classified_at DESC
		LIMIT ?`, themeID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading summaries for theme %s: %w", themeID, err)
	}
	defer rows.Close()

	var summaries []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning theme summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ThemeConversationCount returns the all-time conversation count for a
// single theme.
func (s *Store) ThemeConversationCount(ctx context.Context, themeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM theme_assignments WHERE theme_id = ?`, themeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting conversations for theme %s: %w", themeID, err)
	}
	return n, nil
}
