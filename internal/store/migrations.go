package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// migration is a single schema change. Versions are applied in order
// and recorded in schema_migrations.
type migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "conversations and classifications",
		Up: `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	transcript TEXT NOT NULL,
	source_created_at TIMESTAMP NOT NULL,
	source_updated_at TIMESTAMP NOT NULL,
	fetched_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS classifications (
	conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
	theme_label TEXT NOT NULL,
	product_area TEXT NOT NULL,
	sentiment TEXT NOT NULL,
	urgency TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	classified_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(source_created_at);
CREATE INDEX IF NOT EXISTS idx_classifications_label ON classifications(theme_label);
`,
	},
	{
		Version:     2,
		Description: "themes and assignments",
		Up: `
CREATE TABLE IF NOT EXISTS themes (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	product_area TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_themes_label ON themes(label);

CREATE TABLE IF NOT EXISTS theme_assignments (
	conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
	theme_id TEXT NOT NULL REFERENCES themes(id),
	similarity REAL NOT NULL,
	assigned_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_theme ON theme_assignments(theme_id);
`,
	},
	{
		Version:     3,
		Description: "stories, shortcut links, help article references",
		Up: `
CREATE TABLE IF NOT EXISTS stories (
	id TEXT PRIMARY KEY,
	theme_id TEXT NOT NULL REFERENCES themes(id),
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	conversation_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(theme_id)
);

CREATE TABLE IF NOT EXISTS shortcut_story_links (
	story_id TEXT NOT NULL REFERENCES stories(id),
	shortcut_story_id INTEGER NOT NULL,
	shortcut_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(story_id),
	UNIQUE(shortcut_story_id)
);

CREATE TABLE IF NOT EXISTS help_article_references (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	article_id TEXT NOT NULL,
	article_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(conversation_id, article_id)
);
`,
	},
	{
		Version:     4,
		Description: "pipeline runs and checkpoints",
		Up: `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
	run_id TEXT PRIMARY KEY REFERENCES pipeline_runs(id),
	cursor TEXT NOT NULL DEFAULT '',
	fetched INTEGER NOT NULL DEFAULT 0,
	classified INTEGER NOT NULL DEFAULT 0,
	clustered INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	phase TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON pipeline_checkpoints(updated_at);
`,
	},
	{
		Version:     5,
		Description: "theme centroids for cluster resume",
		Up: `
ALTER TABLE themes ADD COLUMN centroid BLOB;
ALTER TABLE themes ADD COLUMN member_count INTEGER NOT NULL DEFAULT 0;
`,
	},
}

func applyMigrations(db *sql.DB, logger *zap.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	sorted := make([]migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.Version, err)
		}

		logger.Info("applied migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
	}

	return nil
}
