package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusStopped   = "stopped"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Checkpoint is the pipeline's durable progress for one run. Cursor
// and the counters only ever move forward within a run.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	Cursor     string    `json:"cursor"`
	Fetched    int       `json:"fetched"`
	Classified int       `json:"classified"`
	Clustered  int       `json:"clustered"`
	Failed     int       `json:"failed"`
	Phase      string    `json:"phase"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreateRun records the start of a pipeline run.
func (s *Store) CreateRun(ctx context.Context, id string) (Run, error) {
	run := Run{ID: id, Status: RunStatusRunning, StartedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, status, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Status, run.StartedAt)
	if err != nil {
		return Run{}, fmt.Errorf("creating run %s: %w", id, err)
	}
	return run, nil
}

// FinishRun marks a run terminal with the given status.
func (s *Store) FinishRun(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, finished_at, error FROM pipeline_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Status, &run.StartedAt, &finished, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// ListRuns returns runs newest first, capped at limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, finished_at, error FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Status, &run.StartedAt, &finished, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveCheckpoint upserts the checkpoint for a run in one statement, so
// a crash never leaves a half-written checkpoint behind.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_checkpoints (run_id, cursor, fetched, classified, clustered, failed, phase, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			cursor = excluded.cursor,
			fetched = excluded.fetched,
			classified = excluded.classified,
			clustered = excluded.clustered,
			failed = excluded.failed,
			phase = excluded.phase,
			updated_at = excluded.updated_at`,
		cp.RunID, cp.Cursor, cp.Fetched, cp.Classified, cp.Clustered, cp.Failed, cp.Phase, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for run %s: %w", cp.RunID, err)
	}
	return nil
}

// GetCheckpoint loads the checkpoint for a run.
func (s *Store) GetCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, cursor, fetched, classified, clustered, failed, phase, updated_at
		FROM pipeline_checkpoints WHERE run_id = ?`, runID,
	).Scan(&cp.RunID, &cp.Cursor, &cp.Fetched, &cp.Classified, &cp.Clustered, &cp.Failed, &cp.Phase, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("checkpoint for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint for run %s: %w", runID, err)
	}
	return cp, nil
}

// LatestCheckpoint returns the most recently updated checkpoint.
func (s *Store) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, cursor, fetched, classified, clustered, failed, phase, updated_at
		FROM pipeline_checkpoints ORDER BY updated_at DESC LIMIT 1`,
	).Scan(&cp.RunID, &cp.Cursor, &cp.Fetched, &cp.Classified, &cp.Clustered, &cp.Failed, &cp.Phase, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, cursor, fetched, classified, clustered, failed, phase, updated_at
		FROM pipeline_checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.RunID, &cp.Cursor, &cp.Fetched, &cp.Classified, &cp.Clustered, &cp.Failed, &cp.Phase, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// DeleteCheckpoint removes a run's checkpoint.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("deleting checkpoint for run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("checkpoint for run %s: %w", runID, ErrNotFound)
	}
	return nil
}
