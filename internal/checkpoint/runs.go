package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tern-data/tern/internal/domain"
)

// StartNewRun allocates the next run id and opens the run, all in one
// transaction: the last_run_number counter is read and incremented, the run
// row is inserted as running, and current_run_id is pointed at it. Sequence
// numbers never repeat even if a run row is later deleted.
func (s *Store) StartNewRun(ctx context.Context) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM app_config WHERE key = ?`, domain.KeyLastRunNumber).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read run counter: %w", err)
	}
	n := 0
	if raw.Valid {
		n, _ = strconv.Atoi(raw.String)
	}
	n++
	runID := "RUN" + strconv.Itoa(n)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		domain.KeyLastRunNumber, strconv.Itoa(n)); err != nil {
		return "", fmt.Errorf("advance run counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, status) VALUES (?, ?, ?)`,
		runID, fmtTime(time.Now()), domain.RunStatusRunning); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		domain.KeyCurrentRunID, runID); err != nil {
		return "", fmt.Errorf("set current run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}

// MarkRunCompleted closes a run with a terminal status and stamps
// last_run_completed when the run succeeded.
func (s *Store) MarkRunCompleted(ctx context.Context, runID string, status domain.RunStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, now, runID); err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	if status == domain.RunStatusDone {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_config (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			domain.KeyLastRunCompleted, now); err != nil {
			return fmt.Errorf("stamp last completion: %w", err)
		}
	}
	return tx.Commit()
}

// SaveRunSummary persists the computed summary blob on the run row.
func (s *Store) SaveRunSummary(ctx context.Context, runID string, summary *domain.RunSummary) error {
	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ? WHERE run_id = ?`, string(blob), runID); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// GetRun returns one run, or nil if it does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, status, summary
		FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns runs newest first, bounded by limit (0 means no bound).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	q := `SELECT run_id, started_at, finished_at, status, summary
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunningRuns returns runs still marked running. The startup recovery
// sweep closes these as interrupted.
func (s *Store) ListRunningRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, status, summary
		FROM runs WHERE status = ? ORDER BY started_at`, domain.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var (
		r          domain.Run
		startedAt  string
		finishedAt sql.NullString
		summary    sql.NullString
	)
	if err := row.Scan(&r.RunID, &startedAt, &finishedAt, &r.Status, &summary); err != nil {
		return r, err
	}
	r.StartedAt = mustParseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	if summary.Valid && summary.String != "" {
		r.Summary = []byte(summary.String)
	}
	return r, nil
}
