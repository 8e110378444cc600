package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tern-data/tern/internal/domain"
)

// UpsertRecord writes one extraction record and mirrors its status onto the
// file registry row in the same transaction, so a crash can never leave the
// two tables disagreeing.
func (s *Store) UpsertRecord(ctx context.Context, rec domain.ExtractionRecord) error {
	return s.UpsertRecords(ctx, []domain.ExtractionRecord{rec})
}

// UpsertRecords writes a batch of extraction records atomically.
func (s *Store) UpsertRecords(ctx context.Context, recs []domain.ExtractionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		rel := NormalizePath(rec.RelativePath)
		var fullResponse any
		if len(rec.FullResponse) > 0 {
			fullResponse = string(rec.FullResponse)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (run_id, relative_path, file_path, brand, purchaser, status,
				started_at, finished_at, latency_ms, status_code, error_message, pattern_key, full_response)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, relative_path) DO UPDATE SET
				file_path = excluded.file_path,
				brand = excluded.brand,
				purchaser = excluded.purchaser,
				status = excluded.status,
				started_at = COALESCE(excluded.started_at, records.started_at),
				finished_at = excluded.finished_at,
				latency_ms = excluded.latency_ms,
				status_code = excluded.status_code,
				error_message = excluded.error_message,
				pattern_key = excluded.pattern_key,
				full_response = COALESCE(excluded.full_response, records.full_response)`,
			rec.RunID, rel, rec.FilePath, rec.Brand, rec.Purchaser, rec.Status,
			fmtTimePtr(rec.StartedAt), fmtTimePtr(rec.FinishedAt),
			rec.LatencyMs, rec.StatusCode, rec.ErrorMessage, rec.PatternKey, fullResponse)
		if err != nil {
			return fmt.Errorf("upsert record %s/%s: %w", rec.RunID, rel, err)
		}

		var extractedAt any
		if rec.Status == domain.StatusDone && rec.FinishedAt != nil {
			extractedAt = fmtTime(*rec.FinishedAt)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE files SET extract_status = ?, extracted_at = COALESCE(?, extracted_at), last_run_id = ?
			WHERE relative_path = ?`,
			rec.Status, extractedAt, rec.RunID, rel)
		if err != nil {
			return fmt.Errorf("mirror file status %s: %w", rel, err)
		}
	}
	return tx.Commit()
}

// GetRecordsForRun returns every extraction record of a run.
func (s *Store) GetRecordsForRun(ctx context.Context, runID string) ([]domain.ExtractionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, relative_path, file_path, brand, purchaser, status,
			started_at, finished_at, latency_ms, status_code, error_message, pattern_key, full_response
		FROM records WHERE run_id = ? ORDER BY relative_path`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []domain.ExtractionRecord
	for rows.Next() {
		var (
			rec          domain.ExtractionRecord
			startedAt    sql.NullString
			finishedAt   sql.NullString
			fullResponse sql.NullString
		)
		err := rows.Scan(&rec.RunID, &rec.RelativePath, &rec.FilePath, &rec.Brand,
			&rec.Purchaser, &rec.Status, &startedAt, &finishedAt, &rec.LatencyMs,
			&rec.StatusCode, &rec.ErrorMessage, &rec.PatternKey, &fullResponse)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.StartedAt = parseTime(startedAt)
		rec.FinishedAt = parseTime(finishedAt)
		if fullResponse.Valid && fullResponse.String != "" {
			rec.FullResponse = []byte(fullResponse.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetProcessedPaths returns the paths with a terminal record (done, skipped,
// or error) in the given run. Resume uses this set to skip work already tried.
func (s *Store) GetProcessedPaths(ctx context.Context, runID string) (map[string]struct{}, error) {
	return s.pathsByStatus(ctx, runID, []string{"done", "skipped", "error"})
}

// GetCompletedPaths returns paths that finished successfully or were skipped
// in the given run. retry_failed resume keeps only these out of the queue.
func (s *Store) GetCompletedPaths(ctx context.Context, runID string) (map[string]struct{}, error) {
	return s.pathsByStatus(ctx, runID, []string{"done", "skipped"})
}

// GetErrorPaths returns paths whose record in the given run is an error.
func (s *Store) GetErrorPaths(ctx context.Context, runID string) (map[string]struct{}, error) {
	return s.pathsByStatus(ctx, runID, []string{"error"})
}

func (s *Store) pathsByStatus(ctx context.Context, runID string, statuses []string) (map[string]struct{}, error) {
	q := `SELECT relative_path FROM records WHERE run_id = ? AND status IN (`
	args := []any{runID}
	for i, st := range statuses {
		if i > 0 {
			q += ", "
		}
		q += "?"
		args = append(args, st)
	}
	q += ")"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query record paths: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}
