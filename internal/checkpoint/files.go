package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tern-data/tern/internal/domain"
)

// FileFilter narrows file registry queries to a run scope. Pairs wins over
// (Brand, Purchaser); an empty filter matches everything.
type FileFilter struct {
	Brand     string
	Purchaser string
	Pairs     []domain.Pair
}

func (f FileFilter) clause() (string, []any) {
	if len(f.Pairs) > 0 {
		where := " AND ("
		var args []any
		for i, p := range f.Pairs {
			if i > 0 {
				where += " OR "
			}
			if p.Purchaser == "" {
				where += "brand = ?"
				args = append(args, p.Tenant)
			} else {
				where += "(brand = ? AND purchaser = ?)"
				args = append(args, p.Tenant, p.Purchaser)
			}
		}
		return where + ")", args
	}
	where := ""
	var args []any
	if f.Brand != "" {
		where += " AND brand = ?"
		args = append(args, f.Brand)
	}
	if f.Purchaser != "" {
		where += " AND purchaser = ?"
		args = append(args, f.Purchaser)
	}
	return where, args
}

const fileColumns = `relative_path, full_path, brand, purchaser, size, etag, sha256,
	synced_at, registered_at, extract_status, extracted_at, last_run_id`

func scanFile(row interface{ Scan(...any) error }) (domain.FileEntry, error) {
	var (
		f            domain.FileEntry
		syncedAt     sql.NullString
		registeredAt string
		extractedAt  sql.NullString
	)
	err := row.Scan(&f.RelativePath, &f.FullPath, &f.Brand, &f.Purchaser, &f.Size,
		&f.ETag, &f.SHA256, &syncedAt, &registeredAt, &f.ExtractStatus, &extractedAt, &f.LastRunID)
	if err != nil {
		return f, err
	}
	f.SyncedAt = parseTime(syncedAt)
	f.RegisteredAt = mustParseTime(registeredAt)
	f.ExtractedAt = parseTime(extractedAt)
	return f, nil
}

// RegisterFiles upserts file registry rows in one transaction. Existing rows
// keep their extraction state; only the sync-side columns are refreshed.
func (s *Store) RegisterFiles(ctx context.Context, entries []domain.FileEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (relative_path, full_path, brand, purchaser, size, etag, sha256,
			synced_at, registered_at, extract_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
		ON CONFLICT (relative_path) DO UPDATE SET
			full_path = excluded.full_path,
			brand = excluded.brand,
			purchaser = excluded.purchaser,
			size = excluded.size,
			etag = excluded.etag,
			sha256 = excluded.sha256,
			synced_at = excluded.synced_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := fmtTime(time.Now())
	for _, e := range entries {
		registeredAt := now
		if !e.RegisteredAt.IsZero() {
			registeredAt = fmtTime(e.RegisteredAt)
		}
		_, err := stmt.ExecContext(ctx, NormalizePath(e.RelativePath), e.FullPath,
			e.Brand, e.Purchaser, e.Size, e.ETag, e.SHA256,
			fmtTimePtr(e.SyncedAt), registeredAt)
		if err != nil {
			return fmt.Errorf("upsert file %s: %w", e.RelativePath, err)
		}
	}
	return tx.Commit()
}

// GetFile returns a single registry row, or nil if it does not exist.
func (s *Store) GetFile(ctx context.Context, relativePath string) (*domain.FileEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE relative_path = ?`,
		NormalizePath(relativePath))
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &f, nil
}

// UpdateFileStatus moves one file to a new extraction status, stamping
// extracted_at on done and recording the run that touched it.
func (s *Store) UpdateFileStatus(ctx context.Context, relativePath string, status domain.ExtractStatus, runID string) error {
	var extractedAt any
	if status == domain.StatusDone {
		extractedAt = fmtTime(time.Now())
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET extract_status = ?, extracted_at = COALESCE(?, extracted_at), last_run_id = ?
		WHERE relative_path = ?`,
		status, extractedAt, runID, NormalizePath(relativePath))
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	return nil
}

// GetUnextractedFiles returns scoped files that still need extraction, which
// is everything not yet done. Skipped files stay eligible for a later pass.
func (s *Store) GetUnextractedFiles(ctx context.Context, filter FileFilter) ([]domain.FileEntry, error) {
	where, args := filter.clause()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE extract_status != 'done'`+where+`
		ORDER BY relative_path`, args...)
	if err != nil {
		return nil, fmt.Errorf("query unextracted files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// GetFailedFiles returns scoped files whose most recent extraction record is
// an error. Used by retry-failed runs to rebuild the candidate set.
func (s *Store) GetFailedFiles(ctx context.Context, filter FileFilter) ([]domain.FileEntry, error) {
	where, args := filter.clause()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files f
		WHERE EXISTS (
			SELECT 1 FROM records r
			WHERE r.relative_path = f.relative_path
			  AND r.status = 'error'
			  AND r.started_at = (
				SELECT MAX(r2.started_at) FROM records r2
				WHERE r2.relative_path = f.relative_path AND r2.status != 'running'
			  )
		)`+where+`
		ORDER BY relative_path`, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// ListFiles returns scoped registry rows, newest registration first.
func (s *Store) ListFiles(ctx context.Context, filter FileFilter, limit int) ([]domain.FileEntry, error) {
	where, args := filter.clause()
	q := `SELECT ` + fileColumns + ` FROM files WHERE 1=1` + where + ` ORDER BY registered_at DESC`
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]domain.FileEntry, error) {
	var out []domain.FileEntry
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
