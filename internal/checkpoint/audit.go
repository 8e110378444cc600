package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tern-data/tern/internal/domain"
)

// AppendAudit records one schedule tick outcome. Audit writes are advisory:
// callers log the returned error but never fail the tick on it.
func (s *Store) AppendAudit(ctx context.Context, entry domain.ScheduleAuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	level := entry.Level
	if level == "" {
		level = "info"
	}
	var data any
	if len(entry.Data) > 0 {
		data = string(entry.Data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_audit (timestamp, schedule_id, outcome, level, message, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fmtTime(ts), entry.ScheduleID, entry.Outcome, level, entry.Message, data)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest first with limit/offset paging, plus
// the total row count for the pager.
func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]domain.ScheduleAuditEntry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedule_audit`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, schedule_id, outcome, level, message, data
		FROM schedule_audit ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleAuditEntry
	for rows.Next() {
		var (
			e    domain.ScheduleAuditEntry
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ScheduleID, &e.Outcome, &e.Level, &e.Message, &data); err != nil {
			return nil, 0, fmt.Errorf("scan audit: %w", err)
		}
		e.Timestamp = mustParseTime(ts)
		if data.Valid && data.String != "" {
			e.Data = []byte(data.String)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// DeleteAuditOlderThan prunes audit rows older than the cutoff and returns
// how many were removed.
func (s *Store) DeleteAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_audit WHERE timestamp < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
