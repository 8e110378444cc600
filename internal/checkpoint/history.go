package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tern-data/tern/internal/domain"
)

// AppendSyncHistory records the outcome of one sync invocation.
func (s *Store) AppendSyncHistory(ctx context.Context, entry domain.SyncHistoryEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	brands, _ := json.Marshal(entry.Brands)
	purchasers, _ := json.Marshal(entry.Purchasers)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (timestamp, synced, skipped, errors, brands, purchasers)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fmtTime(ts), entry.Synced, entry.Skipped, entry.Errors,
		string(brands), string(purchasers))
	if err != nil {
		return fmt.Errorf("append sync history: %w", err)
	}
	return nil
}

// ListSyncHistory returns sync invocations newest first, bounded by limit
// (0 means no bound).
func (s *Store) ListSyncHistory(ctx context.Context, limit int) ([]domain.SyncHistoryEntry, error) {
	q := `SELECT id, timestamp, synced, skipped, errors, brands, purchasers
		FROM sync_history ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync history: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncHistoryEntry
	for rows.Next() {
		var (
			e          domain.SyncHistoryEntry
			ts         string
			brands     string
			purchasers string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Synced, &e.Skipped, &e.Errors, &brands, &purchasers); err != nil {
			return nil, fmt.Errorf("scan sync history: %w", err)
		}
		e.Timestamp = mustParseTime(ts)
		if err := json.Unmarshal([]byte(brands), &e.Brands); err != nil {
			e.Brands = nil
		}
		if err := json.Unmarshal([]byte(purchasers), &e.Purchasers); err != nil {
			e.Purchasers = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
