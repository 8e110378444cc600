package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tern-data/tern/internal/domain"
)

// CreateSchedule inserts a new schedule. Returns domain.ErrDuplicateSchedule
// when another schedule already occupies the same (cron, timezone) slot.
func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	return s.writeSchedule(ctx, sched, false)
}

// UpdateSchedule replaces an existing schedule. Returns domain.ErrNotFound if
// the id is unknown and domain.ErrDuplicateSchedule on a slot collision with
// a different schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sched domain.Schedule) error {
	return s.writeSchedule(ctx, sched, true)
}

func (s *Store) writeSchedule(ctx context.Context, sched domain.Schedule, update bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var clash int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM schedules
		WHERE cron = ? AND timezone = ? AND id != ?`,
		sched.Cron, sched.Timezone, sched.ID).Scan(&clash)
	if err != nil {
		return fmt.Errorf("check slot: %w", err)
	}
	if clash > 0 {
		return domain.ErrDuplicateSchedule
	}

	brands, _ := json.Marshal(sched.Brands)
	purchasers, _ := json.Marshal(sched.Purchasers)

	if update {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedules SET brands = ?, purchasers = ?, cron = ?, timezone = ?
			WHERE id = ?`,
			string(brands), string(purchasers), sched.Cron, sched.Timezone, sched.ID)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return domain.ErrNotFound
		}
	} else {
		createdAt := sched.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schedules (id, created_at, brands, purchasers, cron, timezone)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sched.ID, fmtTime(createdAt), string(brands), string(purchasers),
			sched.Cron, sched.Timezone); err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteSchedule removes a schedule. Returns domain.ErrNotFound if absent.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetSchedule returns one schedule, or nil if absent.
func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, brands, purchasers, cron, timezone
		FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sched, nil
}

// ListSchedules returns all schedules ordered by creation time.
func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, brands, purchasers, cron, timezone
		FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var (
		sched      domain.Schedule
		createdAt  string
		brands     string
		purchasers string
	)
	if err := row.Scan(&sched.ID, &createdAt, &brands, &purchasers, &sched.Cron, &sched.Timezone); err != nil {
		return sched, err
	}
	sched.CreatedAt = mustParseTime(createdAt)
	if err := json.Unmarshal([]byte(brands), &sched.Brands); err != nil {
		sched.Brands = nil
	}
	if err := json.Unmarshal([]byte(purchasers), &sched.Purchasers); err != nil {
		sched.Purchasers = nil
	}
	return sched, nil
}
