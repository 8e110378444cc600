package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tern-data/tern/internal/domain"
)

// GetValue returns a KV value, or ("", false) if the key is unset.
func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get value %s: %w", key, err)
	}
	return v, true, nil
}

// SetValue upserts a KV value.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set value %s: %w", key, err)
	}
	return nil
}

// DeleteValue removes a KV key. Deleting an absent key is not an error.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM app_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete value %s: %w", key, err)
	}
	return nil
}

// GetRunState reads the persisted resume record for a case, or nil if none.
func (s *Store) GetRunState(ctx context.Context, caseID domain.CaseID) (*domain.RunState, error) {
	raw, ok, err := s.GetValue(ctx, domain.KeyLastRunStatePrefix+string(caseID))
	if err != nil || !ok {
		return nil, err
	}
	var state domain.RunState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &state, nil
}

// SetRunState persists the resume record for a case.
func (s *Store) SetRunState(ctx context.Context, caseID domain.CaseID, state domain.RunState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	return s.SetValue(ctx, domain.KeyLastRunStatePrefix+string(caseID), string(blob))
}

// ClearRunState removes the resume record for a case.
func (s *Store) ClearRunState(ctx context.Context, caseID domain.CaseID) error {
	return s.DeleteValue(ctx, domain.KeyLastRunStatePrefix+string(caseID))
}
