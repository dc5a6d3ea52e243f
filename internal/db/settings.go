package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Recognized app setting keys.
const (
	SettingWorkspaceMaxParallel = "workspace_max_parallel"
	SettingReconcilerAutoclose  = "reconciler_autoclose"
)

// Bounds for workspace_max_parallel.
const (
	WorkspaceMaxParallelDefault = 3
	WorkspaceMaxParallelMin     = 1
	WorkspaceMaxParallelMax     = 20
)

// GetSetting returns the raw value for a key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a key/value pair.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// WorkspaceMaxParallel returns the clamped workspace_max_parallel setting.
func (s *Store) WorkspaceMaxParallel() (int, error) {
	raw, err := s.GetSetting(SettingWorkspaceMaxParallel)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return WorkspaceMaxParallelDefault, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return WorkspaceMaxParallelDefault, nil
	}
	return ClampWorkspaceMaxParallel(n), nil
}

// ClampWorkspaceMaxParallel bounds n to the allowed range.
func ClampWorkspaceMaxParallel(n int) int {
	if n < WorkspaceMaxParallelMin {
		return WorkspaceMaxParallelMin
	}
	if n > WorkspaceMaxParallelMax {
		return WorkspaceMaxParallelMax
	}
	return n
}

// ReconcilerAutoclose reports whether the reconciler may auto-close
// TO_BE_REVIEW tasks whose branches merged externally. Off by default.
func (s *Store) ReconcilerAutoclose() (bool, error) {
	raw, err := s.GetSetting(SettingReconcilerAutoclose)
	if err != nil {
		return false, err
	}
	return raw == "true" || raw == "1", nil
}
