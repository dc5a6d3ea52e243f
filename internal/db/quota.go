package db

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertQuotaState records the latest quota condition for a provider account.
func (s *Store) UpsertQuotaState(provider, accountLabel, state, note string) error {
	if accountLabel == "" {
		accountLabel = "default"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO quota_states (provider, account_label, state, last_event_at, note)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, account_label) DO UPDATE SET
			state = excluded.state,
			last_event_at = excluded.last_event_at,
			note = excluded.note
	`, provider, accountLabel, state, now, nullStr(note))
	if err != nil {
		return fmt.Errorf("upsert quota state: %w", err)
	}
	return nil
}

// ListQuotaStates returns all quota state rows.
func (s *Store) ListQuotaStates() ([]*QuotaState, error) {
	rows, err := s.db.Query(`SELECT id, provider, account_label, state, last_event_at, note
		FROM quota_states ORDER BY provider, account_label`)
	if err != nil {
		return nil, fmt.Errorf("query quota states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*QuotaState
	for rows.Next() {
		var q QuotaState
		var lastEvent, note sql.NullString
		if err := rows.Scan(&q.ID, &q.Provider, &q.AccountLabel, &q.State, &lastEvent, &note); err != nil {
			return nil, fmt.Errorf("scan quota state: %w", err)
		}
		if lastEvent.Valid {
			t := parseTime(lastEvent.String)
			q.LastEventAt = &t
		}
		q.Note = note.String
		out = append(out, &q)
	}
	return out, rows.Err()
}

// QuotaProvider maps a backend label to its provider name for quota
// bookkeeping.
func QuotaProvider(backend string) string {
	switch backend {
	case BackendClaudeCode:
		return "claude"
	case BackendCodexCLI:
		return "openai"
	case BackendCopilotCLI:
		return "github"
	default:
		return backend
	}
}
