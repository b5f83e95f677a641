// Package state persists the engine's heartbeat and event journal in
// sqlite. Everything here is advisory: the engine treats store failures as
// warnings and keeps running without persistence.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JournalEntry is one audit row. The journal is append-only; correctness
// of the engine never depends on it.
type JournalEntry struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	SessionID string         `json:"session_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// WriteHeartbeat upserts the single heartbeat row.
func (s *Store) WriteHeartbeat(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat (id, beat_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET beat_at = excluded.beat_at
	`, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat returns the last persisted heartbeat. The bool reports
// whether one exists (false on first-ever start).
func (s *Store) ReadHeartbeat(ctx context.Context) (time.Time, bool, error) {
	var beatStr string
	err := s.db.QueryRowContext(ctx, `SELECT beat_at FROM heartbeat WHERE id = 1`).Scan(&beatStr)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat: %w", err)
	}
	beat, err := time.Parse(time.RFC3339Nano, beatStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat: %w", err)
	}
	return beat, true, nil
}

func (s *Store) AppendEvent(ctx context.Context, entry JournalEntry) error {
	payloadJSON, err := encodeJSON(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, stream, session_id, subject, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Stream, nullString(entry.SessionID), nullString(entry.Subject), payloadJSON, entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert journal event: %w", err)
	}
	return nil
}

func (s *Store) RecentEvents(ctx context.Context, stream string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, stream, session_id, subject, payload, created_at FROM events`
	args := []any{}
	if stream != "" {
		query += ` WHERE stream = ?`
		args = append(args, stream)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var sessionID, subject, payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.Stream, &sessionID, &subject, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		entry.SessionID = sessionID.String
		entry.Subject = subject.String
		entry.Payload = decodeJSONMap(payloadStr.String)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal events: %w", err)
	}
	return out, nil
}

// PruneEventsOlderThan removes journal rows created before the cutoff and
// returns how many were deleted.
func (s *Store) PruneEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune journal events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
