package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DiagnosticEntry is one retained diagnostics record for a client: autoheal
// decisions, consistency evaluations, action audit entries.
type DiagnosticEntry struct {
	ID        int64           `json:"id"`
	ClientID  string          `json:"client_id"`
	Kind      string          `json:"kind"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// ClientConsistencySnapshot is the most recent client-reported table state
// used by the consistency reporter.
type ClientConsistencySnapshot struct {
	ClientID   string          `json:"client_id"`
	SnapshotAt int64           `json:"snapshot_at"`
	CursorSeq  int64           `json:"cursor_seq"`
	Payload    json.RawMessage `json:"payload"`
}

// AppendDiagnostic records a diagnostics entry for a client.
func (s *SQLiteStore) AppendDiagnostic(ctx context.Context, clientID, kind string, createdAt int64, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostics_snapshots (client_id, kind, created_at, payload)
		VALUES (?, ?, ?, ?)
	`, clientID, kind, createdAt, string(payload))
	if err != nil {
		return fmt.Errorf("append diagnostic: %w", err)
	}
	return nil
}

// RecentDiagnostics returns a client's diagnostics entries, newest first,
// optionally filtered by kind, up to limit (capped at 200).
func (s *SQLiteStore) RecentDiagnostics(ctx context.Context, clientID, kind string, limit int) ([]DiagnosticEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := `
		SELECT id, client_id, kind, created_at, payload
		FROM diagnostics_snapshots
		WHERE client_id = ?`
	args := []any{clientID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	entries := make([]DiagnosticEntry, 0)
	for rows.Next() {
		var e DiagnosticEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Kind, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountDiagnosticsSince counts a client's diagnostics entries of one kind
// with created_at >= since. Used for autoheal budget enforcement.
func (s *SQLiteStore) CountDiagnosticsSince(ctx context.Context, clientID, kind string, since int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM diagnostics_snapshots
		WHERE client_id = ? AND kind = ? AND created_at >= ?
	`, clientID, kind, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count diagnostics: %w", err)
	}
	return n, nil
}

// SaveClientConsistencySnapshot stores or replaces a client's latest
// self-reported table snapshot.
func (s *SQLiteStore) SaveClientConsistencySnapshot(ctx context.Context, snap *ClientConsistencySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_consistency_snapshots (client_id, snapshot_at, cursor_seq, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			snapshot_at = excluded.snapshot_at,
			cursor_seq = excluded.cursor_seq,
			payload = excluded.payload
	`, snap.ClientID, snap.SnapshotAt, snap.CursorSeq, string(snap.Payload))
	if err != nil {
		return fmt.Errorf("save consistency snapshot: %w", err)
	}
	return nil
}

// GetClientConsistencySnapshot returns a client's latest snapshot, or
// ErrNotFound if the client never reported one.
func (s *SQLiteStore) GetClientConsistencySnapshot(ctx context.Context, clientID string) (*ClientConsistencySnapshot, error) {
	var snap ClientConsistencySnapshot
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, snapshot_at, cursor_seq, payload
		FROM client_consistency_snapshots WHERE client_id = ?
	`, clientID).Scan(&snap.ClientID, &snap.SnapshotAt, &snap.CursorSeq, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consistency snapshot: %w", err)
	}
	snap.Payload = json.RawMessage(payload)
	return &snap, nil
}
