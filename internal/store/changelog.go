package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (table_name, row_id, op, payload, created_at)
	VALUES (?, ?, ?, ?, ?)`

// changeLogArgs returns the SQL arguments for inserting a ChangeLogEntry.
func changeLogArgs(e *recsync.ChangeLogEntry) []any {
	return []any{
		e.Table, e.RowID, e.Op,
		nullablePayload(e.Payload),
		e.CreatedAt,
	}
}

// AppendChangeLogTx appends a single entry within a transaction and returns
// the assigned server_seq. Sequence assignment happens here, inside the
// append, so callers must hold the ledger writer lock.
func (s *SQLiteStore) AppendChangeLogTx(ctx context.Context, tx *sql.Tx, entry *recsync.ChangeLogEntry) (int64, error) {
	result, err := tx.ExecContext(ctx, insertChangeLogSQL, changeLogArgs(entry)...)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	entry.ServerSeq = seq
	return seq, nil
}

// GetChangeLogAfter returns entries with server_seq > afterSeq, ascending,
// up to limit.
func (s *SQLiteStore) GetChangeLogAfter(ctx context.Context, afterSeq int64, limit int) ([]recsync.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_seq, table_name, row_id, op, payload, created_at
		FROM change_log
		WHERE server_seq > ?
		ORDER BY server_seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]recsync.ChangeLogEntry, 0)
	for rows.Next() {
		var e recsync.ChangeLogEntry
		var payload sql.NullString

		if err := rows.Scan(&e.ServerSeq, &e.Table, &e.RowID, &e.Op, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLatestSequence returns the highest server_seq in the change log.
// Returns 0 if the change log is empty.
func (s *SQLiteStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(server_seq) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LatestForRow returns the newest change-log entry naming the given row.
func (s *SQLiteStore) LatestForRow(ctx context.Context, table, rowID string) (*recsync.ChangeLogEntry, error) {
	var e recsync.ChangeLogEntry
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT server_seq, table_name, row_id, op, payload, created_at
		FROM change_log
		WHERE table_name = ? AND row_id = ?
		ORDER BY server_seq DESC
		LIMIT 1
	`, table, rowID).Scan(&e.ServerSeq, &e.Table, &e.RowID, &e.Op, &payload, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest change for row: %w", err)
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	return &e, nil
}

// CountChangeLog returns the total number of change-log entries.
func (s *SQLiteStore) CountChangeLog(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count change log: %w", err)
	}
	return n, nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
