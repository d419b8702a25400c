// Package client is the sync agent: a local mirror of the registry tables,
// an HTTP client for the server protocol and a single-flight cycle runner.
package client

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/registry"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// Row sync statuses in the local mirror.
const (
	StatusSynced  = "synced"
	StatusPending = "pending"
	StatusError   = "error"
)

// LocalRow is one mirrored row: the document holds the local (camelCase)
// form produced by the registry field map.
type LocalRow struct {
	Table         string
	RowID         string
	Doc           map[string]any
	SyncStatus    string
	LastServerSeq int64
	UpdatedAt     int64
	DeletedAt     int64
}

// LocalStore is the client-side mirror: one document row per synced record
// plus a single global pull cursor.
type LocalStore struct {
	db       *sql.DB
	registry *registry.Registry
}

const localSchema = `
CREATE TABLE IF NOT EXISTS local_rows (
	table_name      TEXT NOT NULL,
	row_id          TEXT NOT NULL,
	doc             TEXT NOT NULL,
	sync_status     TEXT NOT NULL DEFAULT 'synced',
	last_server_seq INTEGER,
	updated_at      INTEGER NOT NULL,
	deleted_at      INTEGER,
	PRIMARY KEY (table_name, row_id)
);
CREATE INDEX IF NOT EXISTS idx_local_rows_status ON local_rows(sync_status);
CREATE TABLE IF NOT EXISTS sync_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	cursor_seq INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO sync_state (id, cursor_seq) VALUES (1, 0);
`

// NewLocalStore opens (and initializes) the mirror database.
func NewLocalStore(dbPath string, reg *registry.Registry) (*LocalStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &LocalStore{db: db, registry: reg}, nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Cursor returns the global pull cursor.
func (s *LocalStore) Cursor(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor_seq FROM sync_state WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return seq, nil
}

// SetCursor advances (or resets) the global pull cursor.
func (s *LocalStore) SetCursor(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sync_state SET cursor_seq = ? WHERE id = 1`, seq); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// SaveLocal records a locally edited row as pending for the next push.
// The doc is the local (camelCase) form.
func (s *LocalStore) SaveLocal(ctx context.Context, table, rowID string, doc map[string]any) error {
	return s.write(ctx, table, rowID, doc, StatusPending, 0)
}

// ApplyRemote applies one pulled change-log entry: wire payload converted
// to the local form and stored as synced.
func (s *LocalStore) ApplyRemote(ctx context.Context, entry *recsync.ChangeLogEntry) error {
	var wire map[string]any
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &wire); err != nil {
			return fmt.Errorf("decode payload for %s/%s: %w", entry.Table, entry.RowID, err)
		}
	}
	if wire == nil {
		// Delete entries without a payload tombstone the stored doc.
		wire = map[string]any{"id": entry.RowID, "deleted_at": entry.CreatedAt, "updated_at": entry.CreatedAt}
	}
	doc := s.registry.ToDbRow(entry.Table, wire)
	if doc == nil {
		// Unknown table; skip rather than fail the pull.
		return nil
	}
	return s.write(ctx, entry.Table, entry.RowID, doc, StatusSynced, entry.ServerSeq)
}

func (s *LocalStore) write(ctx context.Context, table, rowID string, doc map[string]any, status string, seq int64) error {
	doc["syncStatus"] = status
	if seq > 0 {
		doc["lastServerSeq"] = seq
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode doc: %w", err)
	}
	updatedAt, _ := registry.Int64Value(doc["updatedAt"])
	var deletedAt any
	if v, ok := doc["deletedAt"]; ok && v != nil {
		if ts, ok := registry.Int64Value(v); ok && ts > 0 {
			deletedAt = ts
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, doc, sync_status, last_server_seq, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET
			doc = excluded.doc,
			sync_status = excluded.sync_status,
			last_server_seq = COALESCE(excluded.last_server_seq, local_rows.last_server_seq),
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, table, rowID, string(raw), status, nullableSeq(seq), updatedAt, deletedAt)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", table, rowID, err)
	}
	return nil
}

// PendingRows returns the pending rows of one table in local form.
func (s *LocalStore) PendingRows(ctx context.Context, table string) ([]LocalRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, row_id, doc, sync_status, COALESCE(last_server_seq, 0), updated_at, COALESCE(deleted_at, 0)
		FROM local_rows
		WHERE table_name = ? AND sync_status = ?
		ORDER BY updated_at ASC, row_id ASC
	`, table, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending rows: %w", err)
	}
	defer rows.Close()

	var out []LocalRow
	for rows.Next() {
		var lr LocalRow
		var raw string
		if err := rows.Scan(&lr.Table, &lr.RowID, &raw, &lr.SyncStatus, &lr.LastServerSeq, &lr.UpdatedAt, &lr.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &lr.Doc); err != nil {
			return nil, fmt.Errorf("decode doc for %s/%s: %w", lr.Table, lr.RowID, err)
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

// GetRow returns one mirrored row, or nil when absent.
func (s *LocalStore) GetRow(ctx context.Context, table, rowID string) (*LocalRow, error) {
	var lr LocalRow
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, row_id, doc, sync_status, COALESCE(last_server_seq, 0), updated_at, COALESCE(deleted_at, 0)
		FROM local_rows
		WHERE table_name = ? AND row_id = ?
	`, table, rowID).Scan(&lr.Table, &lr.RowID, &raw, &lr.SyncStatus, &lr.LastServerSeq, &lr.UpdatedAt, &lr.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", table, rowID, err)
	}
	if err := json.Unmarshal([]byte(raw), &lr.Doc); err != nil {
		return nil, fmt.Errorf("decode doc for %s/%s: %w", table, rowID, err)
	}
	return &lr, nil
}

// MarkSynced flips an accepted row to synced and stores its server sequence.
func (s *LocalStore) MarkSynced(ctx context.Context, table, rowID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE local_rows
		SET sync_status = ?, last_server_seq = ?,
			doc = json_set(json_set(doc, '$.syncStatus', ?), '$.lastServerSeq', ?)
		WHERE table_name = ? AND row_id = ?
	`, StatusSynced, seq, StatusSynced, seq, table, rowID)
	if err != nil {
		return fmt.Errorf("mark synced %s/%s: %w", table, rowID, err)
	}
	return nil
}

// DeleteRow removes one mirrored row (delete_local_entity request).
func (s *LocalStore) DeleteRow(ctx context.Context, table, rowID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM local_rows WHERE table_name = ? AND row_id = ?`, table, rowID); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, rowID, err)
	}
	return nil
}

// Reset wipes the mirror and the cursor (deep_repair request).
func (s *LocalStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_rows`); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}
	return s.SetCursor(ctx, 0)
}

// Snapshot computes the per-table and per-entity-type consistency state
// with the same checksum algorithm the server uses: SHA-1 over sorted
// "id|updated_at" lines of live rows.
func (s *LocalStore) Snapshot(ctx context.Context) (*consistency.Snapshot, error) {
	snap := &consistency.Snapshot{
		Tables:      make(map[string]consistency.UnitState),
		EntityTypes: make(map[string]consistency.UnitState),
	}

	for _, entry := range s.registry.Entries() {
		rows, err := s.db.QueryContext(ctx, `
			SELECT row_id, updated_at, doc FROM local_rows
			WHERE table_name = ? AND deleted_at IS NULL
		`, entry.Name)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", entry.Name, err)
		}
		var lines []string
		byType := make(map[string][]string)
		for rows.Next() {
			var id, raw string
			var updatedAt int64
			if err := rows.Scan(&id, &updatedAt, &raw); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan snapshot row: %w", err)
			}
			line := fmt.Sprintf("%s|%d", id, updatedAt)
			lines = append(lines, line)
			if entry.Name == "entities" {
				var doc struct {
					EntityTypeID string `json:"entityTypeId"`
				}
				if json.Unmarshal([]byte(raw), &doc) == nil && doc.EntityTypeID != "" {
					byType[doc.EntityTypeID] = append(byType[doc.EntityTypeID], line)
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		snap.Tables[entry.Name] = unitState(lines)
		for typeID, typeLines := range byType {
			snap.EntityTypes[typeID] = unitState(typeLines)
		}
	}
	return snap, nil
}

func unitState(lines []string) consistency.UnitState {
	sort.Strings(lines)
	sum := sha1.Sum([]byte(strings.Join(lines, "\n")))
	return consistency.UnitState{Count: len(lines), Checksum: hex.EncodeToString(sum[:])}
}

func nullableSeq(seq int64) any {
	if seq == 0 {
		return nil
	}
	return seq
}
