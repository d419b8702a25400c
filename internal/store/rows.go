package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/recordsync/internal/registry"
)

// Row operations are generic over the registry: the server projection tables
// use wire (snake_case) column names, so SQL is assembled from the entry's
// field list and unknown fields never reach the database.

// GetRowTx reads one row (live or tombstoned) in wire form.
func GetRowTx(ctx context.Context, q execContext, e registry.Entry, id string) (map[string]any, error) {
	cols := e.WireColumns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), e.Name)

	// Scan everything through NullString; SQLite stores these tables as
	// TEXT/INTEGER and the registry kinds drive the decode below.
	raw := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	err := q.QueryRowContext(ctx, query, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s row %s: %w", e.Name, id, err)
	}

	return decodeRow(e, cols, raw), nil
}

// GetRow reads one row outside a transaction.
func (s *SQLiteStore) GetRow(ctx context.Context, e registry.Entry, id string) (map[string]any, error) {
	return GetRowTx(ctx, s.db, e, id)
}

// RowExistsTx reports whether a row exists, live or tombstoned. Dependency
// checks intentionally count tombstones as existing referents.
func RowExistsTx(ctx context.Context, q execContext, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s row %s: %w", table, id, err)
	}
	return true, nil
}

// UpsertRowTx inserts or updates a wire-form row keyed by the registry
// conflict target. Uses ON CONFLICT DO UPDATE rather than INSERT OR REPLACE
// so dependent rows are never cascade-deleted.
func UpsertRowTx(ctx context.Context, tx *sql.Tx, e registry.Entry, row map[string]any) error {
	cols := e.WireColumns()
	placeholders := make([]string, len(cols))
	updateClauses := make([]string, 0, len(cols)-1)
	args := make([]any, len(cols))

	conflict := make(map[string]bool, len(e.ConflictTarget))
	for _, c := range e.ConflictTarget {
		conflict[c] = true
	}

	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = valueToSQL(row[col])
		if !conflict[col] {
			updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	sqlStr := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		e.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(e.ConflictTarget, ", "),
		strings.Join(updateClauses, ", "),
	)

	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert %s row %v: %w", e.Name, row["id"], err)
	}
	return nil
}

// ListRows returns all rows of a table in wire form, id order. Tombstones
// included when includeDeleted is true.
func (s *SQLiteStore) ListRows(ctx context.Context, e registry.Entry, includeDeleted bool) ([]map[string]any, error) {
	cols := e.WireColumns()
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), e.Name)
	if !includeDeleted {
		query += " WHERE deleted_at IS NULL"
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s rows: %w", e.Name, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", e.Name, err)
		}
		out = append(out, decodeRow(e, cols, raw))
	}
	return out, rows.Err()
}

// decodeRow converts scanned TEXT values back to typed wire values using
// the registry field kinds. NULL columns are omitted from the map.
func decodeRow(e registry.Entry, cols []string, raw []sql.NullString) map[string]any {
	kinds := make(map[string]registry.FieldKind, len(e.Fields))
	for _, f := range e.Fields {
		kinds[f.DTOField] = f.Kind
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if !raw[i].Valid {
			continue
		}
		s := raw[i].String
		switch kinds[col] {
		case registry.KindEpochMillis, registry.KindInt:
			var n int64
			if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
				row[col] = n
			} else {
				row[col] = s
			}
		case registry.KindBool:
			row[col] = s == "1" || s == "true"
		default:
			row[col] = s
		}
	}
	return row
}

// valueToSQL converts wire values to SQL-safe parameters. Structured JSON
// values are stored as TEXT.
func valueToSQL(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any, []any:
		b, _ := json.Marshal(val)
		return string(b)
	case bool:
		if val {
			return 1
		}
		return 0
	case float64:
		// JSON numbers for epoch/int columns; store integral values as INTEGER
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	default:
		return v
	}
}
