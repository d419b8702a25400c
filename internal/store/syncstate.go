package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// GetClientSyncState returns the cursor record for a client, or a zero
// record if the client has never synced.
func (s *SQLiteStore) GetClientSyncState(ctx context.Context, clientID string) (*recsync.ClientSyncState, error) {
	var st recsync.ClientSyncState
	var lastPulledAt, lastPushedAt sql.NullInt64
	var pendingRequestID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, last_pulled_server_seq, last_pulled_at, last_pushed_at, pending_request_id
		FROM client_sync_state WHERE client_id = ?
	`, clientID).Scan(&st.ClientID, &st.LastPulledServerSeq, &lastPulledAt, &lastPushedAt, &pendingRequestID)
	if err == sql.ErrNoRows {
		return &recsync.ClientSyncState{ClientID: clientID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client sync state: %w", err)
	}

	if lastPulledAt.Valid {
		st.LastPulledAt = lastPulledAt.Int64
	}
	if lastPushedAt.Valid {
		st.LastPushedAt = lastPushedAt.Int64
	}
	if pendingRequestID.Valid {
		st.PendingRequestID = pendingRequestID.String
	}
	return &st, nil
}

// RecordPull persists the updated pull cursor for a client.
func (s *SQLiteStore) RecordPull(ctx context.Context, clientID string, cursorSeq, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_sync_state (client_id, last_pulled_server_seq, last_pulled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			last_pulled_server_seq = excluded.last_pulled_server_seq,
			last_pulled_at = excluded.last_pulled_at
	`, clientID, cursorSeq, at)
	if err != nil {
		return fmt.Errorf("record pull: %w", err)
	}
	return nil
}

// RecordPush stamps the client's last successful push time.
func (s *SQLiteStore) RecordPush(ctx context.Context, clientID string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_sync_state (client_id, last_pushed_at)
		VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET last_pushed_at = excluded.last_pushed_at
	`, clientID, at)
	if err != nil {
		return fmt.Errorf("record push: %w", err)
	}
	return nil
}

// ListClientIDs returns every client with sync state, newest pull first.
func (s *SQLiteStore) ListClientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id FROM client_sync_state ORDER BY last_pulled_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateSyncRequest persists a sync request and marks it pending on the
// client's sync state.
func (s *SQLiteStore) CreateSyncRequest(ctx context.Context, req *recsync.SyncRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_requests (request_id, client_id, type, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
	`, req.RequestID, req.ClientID, req.Type, req.CreatedAt, nullablePayload(req.Payload))
	if err != nil {
		return fmt.Errorf("insert sync request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO client_sync_state (client_id, pending_request_id)
		VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET pending_request_id = excluded.pending_request_id
	`, req.ClientID, req.RequestID)
	if err != nil {
		return fmt.Errorf("mark pending request: %w", err)
	}

	return tx.Commit()
}

// GetPendingSyncRequest returns the client's unacknowledged sync request,
// or ErrNotFound.
func (s *SQLiteStore) GetPendingSyncRequest(ctx context.Context, clientID string) (*recsync.SyncRequest, error) {
	var req recsync.SyncRequest
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT r.request_id, r.client_id, r.type, r.created_at, r.payload
		FROM sync_requests r
		JOIN client_sync_state c ON c.pending_request_id = r.request_id
		WHERE c.client_id = ? AND r.acked_at IS NULL
	`, clientID).Scan(&req.RequestID, &req.ClientID, &req.Type, &req.CreatedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending sync request: %w", err)
	}
	if payload.Valid {
		req.Payload = json.RawMessage(payload.String)
	}
	return &req, nil
}

// AckSyncRequest records the client acknowledgement and clears the pending
// marker. Unknown request ids return ErrNotFound.
func (s *SQLiteStore) AckSyncRequest(ctx context.Context, clientID, requestID, status, ackError string, at int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_requests SET acked_at = ?, ack_status = ?, ack_error = ?
		WHERE request_id = ? AND client_id = ?
	`, at, status, nullableString(ackError), requestID, clientID)
	if err != nil {
		return fmt.Errorf("ack sync request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE client_sync_state SET pending_request_id = NULL
		WHERE client_id = ? AND pending_request_id = ?
	`, clientID, requestID)
	if err != nil {
		return fmt.Errorf("clear pending request: %w", err)
	}

	return tx.Commit()
}

// LastSyncRequestAt returns the created_at of the client's newest sync
// request, or 0 if none exists.
func (s *SQLiteStore) LastSyncRequestAt(ctx context.Context, clientID string) (int64, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM sync_requests WHERE client_id = ?
	`, clientID).Scan(&at)
	if err != nil {
		return 0, fmt.Errorf("last sync request at: %w", err)
	}
	if !at.Valid {
		return 0, nil
	}
	return at.Int64, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
