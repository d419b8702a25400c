// Package sync defines the wire types and error taxonomy of the replication
// protocol shared by the server endpoints and the client agent.
package sync

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current sync protocol version. Servers configured
// with enforcement reject clients announcing anything older.
const ProtocolVersion = 2

// Change-log operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// ChangeLogEntry is a single row-level mutation in the ordered log.
// ServerSeq is globally monotonic and dense; entries are immutable.
type ChangeLogEntry struct {
	ServerSeq int64           `json:"server_seq"`
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload_json,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	ClientID string         `json:"client_id"`
	Upserts  []TableUpserts `json:"upserts"`
}

// TableUpserts groups the pushed rows of one table. Rows are wire-form
// (snake_case) objects validated against the table's registry schema.
type TableUpserts struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// AppliedRow identifies one accepted row and the server_seq it was assigned.
type AppliedRow struct {
	Table     string `json:"table"`
	RowID     string `json:"row_id"`
	ServerSeq int64  `json:"server_seq"`
}

// PushResponse reports the outcome of an accepted push.
type PushResponse struct {
	OK          bool         `json:"ok"`
	Applied     int          `json:"applied"`
	LastSeq     int64        `json:"lastSeq"`
	DBApplied   int          `json:"dbApplied"`
	AppliedRows []AppliedRow `json:"appliedRows"`
}

// PullResponse is the body of GET /sync/changes.
type PullResponse struct {
	SyncProtocolVersion int              `json:"sync_protocol_version"`
	ServerCursor        int64            `json:"server_cursor"`
	ServerLastSeq       int64            `json:"server_last_seq"`
	HasMore             bool             `json:"has_more"`
	Changes             []ChangeLogEntry `json:"changes"`
	// InvalidCounts reports per-table payloads dropped by re-validation.
	// Diagnostics only; an invalid entry never fails the pull.
	InvalidCounts map[string]int `json:"invalid_counts,omitempty"`
}

// Sync-request types. Autoheal produces only the v2 force-pull form;
// force_full_pull is accepted for legacy clients but never generated.
const (
	RequestSyncNow           = "sync_now"
	RequestForceFullPull     = "force_full_pull"
	RequestForceFullPullV2   = "force_full_pull_v2"
	RequestResetSyncAndPull  = "reset_sync_state_and_pull"
	RequestDeepRepair        = "deep_repair"
	RequestEntityDiff        = "entity_diff"
	RequestDeleteLocalEntity = "delete_local_entity"
)

// SyncRequest is a server-enqueued corrective action a client fetches via
// the settings poll and clears by acknowledgement.
type SyncRequest struct {
	RequestID string          `json:"request_id"`
	ClientID  string          `json:"client_id"`
	Type      string          `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload_json,omitempty"`
}

// ClientSyncState is the server-side cursor record for one client.
type ClientSyncState struct {
	ClientID            string `json:"client_id"`
	LastPulledServerSeq int64  `json:"last_pulled_server_seq"`
	LastPulledAt        int64  `json:"last_pulled_at,omitempty"`
	LastPushedAt        int64  `json:"last_pushed_at,omitempty"`
	PendingRequestID    string `json:"pending_request_id,omitempty"`
}

// Error kinds (wire values).
const (
	KindValidation        = "validation"
	KindSyncValidation    = "sync_validation_error"
	KindDependencyMissing = "sync_dependency_missing"
	KindPolicyDenied      = "sync_policy_denied"
	KindConflict          = "sync_conflict"
	KindProtocolUpgrade   = "protocol_upgrade_required"
	KindAuthRequired      = "auth_required"
	KindPermissionDenied  = "permission_denied"
	KindNotFound          = "not_found"
	KindInternal          = "internal"
)

// Error is a protocol error with a wire kind and the offending location.
type Error struct {
	Kind    string `json:"kind"`
	Table   string `json:"table,omitempty"`
	RowID   string `json:"row_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Table != "" || e.RowID != "" {
		return fmt.Sprintf("%s: table=%s row=%s field=%s: %s", e.Kind, e.Table, e.RowID, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a protocol error naming the offending row and field.
func NewError(kind, table, rowID, field, message string) *Error {
	return &Error{Kind: kind, Table: table, RowID: rowID, Field: field, Message: message}
}
