package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/store"
)

// ConsistencySnapshot handles POST /client/consistency/snapshot: a client
// posts its per-table (and per-entity-type) counts and checksums.
func (h *Handler) ConsistencySnapshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID   string               `json:"client_id"`
		SnapshotAt int64                `json:"snapshot_at"`
		CursorSeq  int64                `json:"cursor_seq"`
		Snapshot   consistency.Snapshot `json:"snapshot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if body.ClientID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "client_id is required")
		return
	}
	if body.SnapshotAt == 0 {
		body.SnapshotAt = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(body.Snapshot)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "snapshot is not serializable")
		return
	}
	err = h.store.SaveClientConsistencySnapshot(r.Context(), &store.ClientConsistencySnapshot{
		ClientID:   body.ClientID,
		SnapshotAt: body.SnapshotAt,
		CursorSeq:  body.CursorSeq,
		Payload:    payload,
	})
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ConsistencyReport handles GET /consistency/report.
func (h *Handler) ConsistencyReport(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromContext(r.Context())
	if !actor.IsAdmin() {
		WriteProblem(w, r, http.StatusForbidden, "consistency report requires an admin role")
		return
	}

	report, err := h.reporter.GetConsistencyReport(r.Context())
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
