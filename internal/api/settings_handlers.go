package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// ClientSettings handles GET /client/settings: the client's settings poll,
// which also delivers any pending sync-request.
func (h *Handler) ClientSettings(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	if clientID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "clientId is required")
		return
	}

	body := map[string]any{
		"sync_protocol_version": recsync.ProtocolVersion,
	}
	pending, err := h.store.GetPendingSyncRequest(r.Context(), clientID)
	switch {
	case err == nil:
		body["sync_request"] = pending
	case !errors.Is(err, store.ErrNotFound):
		// No pending request is the normal case; anything else is a real
		// failure and must not read as "nothing to do".
		MapSyncError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, body)
}

// acceptedAckTypes lists the request types a client may acknowledge.
// force_full_pull survives for legacy clients; autoheal only ever issues
// the v2 form.
var acceptedAckTypes = map[string]bool{
	recsync.RequestSyncNow:           true,
	recsync.RequestForceFullPull:     true,
	recsync.RequestForceFullPullV2:   true,
	recsync.RequestResetSyncAndPull:  true,
	recsync.RequestDeepRepair:        true,
	recsync.RequestEntityDiff:        true,
	recsync.RequestDeleteLocalEntity: true,
}

// AckSyncRequest handles POST /client/settings/sync-request/ack.
func (h *Handler) AckSyncRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID  string `json:"clientId"`
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
		At        int64  `json:"at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if body.ClientID == "" || body.RequestID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "clientId and requestId are required")
		return
	}
	if body.Type != "" && !acceptedAckTypes[body.Type] {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("unknown request type %q", body.Type))
		return
	}
	if body.Status == "" {
		body.Status = "ok"
	}
	if body.At == 0 {
		body.At = time.Now().UnixMilli()
	}

	err := h.store.AckSyncRequest(r.Context(), body.ClientID, body.RequestID, body.Status, body.Error, body.At)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
