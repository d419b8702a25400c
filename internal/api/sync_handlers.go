package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// MaxPushRows caps the rows accepted in one push request.
const MaxPushRows = 1000

// SyncPush handles POST /sync/push.
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromContext(r.Context())

	var req recsync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	total := 0
	for _, group := range req.Upserts {
		total += len(group.Rows)
	}
	if total > MaxPushRows {
		WriteProblem(w, r, http.StatusBadRequest,
			fmt.Sprintf("push exceeds %d rows", MaxPushRows))
		return
	}

	resp, err := h.applier.Push(r.Context(), actor, &req)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncChanges handles GET /sync/changes.
func (h *Handler) SyncChanges(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromContext(r.Context())
	q := r.URL.Query()

	since := q.Get("since")
	if since == "" {
		since = q.Get("since_seq")
	}
	sinceSeq, err := parseInt64(since, 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "since must be an integer")
		return
	}
	limit, err := parseInt(q.Get("limit"), 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	version := q.Get("sync_protocol_version")
	if version == "" {
		version = q.Get("protocol_version")
	}
	protocolVersion, err := parseInt(version, 1)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "sync_protocol_version must be an integer")
		return
	}

	resp, err := h.producer.Pull(r.Context(), actor, q.Get("client_id"), sinceSeq, limit, protocolVersion)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
