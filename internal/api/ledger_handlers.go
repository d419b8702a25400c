package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hyperengineering/recordsync/internal/ledger"
)

// LedgerStateQuery handles GET /ledger/state/query.
func (h *Handler) LedgerStateQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	table := q.Get("table")
	if table == "" {
		WriteProblem(w, r, http.StatusBadRequest, "table is required")
		return
	}

	opts := ledger.QueryOptions{
		ID:             q.Get("id"),
		SortBy:         q.Get("sort_by"),
		SortDir:        q.Get("sort_dir"),
		IncludeDeleted: q.Get("include_deleted") == "true" || q.Get("include_deleted") == "1",
		DateField:      q.Get("date_field"),
		LikeField:      q.Get("like_field"),
		Like:           q.Get("like"),
		RegexField:     q.Get("regex_field"),
		Regex:          q.Get("regex"),
		RegexFlags:     q.Get("regex_flags"),
	}

	if raw := q.Get("filter"); raw != "" {
		opts.FilterSet = true
		if err := json.Unmarshal([]byte(raw), &opts.Filter); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "filter must be a JSON object")
			return
		}
	}
	if raw := q.Get("or_filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.OrFilter); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "or_filter must be a JSON array of objects")
			return
		}
	}
	if v := q.Get("cursor_value"); v != "" {
		opts.CursorSet = true
		opts.CursorValue = v
		opts.CursorID = q.Get("cursor_id")
	}
	var err error
	if opts.DateFrom, err = parseInt64(q.Get("date_from"), 0); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "date_from must be an integer")
		return
	}
	opts.DateFromSet = q.Get("date_from") != ""
	if opts.DateTo, err = parseInt64(q.Get("date_to"), 0); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "date_to must be an integer")
		return
	}
	opts.DateToSet = q.Get("date_to") != ""
	if opts.Limit, err = parseInt(q.Get("limit"), 0); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if opts.Offset, err = parseInt(q.Get("offset"), 0); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "offset must be an integer")
		return
	}

	rows, err := h.engine.QueryState(table, opts)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rows": rows})
}

// LedgerBlocks handles GET /ledger/blocks.
func (h *Handler) LedgerBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseInt64(q.Get("since"), 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "since must be an integer")
		return
	}
	limit, err := parseInt(q.Get("limit"), 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}

	blocks, lastHeight, err := h.engine.ListBlocksSince(r.Context(), since, limit)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"last_height": lastHeight,
		"blocks":      blocks,
	})
}

// LedgerTxSubmit handles POST /ledger/tx/submit.
func (h *Handler) LedgerTxSubmit(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromContext(r.Context())

	var body struct {
		Txs []ledger.Tx `json:"txs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	for i := range body.Txs {
		body.Txs[i].Actor = actor.ID
	}

	result, err := h.engine.SignAndAppend(r.Context(), body.Txs)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
