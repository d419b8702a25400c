package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/ledger"
	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/replication"
	"github.com/hyperengineering/recordsync/internal/store"
)

// Handler holds the wired components behind the HTTP surface.
type Handler struct {
	store    *store.SQLiteStore
	registry *registry.Registry
	engine   *ledger.Engine
	applier  *replication.Applier
	producer *replication.Producer
	reporter *consistency.Reporter
	verifier *auth.Verifier
	logger   *slog.Logger
}

// NewHandler builds the handler.
func NewHandler(
	st *store.SQLiteStore,
	reg *registry.Registry,
	eng *ledger.Engine,
	applier *replication.Applier,
	producer *replication.Producer,
	reporter *consistency.Reporter,
	verifier *auth.Verifier,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		registry: reg,
		engine:   eng,
		applier:  applier,
		producer: producer,
		reporter: reporter,
		verifier: verifier,
		logger:   logger,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	seq, err := h.store.GetLatestSequence(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"server_seq": seq,
		"height":     h.engine.Height(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
