package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/recordsync/internal/auth"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, verifier *auth.Verifier) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Public routes
	r.Get("/health", h.Health)

	// Protected routes (auth required)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(verifier))

		r.Post("/sync/push", h.SyncPush)
		r.Get("/sync/changes", h.SyncChanges)

		r.Get("/ledger/state/query", h.LedgerStateQuery)
		r.Get("/ledger/blocks", h.LedgerBlocks)
		r.Post("/ledger/tx/submit", h.LedgerTxSubmit)

		r.Get("/client/settings", h.ClientSettings)
		r.Post("/client/settings/sync-request/ack", h.AckSyncRequest)
		r.Post("/client/consistency/snapshot", h.ConsistencySnapshot)

		r.Get("/consistency/report", h.ConsistencyReport)
	})

	return r
}
