// Package worker runs the background loops of the server process.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/recordsync/internal/autoheal"
)

// ClientEnumerator lists the clients known to the sync state table.
// Implemented by SQLiteStore.
type ClientEnumerator interface {
	ListClientIDs(ctx context.Context) ([]string, error)
}

// AutohealEvaluator evaluates one client. Implemented by the autoheal
// controller; abstracted so coordinator tests can stub the evaluation.
type AutohealEvaluator interface {
	EvaluateClient(ctx context.Context, clientID string) (*autoheal.Result, error)
}

// AutohealCoordinator periodically evaluates every known client.
type AutohealCoordinator struct {
	clients   ClientEnumerator
	evaluator AutohealEvaluator
	interval  time.Duration
}

// NewAutohealCoordinator creates the coordinator.
func NewAutohealCoordinator(clients ClientEnumerator, evaluator AutohealEvaluator, interval time.Duration) *AutohealCoordinator {
	return &AutohealCoordinator{clients: clients, evaluator: evaluator, interval: interval}
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
//
// The first cycle waits for the ticker: evaluation compares full table
// snapshots, and right after startup most clients have not reported yet.
func (c *AutohealCoordinator) Run(ctx context.Context) {
	slog.Info("autoheal coordinator started",
		"component", "worker",
		"worker", "autoheal-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("autoheal coordinator stopped",
				"component", "worker",
				"worker", "autoheal-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.evaluateAllClients(ctx)
		}
	}
}

// evaluateAllClients runs one cycle, continuing on individual failures.
func (c *AutohealCoordinator) evaluateAllClients(ctx context.Context) {
	start := time.Now()

	clientIDs, err := c.clients.ListClientIDs(ctx)
	if err != nil {
		slog.Error("failed to list clients for autoheal",
			"component", "worker",
			"worker", "autoheal-coordinator",
			"error", err,
		)
		return
	}

	var queued, skipped, failed int
	for _, clientID := range clientIDs {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		res, err := c.evaluator.EvaluateClient(ctx, clientID)
		if err != nil {
			failed++
			slog.Error("autoheal evaluation failed",
				"component", "worker",
				"worker", "autoheal-coordinator",
				"client_id", clientID,
				"error", err,
			)
			continue
		}
		if res.Queued {
			queued++
		} else {
			skipped++
		}
	}

	// Log summary only if we processed clients (skip during mid-cycle shutdown)
	if queued > 0 || skipped > 0 || failed > 0 {
		slog.Info("autoheal cycle completed",
			"component", "worker",
			"worker", "autoheal-coordinator",
			"clients_total", len(clientIDs),
			"actions_queued", queued,
			"clients_skipped", skipped,
			"clients_failed", failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
