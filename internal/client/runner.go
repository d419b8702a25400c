package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hyperengineering/recordsync/internal/registry"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// Auto-mode retry delays. On repeated cycle failures the next attempt backs
// off exponentially inside these bounds.
const (
	minRetryDelay = 60 * time.Second
	maxRetryDelay = 600 * time.Second
)

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	StartedAt       time.Time `json:"started_at"`
	Duration        time.Duration
	Pushed          int    `json:"pushed"`
	Pulled          int    `json:"pulled"`
	Pages           int    `json:"pages"`
	Cursor          int64  `json:"cursor"`
	RequestExecuted string `json:"request_executed,omitempty"`
}

// Runner states exposed by GetStatus.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateError   = "error"
)

// Status is the runner's externally visible state.
type Status struct {
	State      string       `json:"state"`
	LastError  string       `json:"last_error,omitempty"`
	LastResult *CycleResult `json:"last_result,omitempty"`
}

// RunnerOptions configures the sync runner.
type RunnerOptions struct {
	Interval time.Duration // auto-mode base interval
	PageSize int           // pull page size; 0 means server default
}

// Runner drives the sync cycle: settings poll, request execution, push,
// pull, snapshot, ack. Concurrent RunOnce calls coalesce onto the cycle
// already in flight.
type Runner struct {
	api      *APIClient
	local    *LocalStore
	registry *registry.Registry
	opts     RunnerOptions
	logger   *slog.Logger

	mu       sync.Mutex
	inflight *cycleCall
	last     *CycleResult
	lastErr  error

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
}

type cycleCall struct {
	done chan struct{}
	res  *CycleResult
	err  error
}

// NewRunner creates the runner.
func NewRunner(api *APIClient, local *LocalStore, reg *registry.Registry, opts RunnerOptions, logger *slog.Logger) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{api: api, local: local, registry: reg, opts: opts, logger: logger}
}

// RunOnce runs a full sync cycle. If a cycle is already in flight the call
// waits for it and returns its result instead of starting another.
func (r *Runner) RunOnce(ctx context.Context) (*CycleResult, error) {
	r.mu.Lock()
	if call := r.inflight; call != nil {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.res, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &cycleCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	call.res, call.err = r.cycle(ctx)

	r.mu.Lock()
	r.inflight = nil
	r.lastErr = call.err
	if call.err == nil {
		r.last = call.res
	}
	r.mu.Unlock()
	close(call.done)

	return call.res, call.err
}

// LastResult returns the most recent successful cycle, or nil.
func (r *Runner) LastResult() *CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// SetAPIBaseURL repoints the runner at another server.
func (r *Runner) SetAPIBaseURL(baseURL string) {
	r.api.SetBaseURL(baseURL)
}

// GetStatus reports whether a cycle is in flight and how the last one went.
func (r *Runner) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: StateIdle, LastResult: r.last}
	if r.inflight != nil {
		st.State = StateSyncing
	} else if r.lastErr != nil {
		st.State = StateError
		st.LastError = r.lastErr.Error()
	}
	return st
}

// StartAuto begins periodic syncing in the background. On cycle errors the
// next attempt is delayed by exponential backoff clamped to the retry
// bounds; a success resets the delay to the base interval.
func (r *Runner) StartAuto() {
	r.autoMu.Lock()
	defer r.autoMu.Unlock()
	if r.autoCancel != nil {
		return // already running
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.autoCancel = cancel
	r.autoDone = make(chan struct{})
	go r.autoLoop(ctx, r.autoDone)
}

// StopAuto stops the background loop and waits for it to exit.
func (r *Runner) StopAuto() {
	r.autoMu.Lock()
	cancel, done := r.autoCancel, r.autoDone
	r.autoCancel, r.autoDone = nil, nil
	r.autoMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) autoLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minRetryDelay
	bo.MaxInterval = maxRetryDelay
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()

	delay := r.opts.Interval
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("auto sync stopped")
			return
		case <-time.After(delay):
		}

		res, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			next := bo.NextBackOff()
			if next < minRetryDelay {
				next = minRetryDelay
			}
			if next > maxRetryDelay {
				next = maxRetryDelay
			}
			delay = next
			r.logger.Warn("sync cycle failed",
				"error", err,
				"retry_in", delay.String(),
			)
			continue
		}

		bo.Reset()
		delay = r.opts.Interval
		r.logger.Info("sync cycle completed",
			"pushed", res.Pushed,
			"pulled", res.Pulled,
			"pages", res.Pages,
			"cursor", res.Cursor,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
}

// cycle runs one full sync pass.
func (r *Runner) cycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{StartedAt: time.Now()}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	settings, err := r.api.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	if settings.SyncProtocolVersion > recsync.ProtocolVersion {
		return nil, recsync.NewError(recsync.KindProtocolUpgrade, "", "", "",
			fmt.Sprintf("server requires protocol %d", settings.SyncProtocolVersion))
	}

	pending := settings.SyncRequest
	if pending != nil {
		if err := r.executeRequest(ctx, pending); err != nil {
			// Report the failure so the server clears the request rather
			// than redelivering it forever.
			ackErr := r.api.Ack(ctx, pending.RequestID, pending.Type, "error", err.Error())
			if ackErr != nil {
				r.logger.Warn("failed to ack errored request", "request_id", pending.RequestID, "error", ackErr)
			}
			return nil, fmt.Errorf("execute %s request: %w", pending.Type, err)
		}
		res.RequestExecuted = pending.Type
	}

	pushed, err := r.pushPending(ctx)
	if err != nil {
		return nil, err
	}
	res.Pushed = pushed

	pulled, pages, cursor, err := r.pullAll(ctx)
	if err != nil {
		return nil, err
	}
	res.Pulled, res.Pages, res.Cursor = pulled, pages, cursor

	snap, err := r.local.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute snapshot: %w", err)
	}
	if err := r.api.PostSnapshot(ctx, cursor, snap); err != nil {
		// Snapshot reporting is advisory; the cycle still succeeded.
		r.logger.Warn("failed to post consistency snapshot", "error", err)
	}

	if pending != nil {
		if err := r.api.Ack(ctx, pending.RequestID, pending.Type, "ok", ""); err != nil {
			return nil, fmt.Errorf("ack request %s: %w", pending.RequestID, err)
		}
	}
	return res, nil
}

// executeRequest applies a server-issued corrective action before the
// push/pull phases run.
func (r *Runner) executeRequest(ctx context.Context, req *recsync.SyncRequest) error {
	r.logger.Info("executing sync request", "request_id", req.RequestID, "type", req.Type)

	switch req.Type {
	case recsync.RequestSyncNow, recsync.RequestEntityDiff:
		// The cycle itself is the action: entity_diff just forces a fresh
		// snapshot, which every cycle posts anyway.
		return nil
	case recsync.RequestForceFullPull, recsync.RequestForceFullPullV2, recsync.RequestResetSyncAndPull:
		return r.local.SetCursor(ctx, 0)
	case recsync.RequestDeepRepair:
		return r.local.Reset(ctx)
	case recsync.RequestDeleteLocalEntity:
		var payload struct {
			Table string `json:"table"`
			RowID string `json:"row_id"`
		}
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if payload.Table == "" || payload.RowID == "" {
			return fmt.Errorf("payload missing table or row_id")
		}
		return r.local.DeleteRow(ctx, payload.Table, payload.RowID)
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}

// pushPending pushes all pending rows in dependency order, one request per
// cycle, grouped by table.
func (r *Runner) pushPending(ctx context.Context) (int, error) {
	var upserts []recsync.TableUpserts
	total := 0
	for _, entry := range r.registry.Entries() {
		pending, err := r.local.PendingRows(ctx, entry.Name)
		if err != nil {
			return 0, err
		}
		if len(pending) == 0 {
			continue
		}
		group := recsync.TableUpserts{Table: entry.Name}
		for _, lr := range pending {
			group.Rows = append(group.Rows, r.registry.ToSyncRow(entry.Name, lr.Doc))
		}
		upserts = append(upserts, group)
		total += len(pending)
	}
	if total == 0 {
		return 0, nil
	}

	resp, err := r.api.Push(ctx, upserts)
	if err != nil {
		return 0, fmt.Errorf("push: %w", err)
	}
	for _, applied := range resp.AppliedRows {
		if err := r.local.MarkSynced(ctx, applied.Table, applied.RowID, applied.ServerSeq); err != nil {
			return 0, err
		}
	}
	return resp.Applied, nil
}

// pullAll pages through the change log until the server reports no more,
// advancing the cursor after each fully applied page.
func (r *Runner) pullAll(ctx context.Context) (pulled, pages int, cursor int64, err error) {
	cursor, err = r.local.Cursor(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	for {
		page, err := r.api.Pull(ctx, cursor, r.opts.PageSize)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("pull after %d: %w", cursor, err)
		}
		for i := range page.Changes {
			if err := r.local.ApplyRemote(ctx, &page.Changes[i]); err != nil {
				return 0, 0, 0, err
			}
		}
		pulled += len(page.Changes)
		pages++
		cursor = page.ServerCursor
		if err := r.local.SetCursor(ctx, cursor); err != nil {
			return 0, 0, 0, err
		}
		if !page.HasMore {
			return pulled, pages, cursor, nil
		}
	}
}
