// Package autoheal watches per-client consistency signals over time and
// schedules corrective sync-requests under cooldowns and daily budgets.
package autoheal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/ledger"
	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// Diagnostic kinds written by the controller.
const (
	DiagSignal = "autoheal_signal"
	DiagAction = "autoheal"
)

// Skip reasons, in gate order.
const (
	ReasonDisabled               = "disabled"
	ReasonServerSnapshotUnknown  = "server_snapshot_unknown"
	ReasonPendingRequest         = "pending_request"
	ReasonCooldown               = "cooldown"
	ReasonDailyBudgetExceeded    = "daily_budget_exceeded"
	ReasonDeepRepairBudget       = "deep_repair_budget_exceeded"
	ReasonSameFingerprint        = "same_fingerprint_cooldown"
	ReasonBelowActionThreshold   = "below_action_threshold"
)

// Options are the controller knobs, loaded from configuration.
type Options struct {
	Enabled                  bool
	Cooldown                 time.Duration
	SameFingerprintCooldown  time.Duration
	MaxActionsPer24h         int
	MaxDeepRepairPer24h      int
	CriticalConsecutive      int
	ResetConsecutive         int
	ForceFullPullConsecutive int
}

// Result reports one evaluation.
type Result struct {
	Queued      bool   `json:"queued"`
	Reason      string `json:"reason,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	RequestType string `json:"request_type,omitempty"`
	Level       string `json:"level,omitempty"`
}

// actionRecord is the payload of a DiagAction diagnostic entry.
type actionRecord struct {
	Action      string `json:"action"`
	RequestID   string `json:"request_id"`
	Fingerprint string `json:"fingerprint"`
	Level       string `json:"level"`
	Lag         int64  `json:"lag"`
}

// Controller evaluates clients and enqueues corrective sync-requests.
type Controller struct {
	store    *store.SQLiteStore
	reporter *consistency.Reporter
	engine   *ledger.Engine
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	entropy  *ulid.MonotonicEntropy
}

// NewController builds the autoheal controller.
func NewController(st *store.SQLiteStore, rep *consistency.Reporter, eng *ledger.Engine, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    st,
		reporter: rep,
		engine:   eng,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// EvaluateClient runs one autoheal evaluation: records the newest signal,
// derives an action from the recent streak and walks the gates in order.
func (c *Controller) EvaluateClient(ctx context.Context, clientID string) (*Result, error) {
	if !c.opts.Enabled {
		return &Result{Reason: ReasonDisabled}, nil
	}

	serverSeq, err := c.store.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	report, signal, err := c.reporter.EvaluateClient(ctx, clientID, serverSeq)
	if err != nil {
		return nil, err
	}
	if report == nil || signal == nil {
		return &Result{Reason: ReasonServerSnapshotUnknown}, nil
	}

	nowMs := c.now().UnixMilli()
	sigPayload, err := json.Marshal(signal)
	if err != nil {
		return nil, fmt.Errorf("marshal signal: %w", err)
	}
	if err := c.store.AppendDiagnostic(ctx, clientID, DiagSignal, nowMs, sigPayload); err != nil {
		return nil, err
	}

	history, err := c.store.RecentDiagnostics(ctx, clientID, "", 200)
	if err != nil {
		return nil, err
	}

	action := c.chooseAction(history, signal)
	if action == "" {
		return &Result{Reason: ReasonBelowActionThreshold, Level: signal.Level}, nil
	}

	if reason, err := c.checkGates(ctx, clientID, action, signal.Fingerprint, nowMs, history); err != nil {
		return nil, err
	} else if reason != "" {
		c.logger.Debug("autoheal skipped",
			slog.String("client_id", clientID),
			slog.String("action", action),
			slog.String("reason", reason))
		return &Result{Reason: reason, Level: signal.Level}, nil
	}

	return c.enqueue(ctx, clientID, action, signal, nowMs)
}

// chooseAction derives an action from the consecutive streak of
// matching-or-higher levels at the head of the signal history.
func (c *Controller) chooseAction(history []store.DiagnosticEntry, sig *consistency.Signal) string {
	critical := headStreak(history, consistency.LevelCritical)
	degraded := headStreak(history, consistency.LevelDegraded)
	observe := headStreak(history, consistency.LevelObserve)

	switch {
	case critical >= c.opts.CriticalConsecutive:
		return recsync.RequestDeepRepair
	case degraded >= c.opts.ResetConsecutive:
		return recsync.RequestResetSyncAndPull
	case observe >= c.opts.ForceFullPullConsecutive && sig.Lag > 8000:
		return recsync.RequestForceFullPullV2
	default:
		return ""
	}
}

// headStreak counts consecutive signal entries at the head of the history
// (newest first) whose level is at least the given one.
func headStreak(history []store.DiagnosticEntry, level string) int {
	want := levelRank(level)
	streak := 0
	for _, entry := range history {
		if entry.Kind != DiagSignal {
			continue
		}
		var sig consistency.Signal
		if err := json.Unmarshal(entry.Payload, &sig); err != nil {
			break
		}
		if levelRank(sig.Level) < want {
			break
		}
		streak++
	}
	return streak
}

func levelRank(level string) int {
	switch level {
	case consistency.LevelCritical:
		return 3
	case consistency.LevelDegraded:
		return 2
	case consistency.LevelObserve:
		return 1
	default:
		return 0
	}
}

// checkGates walks gates 3 through 7; the first failing gate names the skip.
func (c *Controller) checkGates(ctx context.Context, clientID, action, fingerprint string, nowMs int64, history []store.DiagnosticEntry) (string, error) {
	if _, err := c.store.GetPendingSyncRequest(ctx, clientID); err == nil {
		return ReasonPendingRequest, nil
	} else if err != store.ErrNotFound {
		return "", err
	}

	lastReq, err := c.store.LastSyncRequestAt(ctx, clientID)
	if err != nil {
		return "", err
	}
	if lastReq > 0 && nowMs-lastReq < c.opts.Cooldown.Milliseconds() {
		return ReasonCooldown, nil
	}

	dayAgo := nowMs - 24*time.Hour.Milliseconds()
	total, err := c.store.CountDiagnosticsSince(ctx, clientID, DiagAction, dayAgo)
	if err != nil {
		return "", err
	}
	if total >= c.opts.MaxActionsPer24h {
		return ReasonDailyBudgetExceeded, nil
	}

	if action == recsync.RequestDeepRepair {
		deepRepairs := 0
		for _, entry := range history {
			if entry.Kind != DiagAction || entry.CreatedAt < dayAgo {
				continue
			}
			var rec actionRecord
			if json.Unmarshal(entry.Payload, &rec) == nil && rec.Action == recsync.RequestDeepRepair {
				deepRepairs++
			}
		}
		if deepRepairs >= c.opts.MaxDeepRepairPer24h {
			return ReasonDeepRepairBudget, nil
		}
	}

	fpWindow := nowMs - c.opts.SameFingerprintCooldown.Milliseconds()
	for _, entry := range history {
		if entry.Kind != DiagAction || entry.CreatedAt < fpWindow {
			continue
		}
		var rec actionRecord
		if json.Unmarshal(entry.Payload, &rec) == nil && rec.Fingerprint == fingerprint {
			return ReasonSameFingerprint, nil
		}
	}
	return "", nil
}

// enqueue persists the sync-request, the action diagnostic and the ledger
// audit entry.
func (c *Controller) enqueue(ctx context.Context, clientID, action string, sig *consistency.Signal, nowMs int64) (*Result, error) {
	requestID := ulid.MustNew(ulid.Timestamp(c.now()), c.entropy).String()

	payload, err := json.Marshal(map[string]any{
		"level":       sig.Level,
		"fingerprint": sig.Fingerprint,
		"lag":         sig.Lag,
		"lag_ratio":   sig.LagRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	if err := c.store.CreateSyncRequest(ctx, &recsync.SyncRequest{
		RequestID: requestID,
		ClientID:  clientID,
		Type:      action,
		CreatedAt: nowMs,
		Payload:   payload,
	}); err != nil {
		return nil, err
	}

	record, err := json.Marshal(actionRecord{
		Action:      action,
		RequestID:   requestID,
		Fingerprint: sig.Fingerprint,
		Level:       sig.Level,
		Lag:         sig.Lag,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal action record: %w", err)
	}
	if err := c.store.AppendDiagnostic(ctx, clientID, DiagAction, nowMs, record); err != nil {
		return nil, err
	}

	if err := c.writeAudit(ctx, clientID, action, requestID, sig, nowMs); err != nil {
		// The request is already queued; a failed audit write is logged,
		// not fatal.
		c.logger.Warn("autoheal audit write failed",
			slog.String("client_id", clientID), slog.Any("error", err))
	}

	c.logger.Info("autoheal action queued",
		slog.String("client_id", clientID),
		slog.String("action", action),
		slog.String("request_id", requestID),
		slog.String("level", sig.Level),
		slog.Int64("lag", sig.Lag))

	return &Result{Queued: true, RequestID: requestID, RequestType: action, Level: sig.Level}, nil
}

func (c *Controller) writeAudit(ctx context.Context, clientID, action, requestID string, sig *consistency.Signal, nowMs int64) error {
	detail, err := json.Marshal(map[string]any{
		"request_id":  requestID,
		"action":      action,
		"level":       sig.Level,
		"fingerprint": sig.Fingerprint,
		"lag":         sig.Lag,
	})
	if err != nil {
		return err
	}
	_, err = c.engine.SignAndAppend(ctx, []ledger.Tx{{
		Type:  ledger.TxUpsert,
		Table: "audit_log",
		Ts:    nowMs,
		Row: map[string]any{
			"id":           uuid.NewString(),
			"action":       "autoheal_" + action,
			"target_table": "client_sync_state",
			"target_id":    clientID,
			"detail_json":  string(detail),
			"created_at":   nowMs,
			"updated_at":   nowMs,
		},
	}})
	return err
}
