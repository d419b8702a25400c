// Package replication holds the server halves of the sync protocol: the
// push applier ingesting client batches and the pull producer streaming
// change-log pages back out.
package replication

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/ledger"
	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// Applier ingests client push batches: schema validation, topological
// ordering, dependency and policy checks, conflict resolution, then a
// single signed append through the ledger engine.
type Applier struct {
	store    *store.SQLiteStore
	registry *registry.Registry
	engine   *ledger.Engine
	logger   *slog.Logger
}

// NewApplier builds the push applier.
func NewApplier(st *store.SQLiteStore, reg *registry.Registry, eng *ledger.Engine, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: st, registry: reg, engine: eng, logger: logger}
}

// Push applies one client batch. The whole batch commits or none of it does.
func (a *Applier) Push(ctx context.Context, actor auth.Actor, req *recsync.PushRequest) (*recsync.PushResponse, error) {
	if req.ClientID == "" {
		return nil, recsync.NewError(recsync.KindValidation, "", "", "client_id", "client_id is required")
	}

	// Validate every row before touching the database; the first offending
	// (table, row_id, field) names the failure.
	for _, group := range req.Upserts {
		entry, ok := a.registry.Get(group.Table)
		if !ok {
			return nil, recsync.NewError(recsync.KindSyncValidation, group.Table, "", "table", "unknown sync table")
		}
		for _, row := range group.Rows {
			if errs := a.registry.Validate(entry.Name, row); len(errs) > 0 {
				return nil, recsync.NewError(recsync.KindSyncValidation, entry.Name,
					fmt.Sprintf("%v", row["id"]), errs[0].Field, errs[0].Message)
			}
		}
	}

	ordered := a.orderGroups(req.Upserts)

	result, err := a.engine.AppendWith(ctx, func(ctx context.Context, tx *sql.Tx) ([]ledger.Mutation, error) {
		return a.prepare(ctx, tx, actor, ordered)
	})
	if err != nil {
		return nil, err
	}

	if err := a.store.RecordPush(ctx, req.ClientID, time.Now().UnixMilli()); err != nil {
		a.logger.Warn("record push time failed", slog.String("client_id", req.ClientID), slog.Any("error", err))
	}

	a.logger.Info("push applied",
		slog.String("client_id", req.ClientID),
		slog.Int("applied", result.Applied),
		slog.Int64("last_seq", result.LastSeq))

	return &recsync.PushResponse{
		OK:          true,
		Applied:     result.Applied,
		LastSeq:     result.LastSeq,
		DBApplied:   result.Applied,
		AppliedRows: result.AppliedRows,
	}, nil
}

// orderGroups sorts the upsert groups by registry topological order so
// parent rows land before their dependents.
func (a *Applier) orderGroups(groups []recsync.TableUpserts) []recsync.TableUpserts {
	byTable := make(map[string][]recsync.TableUpserts)
	for _, g := range groups {
		byTable[g.Table] = append(byTable[g.Table], g)
	}
	ordered := make([]recsync.TableUpserts, 0, len(groups))
	for _, entry := range a.registry.Entries() {
		ordered = append(ordered, byTable[entry.Name]...)
	}
	return ordered
}

// prepare runs the per-row dependency, policy and conflict checks inside
// the ledger writer lock and commit transaction.
func (a *Applier) prepare(ctx context.Context, tx *sql.Tx, actor auth.Actor, groups []recsync.TableUpserts) ([]ledger.Mutation, error) {
	var muts []ledger.Mutation
	inBatch := make(map[string]map[string]bool)

	for _, group := range groups {
		entry, _ := a.registry.Get(group.Table)
		for _, row := range group.Rows {
			id, _ := row["id"].(string)

			if err := a.checkDependencies(ctx, tx, entry, id, row, inBatch); err != nil {
				return nil, err
			}

			existing, err := store.GetRowTx(ctx, tx, entry, id)
			if err != nil && err != store.ErrNotFound {
				return nil, err
			}

			if err := a.checkPolicy(actor, entry, row, existing); err != nil {
				return nil, err
			}

			apply, err := resolveConflict(entry.Name, id, row, existing)
			if err != nil {
				return nil, err
			}
			if !apply {
				continue
			}

			if inBatch[entry.Name] == nil {
				inBatch[entry.Name] = make(map[string]bool)
			}
			inBatch[entry.Name][id] = true

			op := recsync.OpUpsert
			if v, ok := row["deleted_at"]; ok && v != nil {
				op = recsync.OpDelete
			}
			// sync_status is client-local bookkeeping; the server stores
			// accepted rows as synced.
			stored := make(map[string]any, len(row))
			for k, v := range row {
				stored[k] = v
			}
			delete(stored, "sync_status")
			delete(stored, "last_server_seq")
			muts = append(muts, ledger.Mutation{Table: entry.Name, RowID: id, Op: op, Row: stored})
		}
	}
	return muts, nil
}

// checkDependencies confirms every registry-declared referent exists, live
// or tombstoned. Rows earlier in the same batch count.
func (a *Applier) checkDependencies(ctx context.Context, tx *sql.Tx, entry registry.Entry, id string, row map[string]any, inBatch map[string]map[string]bool) error {
	for _, ref := range entry.RefFields() {
		refID, ok := row[ref.DTOField].(string)
		if !ok || refID == "" {
			continue
		}
		if inBatch[ref.RefTable][refID] {
			continue
		}
		exists, err := store.RowExistsTx(ctx, tx, ref.RefTable, refID)
		if err != nil {
			return err
		}
		if !exists {
			return recsync.NewError(recsync.KindDependencyMissing, entry.Name, id, ref.DTOField,
				fmt.Sprintf("referenced %s row %s does not exist", ref.RefTable, refID))
		}
	}
	return nil
}

// checkPolicy rejects rewrites of another user's chat message unless the
// actor is an admin.
func (a *Applier) checkPolicy(actor auth.Actor, entry registry.Entry, row, existing map[string]any) error {
	if entry.Name != "chat_messages" || existing == nil || actor.IsAdmin() {
		return nil
	}
	sender, _ := existing["sender_user_id"].(string)
	if sender != "" && sender != actor.ID {
		id, _ := row["id"].(string)
		return recsync.NewError(recsync.KindPolicyDenied, entry.Name, id, "sender_user_id",
			"cannot modify a chat message sent by another user")
	}
	return nil
}

// resolveConflict decides whether the incoming row replaces the existing
// one. Returns false for idempotent no-ops.
func resolveConflict(table, id string, incoming, existing map[string]any) (bool, error) {
	if existing == nil {
		return true, nil
	}

	inSeq, inHasSeq := toInt64(incoming["last_server_seq"])
	exSeq, exHasSeq := toInt64(existing["last_server_seq"])
	inUpdated, _ := toInt64(incoming["updated_at"])
	exUpdated, _ := toInt64(existing["updated_at"])

	if inHasSeq && exHasSeq {
		if inSeq < exSeq {
			return false, recsync.NewError(recsync.KindConflict, table, id, "last_server_seq",
				fmt.Sprintf("stale base %d, server is at %d", inSeq, exSeq))
		}
		if inSeq == exSeq {
			// Re-push of the same accepted state is a no-op.
			if inUpdated == exUpdated {
				return false, nil
			}
			return true, nil
		}
		// The client has seen a newer sequence than the stored row; its
		// base wins even when its updated_at is older.
		return true, nil
	}

	exDeleted := existing["deleted_at"] != nil
	inDeleted := incoming["deleted_at"] != nil

	// Undeleting a tombstone without having seen its sequence means the
	// client never pulled the delete; force a pull instead of resurrecting.
	if exDeleted && exHasSeq && !inHasSeq && !inDeleted {
		return false, recsync.NewError(recsync.KindConflict, table, id, "deleted_at",
			"row was deleted on the server; pull before modifying")
	}

	// Last writer wins by updated_at; ties keep the existing row, except
	// that a delete beats a concurrent non-delete update at the same time.
	if inUpdated > exUpdated {
		return true, nil
	}
	if inUpdated == exUpdated {
		if inDeleted && !exDeleted {
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
