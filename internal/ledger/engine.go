// Package ledger is the signed append-only core: it serializes every write
// through a single logical writer, groups the resulting change-log entries
// into hash-chained blocks, and maintains an in-memory materialized state
// per table so queries never scan the log.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// Transaction types accepted by SignAndAppend. Revoke and delete produce
// tombstones; everything else is an upsert of the carried row.
const (
	TxUpsert   = "upsert"
	TxDelete   = "delete"
	TxGrant    = "grant"
	TxRevoke   = "revoke"
	TxPresence = "presence"
	TxChat     = "chat"
)

// Tx is one submitted ledger transaction.
type Tx struct {
	Type  string         `json:"type"`
	Table string         `json:"table"`
	RowID string         `json:"row_id,omitempty"`
	Row   map[string]any `json:"row,omitempty"`
	Actor string         `json:"actor,omitempty"`
	Ts    int64          `json:"ts,omitempty"`
}

// Mutation is a fully validated row change ready for commit: wire-form row
// for upserts, tombstone row for deletes.
type Mutation struct {
	Table string
	RowID string
	Op    string
	Row   map[string]any
}

// Result reports one committed batch.
type Result struct {
	Applied     int                  `json:"applied"`
	LastSeq     int64                `json:"lastSeq"`
	Height      int64                `json:"height"`
	AppliedRows []recsync.AppliedRow `json:"appliedRows"`
}

// Engine owns the materialized state and the block chain tip. All writes go
// through the single writer mutex so server_seq and height stay gap-free.
type Engine struct {
	store    *store.SQLiteStore
	registry *registry.Registry
	signer   *Signer
	logger   *slog.Logger

	mu         sync.RWMutex
	state      map[string]map[string]map[string]any
	lastHeight int64
	lastHash   string
}

// NewEngine builds the engine and rebuilds the materialized state by a
// linear replay of the change log.
func NewEngine(ctx context.Context, st *store.SQLiteStore, reg *registry.Registry, signer *Signer, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    st,
		registry: reg,
		signer:   signer,
		logger:   logger,
		state:    make(map[string]map[string]map[string]any),
	}
	for _, entry := range reg.Entries() {
		e.state[entry.Name] = make(map[string]map[string]any)
	}

	last, err := st.GetLastBlock(ctx)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	if last != nil {
		e.lastHeight = last.Height
		e.lastHash = last.Hash
	}

	replayed, err := e.replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay change log: %w", err)
	}
	logger.Info("ledger state rebuilt",
		slog.Int64("entries", replayed),
		slog.Int64("height", e.lastHeight))
	return e, nil
}

// replay folds every change-log entry into the in-memory state.
func (e *Engine) replay(ctx context.Context) (int64, error) {
	var cursor, total int64
	for {
		entries, err := e.store.GetChangeLogAfter(ctx, cursor, 5000)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}
		for i := range entries {
			e.foldEntry(&entries[i])
			cursor = entries[i].ServerSeq
			total++
		}
	}
}

// foldEntry applies one log entry to the state map. Caller holds the write
// lock (or has exclusive access during startup replay).
func (e *Engine) foldEntry(entry *recsync.ChangeLogEntry) {
	rows, ok := e.state[entry.Table]
	if !ok {
		return
	}
	var row map[string]any
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &row); err != nil {
			return
		}
		// Integral JSON numbers come back as float64; store them as int64
		// so state reads compare like the DB projection.
		for k, v := range row {
			if f, ok := v.(float64); ok && f == float64(int64(f)) {
				row[k] = int64(f)
			}
		}
	}
	switch entry.Op {
	case recsync.OpUpsert:
		if row == nil {
			return
		}
		row["last_server_seq"] = entry.ServerSeq
		rows[entry.RowID] = row
	case recsync.OpDelete:
		if row != nil {
			row["last_server_seq"] = entry.ServerSeq
			rows[entry.RowID] = row
			return
		}
		if existing, ok := rows[entry.RowID]; ok {
			existing["deleted_at"] = entry.CreatedAt
			existing["updated_at"] = entry.CreatedAt
			existing["last_server_seq"] = entry.ServerSeq
		}
	}
}

// SignAndAppend validates a transaction batch and commits it as one block.
// All-or-nothing: any validation or dependency failure aborts the batch.
func (e *Engine) SignAndAppend(ctx context.Context, txs []Tx) (*Result, error) {
	if len(txs) == 0 {
		return nil, recsync.NewError(recsync.KindValidation, "", "", "txs", "empty transaction batch")
	}
	return e.AppendWith(ctx, func(ctx context.Context, sqlTx *sql.Tx) ([]Mutation, error) {
		return e.prepareTxs(ctx, sqlTx, txs)
	})
}

// prepareTxs turns submitted transactions into validated mutations, checking
// schemas and dependencies. Runs under the writer lock.
func (e *Engine) prepareTxs(ctx context.Context, sqlTx *sql.Tx, txs []Tx) ([]Mutation, error) {
	muts := make([]Mutation, 0, len(txs))
	// Rows created earlier in the same batch satisfy later dependency checks.
	inBatch := make(map[string]map[string]bool)

	for _, tx := range txs {
		op, err := opForTxType(tx.Type)
		if err != nil {
			return nil, err
		}
		entry, ok := e.registry.Get(tx.Table)
		if !ok {
			return nil, recsync.NewError(recsync.KindSyncValidation, tx.Table, tx.RowID, "table", "unknown sync table")
		}

		var mut Mutation
		switch op {
		case recsync.OpUpsert:
			if tx.Row == nil {
				return nil, recsync.NewError(recsync.KindSyncValidation, tx.Table, tx.RowID, "row", "missing row")
			}
			row := normalizeRow(tx.Row, tx.Ts)
			if errs := e.registry.Validate(entry.Name, row); len(errs) > 0 {
				return nil, recsync.NewError(recsync.KindSyncValidation, entry.Name,
					fmt.Sprintf("%v", row["id"]), errs[0].Field, errs[0].Message)
			}
			id, _ := row["id"].(string)
			for _, ref := range entry.RefFields() {
				refID, ok := row[ref.DTOField].(string)
				if !ok || refID == "" {
					continue
				}
				if inBatch[ref.RefTable][refID] {
					continue
				}
				exists, err := store.RowExistsTx(ctx, sqlTx, ref.RefTable, refID)
				if err != nil {
					return nil, err
				}
				if !exists {
					return nil, recsync.NewError(recsync.KindDependencyMissing, entry.Name, id,
						ref.DTOField, fmt.Sprintf("referenced %s row %s does not exist", ref.RefTable, refID))
				}
			}
			if inBatch[entry.Name] == nil {
				inBatch[entry.Name] = make(map[string]bool)
			}
			inBatch[entry.Name][id] = true
			mut = Mutation{Table: entry.Name, RowID: id, Op: recsync.OpUpsert, Row: row}

		case recsync.OpDelete:
			if tx.RowID == "" {
				return nil, recsync.NewError(recsync.KindSyncValidation, tx.Table, "", "row_id", "missing row_id")
			}
			// A zero ts would tombstone the row with updated_at=0, breaking
			// the envelope ordering; default to the current time.
			ts := tx.Ts
			if ts <= 0 {
				ts = time.Now().UnixMilli()
			}
			existing, err := store.GetRowTx(ctx, sqlTx, entry, tx.RowID)
			if err == store.ErrNotFound {
				return nil, recsync.NewError(recsync.KindNotFound, entry.Name, tx.RowID, "", "row does not exist")
			}
			if err != nil {
				return nil, err
			}
			existing["deleted_at"] = ts
			existing["updated_at"] = ts
			mut = Mutation{Table: entry.Name, RowID: tx.RowID, Op: recsync.OpDelete, Row: existing}
		}
		muts = append(muts, mut)
	}
	return muts, nil
}

// AppendWith runs prepare under the writer lock inside the commit
// transaction, then appends the resulting mutations as one signed block.
// The push applier uses this to keep its conflict checks atomic with the
// append.
func (e *Engine) AppendWith(ctx context.Context, prepare func(context.Context, *sql.Tx) ([]Mutation, error)) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sqlTx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	muts, err := prepare(ctx, sqlTx)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		seq, err := e.store.GetLatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{LastSeq: seq, Height: e.lastHeight, AppliedRows: []recsync.AppliedRow{}}, nil
	}

	ts := maxTs(muts)
	entries := make([]recsync.ChangeLogEntry, 0, len(muts))
	applied := make([]recsync.AppliedRow, 0, len(muts))

	for _, mut := range muts {
		payload, err := json.Marshal(mut.Row)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		entry := recsync.ChangeLogEntry{
			Table:     mut.Table,
			RowID:     mut.RowID,
			Op:        mut.Op,
			Payload:   payload,
			CreatedAt: ts,
		}
		seq, err := e.store.AppendChangeLogTx(ctx, sqlTx, &entry)
		if err != nil {
			return nil, err
		}

		reg, _ := e.registry.Get(mut.Table)
		stored := make(map[string]any, len(mut.Row)+1)
		for k, v := range mut.Row {
			stored[k] = v
		}
		stored["last_server_seq"] = seq
		stored["sync_status"] = "synced"
		if err := store.UpsertRowTx(ctx, sqlTx, reg, stored); err != nil {
			return nil, err
		}

		entries = append(entries, entry)
		applied = append(applied, recsync.AppliedRow{Table: mut.Table, RowID: mut.RowID, ServerSeq: seq})
	}

	block, err := e.buildBlock(entries, ts)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertBlockTx(ctx, sqlTx, block); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit block %d: %w", block.Height, err)
	}

	// Commit succeeded; fold into the materialized state and advance the tip.
	for i := range entries {
		e.foldEntry(&entries[i])
	}
	e.lastHeight = block.Height
	e.lastHash = block.Hash

	e.logger.Debug("block committed",
		slog.Int64("height", block.Height),
		slog.Int("entries", block.EntryCount),
		slog.Int64("last_seq", block.LastSeq))

	return &Result{
		Applied:     len(applied),
		LastSeq:     block.LastSeq,
		Height:      block.Height,
		AppliedRows: applied,
	}, nil
}

// buildBlock hashes the entry batch, links it to the previous block and
// signs the hash. Caller holds the writer lock.
func (e *Engine) buildBlock(entries []recsync.ChangeLogEntry, ts int64) (*store.BlockRecord, error) {
	canonical, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entries: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(e.lastHash))
	h.Write(canonical)
	h.Write([]byte(e.signer.ID))
	fmt.Fprintf(h, "%d", ts)
	hash := hex.EncodeToString(h.Sum(nil))

	return &store.BlockRecord{
		Height:     e.lastHeight + 1,
		PrevHash:   e.lastHash,
		Hash:       hash,
		SignerID:   e.signer.ID,
		Signature:  e.signer.Sign([]byte(hash)),
		Ts:         ts,
		FirstSeq:   entries[0].ServerSeq,
		LastSeq:    entries[len(entries)-1].ServerSeq,
		EntryCount: len(entries),
	}, nil
}

// ListBlocksSince returns blocks after the given height, ascending.
func (e *Engine) ListBlocksSince(ctx context.Context, height int64, limit int) ([]store.BlockRecord, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	blocks, err := e.store.GetBlocksSince(ctx, height, limit)
	if err != nil {
		return nil, 0, err
	}
	e.mu.RLock()
	last := e.lastHeight
	e.mu.RUnlock()
	return blocks, last, nil
}

// Height returns the current chain tip height.
func (e *Engine) Height() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeight
}

// opForTxType maps a transaction type to its change-log operation.
func opForTxType(t string) (string, error) {
	switch t {
	case TxUpsert, TxGrant, TxPresence, TxChat:
		return recsync.OpUpsert, nil
	case TxDelete, TxRevoke:
		return recsync.OpDelete, nil
	default:
		return "", recsync.NewError(recsync.KindValidation, "", "", "type",
			fmt.Sprintf("unknown transaction type %q", t))
	}
}

// normalizeRow fills missing envelope timestamps from the transaction ts.
func normalizeRow(in map[string]any, ts int64) map[string]any {
	row := make(map[string]any, len(in)+2)
	for k, v := range in {
		row[k] = v
	}
	if _, ok := row["created_at"]; !ok && ts > 0 {
		row["created_at"] = ts
	}
	if _, ok := row["updated_at"]; !ok && ts > 0 {
		row["updated_at"] = ts
	}
	return row
}

func maxTs(muts []Mutation) int64 {
	var ts int64
	for _, m := range muts {
		if v, ok := m.Row["updated_at"]; ok {
			if n, ok2 := asInt64(v); ok2 && n > ts {
				ts = n
			}
		}
	}
	return ts
}

func asInt64(v any) (int64, bool) {
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
