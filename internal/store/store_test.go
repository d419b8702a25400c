package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/recordsync/internal/registry"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEntry(t *testing.T, s *SQLiteStore, table, rowID, op string, at int64) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	defer tx.Rollback()

	seq, err := s.AppendChangeLogTx(ctx, tx, &recsync.ChangeLogEntry{
		Table: table, RowID: rowID, Op: op,
		Payload:   json.RawMessage(`{"id":"` + rowID + `"}`),
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendChangeLogTx() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return seq
}

func TestChangeLogSequenceIsDenseAndMonotonic(t *testing.T) {
	// Given an empty store
	s := newTestStore(t)
	ctx := context.Background()

	// When three entries are appended
	var seqs []int64
	for i, id := range []string{"a", "b", "c"} {
		seqs = append(seqs, appendEntry(t, s, "notes", id, recsync.OpUpsert, int64(1000+i)))
	}

	// Then sequences are 1, 2, 3 with no gaps
	for i, want := range []int64{1, 2, 3} {
		if seqs[i] != want {
			t.Errorf("seq[%d] = %d, want %d", i, seqs[i], want)
		}
	}

	// And the latest sequence matches the count
	latest, err := s.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("GetLatestSequence() error = %v", err)
	}
	if latest != 3 {
		t.Errorf("latest = %d, want 3", latest)
	}
	n, err := s.CountChangeLog(ctx)
	if err != nil {
		t.Fatalf("CountChangeLog() error = %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestGetChangeLogAfterReturnsAscendingWindow(t *testing.T) {
	// Given five appended entries
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		appendEntry(t, s, "notes", string(rune('a'+i)), recsync.OpUpsert, int64(1000+i))
	}

	// When reading after seq 2 with limit 2
	entries, err := s.GetChangeLogAfter(ctx, 2, 2)
	if err != nil {
		t.Fatalf("GetChangeLogAfter() error = %v", err)
	}

	// Then entries 3 and 4 come back in order
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].ServerSeq != 3 || entries[1].ServerSeq != 4 {
		t.Errorf("seqs = %d, %d, want 3, 4", entries[0].ServerSeq, entries[1].ServerSeq)
	}
}

func TestLatestForRowPrefersNewestEntry(t *testing.T) {
	// Given two entries for the same row
	s := newTestStore(t)
	ctx := context.Background()
	appendEntry(t, s, "notes", "n1", recsync.OpUpsert, 1000)
	appendEntry(t, s, "notes", "n1", recsync.OpDelete, 2000)

	// When looking up the row's latest entry
	e, err := s.LatestForRow(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("LatestForRow() error = %v", err)
	}

	// Then the delete at seq 2 is returned
	if e.Op != recsync.OpDelete || e.ServerSeq != 2 {
		t.Errorf("got op=%s seq=%d, want delete seq=2", e.Op, e.ServerSeq)
	}

	// And an unknown row reports not found
	if _, err := s.LatestForRow(ctx, "notes", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestForRow(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertRowRoundTrip(t *testing.T) {
	// Given the registry entry for notes
	s := newTestStore(t)
	ctx := context.Background()
	reg := registry.MustNew()
	e, _ := reg.Get("notes")

	row := map[string]any{
		"id":         "11111111-1111-4111-8111-111111111111",
		"title":      "quarterly review",
		"body":       "draft",
		"created_at": int64(1000),
		"updated_at": int64(1000),
	}

	// When the row is upserted and then updated
	tx, _ := s.BeginTx(ctx)
	if err := UpsertRowTx(ctx, tx, e, row); err != nil {
		t.Fatalf("UpsertRowTx() error = %v", err)
	}
	tx.Commit()

	row["body"] = "final"
	row["updated_at"] = int64(2000)
	tx, _ = s.BeginTx(ctx)
	if err := UpsertRowTx(ctx, tx, e, row); err != nil {
		t.Fatalf("UpsertRowTx() update error = %v", err)
	}
	tx.Commit()

	// Then the read-back reflects the update with typed values
	got, err := s.GetRow(ctx, e, row["id"].(string))
	if err != nil {
		t.Fatalf("GetRow() error = %v", err)
	}
	if got["body"] != "final" {
		t.Errorf("body = %v, want final", got["body"])
	}
	if got["updated_at"] != int64(2000) {
		t.Errorf("updated_at = %v (%T), want int64 2000", got["updated_at"], got["updated_at"])
	}
	if _, present := got["deleted_at"]; present {
		t.Errorf("deleted_at should be omitted for live rows, got %v", got["deleted_at"])
	}
}

func TestRowExistsCountsTombstones(t *testing.T) {
	// Given a tombstoned note
	s := newTestStore(t)
	ctx := context.Background()
	reg := registry.MustNew()
	e, _ := reg.Get("notes")

	tx, _ := s.BeginTx(ctx)
	err := UpsertRowTx(ctx, tx, e, map[string]any{
		"id":         "22222222-2222-4222-8222-222222222222",
		"created_at": int64(1000),
		"updated_at": int64(2000),
		"deleted_at": int64(2000),
	})
	if err != nil {
		t.Fatalf("UpsertRowTx() error = %v", err)
	}
	tx.Commit()

	// When checking existence
	tx, _ = s.BeginTx(ctx)
	defer tx.Rollback()
	exists, err := RowExistsTx(ctx, tx, "notes", "22222222-2222-4222-8222-222222222222")
	if err != nil {
		t.Fatalf("RowExistsTx() error = %v", err)
	}

	// Then the tombstone still counts as an existing referent
	if !exists {
		t.Error("tombstoned row should exist for dependency checks")
	}

	// And ListRows excludes it unless deleted rows are requested
	live, err := s.ListRows(ctx, e, false)
	if err != nil {
		t.Fatalf("ListRows() error = %v", err)
	}
	if len(live) != 0 {
		t.Errorf("live rows = %d, want 0", len(live))
	}
	all, err := s.ListRows(ctx, e, true)
	if err != nil {
		t.Fatalf("ListRows(includeDeleted) error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("all rows = %d, want 1", len(all))
	}
}

func TestClientSyncStateLifecycle(t *testing.T) {
	// Given a client that has never synced
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetClientSyncState(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClientSyncState() error = %v", err)
	}
	if st.LastPulledServerSeq != 0 {
		t.Errorf("initial cursor = %d, want 0", st.LastPulledServerSeq)
	}

	// When a pull and a push are recorded
	if err := s.RecordPull(ctx, "client-1", 42, 5000); err != nil {
		t.Fatalf("RecordPull() error = %v", err)
	}
	if err := s.RecordPush(ctx, "client-1", 6000); err != nil {
		t.Fatalf("RecordPush() error = %v", err)
	}

	// Then the cursor record reflects both
	st, err = s.GetClientSyncState(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClientSyncState() error = %v", err)
	}
	if st.LastPulledServerSeq != 42 || st.LastPulledAt != 5000 || st.LastPushedAt != 6000 {
		t.Errorf("state = %+v, want cursor=42 pulledAt=5000 pushedAt=6000", st)
	}
}

func TestSyncRequestPendingAndAck(t *testing.T) {
	// Given an enqueued corrective request
	s := newTestStore(t)
	ctx := context.Background()

	req := &recsync.SyncRequest{
		RequestID: "req-1",
		ClientID:  "client-1",
		Type:      recsync.RequestForceFullPullV2,
		CreatedAt: 1000,
	}
	if err := s.CreateSyncRequest(ctx, req); err != nil {
		t.Fatalf("CreateSyncRequest() error = %v", err)
	}

	// When the client polls for pending work
	pending, err := s.GetPendingSyncRequest(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetPendingSyncRequest() error = %v", err)
	}
	if pending.RequestID != "req-1" || pending.Type != recsync.RequestForceFullPullV2 {
		t.Errorf("pending = %+v", pending)
	}

	// And acknowledges it
	if err := s.AckSyncRequest(ctx, "client-1", "req-1", "done", "", 2000); err != nil {
		t.Fatalf("AckSyncRequest() error = %v", err)
	}

	// Then no request remains pending
	if _, err := s.GetPendingSyncRequest(ctx, "client-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after ack error = %v, want ErrNotFound", err)
	}

	// And the cooldown clock sees the request
	at, err := s.LastSyncRequestAt(ctx, "client-1")
	if err != nil {
		t.Fatalf("LastSyncRequestAt() error = %v", err)
	}
	if at != 1000 {
		t.Errorf("last request at = %d, want 1000", at)
	}

	// And acking an unknown request reports not found
	if err := s.AckSyncRequest(ctx, "client-1", "nope", "done", "", 3000); !errors.Is(err, ErrNotFound) {
		t.Errorf("ack unknown error = %v, want ErrNotFound", err)
	}
}

func TestBlockChainPersistence(t *testing.T) {
	// Given an empty chain
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetLastBlock(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLastBlock() on empty chain error = %v, want ErrNotFound", err)
	}

	// When two linked blocks are inserted
	tx, _ := s.BeginTx(ctx)
	b1 := &BlockRecord{Height: 1, PrevHash: "", Hash: "h1", SignerID: "srv", Signature: "s1", Ts: 1000, FirstSeq: 1, LastSeq: 3, EntryCount: 3}
	b2 := &BlockRecord{Height: 2, PrevHash: "h1", Hash: "h2", SignerID: "srv", Signature: "s2", Ts: 2000, FirstSeq: 4, LastSeq: 4, EntryCount: 1}
	if err := s.InsertBlockTx(ctx, tx, b1); err != nil {
		t.Fatalf("InsertBlockTx(b1) error = %v", err)
	}
	if err := s.InsertBlockTx(ctx, tx, b2); err != nil {
		t.Fatalf("InsertBlockTx(b2) error = %v", err)
	}
	tx.Commit()

	// Then the last block is the second and the range query links them
	last, err := s.GetLastBlock(ctx)
	if err != nil {
		t.Fatalf("GetLastBlock() error = %v", err)
	}
	if last.Height != 2 || last.PrevHash != "h1" {
		t.Errorf("last = %+v", last)
	}

	blocks, err := s.GetBlocksSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GetBlocksSince() error = %v", err)
	}
	if len(blocks) != 2 || blocks[0].Height != 1 || blocks[1].Height != 2 {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestDiagnosticsNewestFirstAndBudgetCount(t *testing.T) {
	// Given three autoheal diagnostics
	s := newTestStore(t)
	ctx := context.Background()
	for i, at := range []int64{1000, 2000, 3000} {
		err := s.AppendDiagnostic(ctx, "client-1", "autoheal", at,
			json.RawMessage(`{"n":`+string(rune('0'+i))+`}`))
		if err != nil {
			t.Fatalf("AppendDiagnostic() error = %v", err)
		}
	}

	// When reading recent entries with limit 2
	entries, err := s.RecentDiagnostics(ctx, "client-1", "autoheal", 2)
	if err != nil {
		t.Fatalf("RecentDiagnostics() error = %v", err)
	}

	// Then the newest two come first
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].CreatedAt != 3000 || entries[1].CreatedAt != 2000 {
		t.Errorf("order = %d, %d, want 3000, 2000", entries[0].CreatedAt, entries[1].CreatedAt)
	}

	// And the budget counter only sees entries inside the window
	n, err := s.CountDiagnosticsSince(ctx, "client-1", "autoheal", 2000)
	if err != nil {
		t.Fatalf("CountDiagnosticsSince() error = %v", err)
	}
	if n != 2 {
		t.Errorf("count since 2000 = %d, want 2", n)
	}
}

func TestClientConsistencySnapshotUpsert(t *testing.T) {
	// Given no snapshot for the client
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetClientConsistencySnapshot(ctx, "client-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	// When the client reports twice
	first := &ClientConsistencySnapshot{ClientID: "client-1", SnapshotAt: 1000, CursorSeq: 5, Payload: json.RawMessage(`{"notes":1}`)}
	if err := s.SaveClientConsistencySnapshot(ctx, first); err != nil {
		t.Fatalf("SaveClientConsistencySnapshot() error = %v", err)
	}
	second := &ClientConsistencySnapshot{ClientID: "client-1", SnapshotAt: 2000, CursorSeq: 9, Payload: json.RawMessage(`{"notes":2}`)}
	if err := s.SaveClientConsistencySnapshot(ctx, second); err != nil {
		t.Fatalf("SaveClientConsistencySnapshot() update error = %v", err)
	}

	// Then only the latest snapshot is retained
	got, err := s.GetClientConsistencySnapshot(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClientConsistencySnapshot() error = %v", err)
	}
	if got.SnapshotAt != 2000 || got.CursorSeq != 9 {
		t.Errorf("snapshot = %+v, want at=2000 cursor=9", got)
	}
}
