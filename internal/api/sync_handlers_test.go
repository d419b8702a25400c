package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/ledger"
	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/replication"
	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

type apiFixture struct {
	router   http.Handler
	verifier *auth.Verifier
	store    *store.SQLiteStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.MustNew()
	signer, err := ledger.LoadOrCreateSigner(filepath.Join(t.TempDir(), "signer.key"))
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	engine, err := ledger.NewEngine(context.Background(), db, reg, signer, nil)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	verifier := auth.NewVerifier("test-secret", false)
	handler := NewHandler(
		db, reg, engine,
		replication.NewApplier(db, reg, engine, nil),
		replication.NewProducer(db, reg, replication.ProducerOptions{}, nil),
		consistency.NewReporter(db, reg, consistency.Thresholds{
			ObserveRatio: 0.08, DegradedRatio: 0.15, CriticalRatio: 0.35, DriftThreshold: 2,
		}, nil),
		verifier, nil,
	)
	return &apiFixture{router: NewRouter(handler, verifier), verifier: verifier, store: db}
}

func (f *apiFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := f.verifier.IssueToken(auth.Actor{ID: userID, Role: role})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func pushBody(clientID string, rows ...map[string]any) recsync.PushRequest {
	return recsync.PushRequest{
		ClientID: clientID,
		Upserts:  []recsync.TableUpserts{{Table: "entity_types", Rows: rows}},
	}
}

func wireRow(id string, ts int64) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       "department",
		"created_at": ts,
		"updated_at": ts,
	}
}

func TestSyncPushAndChanges(t *testing.T) {
	// Given an authenticated client with one valid row
	f := newAPIFixture(t)
	token := f.token(t, "user-1", "")
	id := uuid.NewString()

	// When the row is pushed
	w := f.request(t, http.MethodPost, "/sync/push", token, pushBody("client-1", wireRow(id, 1000)))
	if w.Code != http.StatusOK {
		t.Fatalf("push status = %d: %s", w.Code, w.Body.String())
	}
	var pushResp recsync.PushResponse
	if err := json.Unmarshal(w.Body.Bytes(), &pushResp); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if !pushResp.OK || pushResp.Applied != 1 {
		t.Errorf("push response = %+v", pushResp)
	}

	// Then the change is served back on the pull endpoint
	w = f.request(t, http.MethodGet, "/sync/changes?since_seq=0&client_id=client-2", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("changes status = %d: %s", w.Code, w.Body.String())
	}
	var pullResp recsync.PullResponse
	if err := json.Unmarshal(w.Body.Bytes(), &pullResp); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(pullResp.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(pullResp.Changes))
	}
	if pullResp.Changes[0].RowID != id {
		t.Errorf("change row_id = %s, want %s", pullResp.Changes[0].RowID, id)
	}
	if pullResp.HasMore {
		t.Error("has_more = true after a single change")
	}
}

func TestSyncPushRejectsOversizedBatch(t *testing.T) {
	// Given a batch above the row cap
	f := newAPIFixture(t)
	token := f.token(t, "user-1", "")

	rows := make([]map[string]any, MaxPushRows+1)
	for i := range rows {
		rows[i] = wireRow(uuid.NewString(), 1000)
	}

	// When pushed
	w := f.request(t, http.MethodPost, "/sync/push", token, pushBody("client-1", rows...))

	// Then it is rejected outright
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSyncPushInvalidRowReturns422(t *testing.T) {
	// Given a row missing its updated_at
	f := newAPIFixture(t)
	token := f.token(t, "user-1", "")
	row := wireRow(uuid.NewString(), 1000)
	delete(row, "updated_at")

	// When pushed
	w := f.request(t, http.MethodPost, "/sync/push", token, pushBody("client-1", row))

	// Then the problem names the offending table and field
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Kind != recsync.KindSyncValidation {
		t.Errorf("kind = %q", p.Kind)
	}
	if p.Table != "entity_types" {
		t.Errorf("table = %q", p.Table)
	}
}

func TestSyncChangesRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/sync/changes?since_seq=0", "", nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestSyncChangesRejectsBadSinceSeq(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "user-1", "")

	w := f.request(t, http.MethodGet, "/sync/changes?since_seq=abc", token, nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestClientSettingsSurfacesStoreFailure(t *testing.T) {
	// Given a server whose database has gone away
	f := newAPIFixture(t)
	token := f.token(t, "user-1", "")
	f.store.Close()

	// When the settings are polled
	w := f.request(t, http.MethodGet, "/client/settings?clientId=client-1", token, nil)

	// Then the failure surfaces instead of reading as "no pending request"
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500: %s", w.Code, w.Body.String())
	}
}

func TestAckUnknownRequestReturns404(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "user-1", "")

	w := f.request(t, http.MethodPost, "/client/settings/sync-request/ack", token, map[string]any{
		"clientId":  "client-1",
		"requestId": fmt.Sprintf("no-such-%s", uuid.NewString()),
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404: %s", w.Code, w.Body.String())
	}
}
