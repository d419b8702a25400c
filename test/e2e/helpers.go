// Package e2e exercises the full server stack over HTTP: real store, real
// ledger engine, real router, with client agents talking to an httptest
// server.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/recordsync/internal/api"
	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/client"
	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/ledger"
	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/replication"
	"github.com/hyperengineering/recordsync/internal/store"
)

const testJWTSecret = "e2e-test-secret"

// testServer bundles the wired stack behind an httptest server.
type testServer struct {
	URL      string
	Store    *store.SQLiteStore
	Registry *registry.Registry
	Engine   *ledger.Engine
	Verifier *auth.Verifier
	Reporter *consistency.Reporter
}

// newTestServer wires the full server stack on a temp database.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := store.NewSQLiteStore(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.MustNew()
	signer, err := ledger.LoadOrCreateSigner(filepath.Join(dir, "signer.key"))
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	engine, err := ledger.NewEngine(context.Background(), db, reg, signer, nil)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	applier := replication.NewApplier(db, reg, engine, nil)
	producer := replication.NewProducer(db, reg, replication.ProducerOptions{}, nil)
	reporter := consistency.NewReporter(db, reg, consistency.Thresholds{
		ObserveRatio:   0.08,
		DegradedRatio:  0.15,
		CriticalRatio:  0.35,
		DriftThreshold: 2,
	}, nil)
	verifier := auth.NewVerifier(testJWTSecret, false)

	handler := api.NewHandler(db, reg, engine, applier, producer, reporter, verifier, nil)
	srv := httptest.NewServer(api.NewRouter(handler, verifier))
	t.Cleanup(srv.Close)

	return &testServer{URL: srv.URL, Store: db, Registry: reg, Engine: engine, Verifier: verifier, Reporter: reporter}
}

// token mints a bearer token for the given user and role.
func (ts *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := ts.Verifier.IssueToken(auth.Actor{ID: userID, Role: role})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// newAgent builds a client runner with its own mirror database.
func (ts *testServer) newAgent(t *testing.T, clientID, userID, role string) (*client.Runner, *client.LocalStore) {
	t.Helper()
	local, err := client.NewLocalStore(filepath.Join(t.TempDir(), clientID+".db"), ts.Registry)
	if err != nil {
		t.Fatalf("open mirror for %s: %v", clientID, err)
	}
	t.Cleanup(func() { local.Close() })

	apiClient := client.NewAPIClient(ts.URL, ts.token(t, userID, role), clientID)
	runner := client.NewRunner(apiClient, local, ts.Registry, client.RunnerOptions{Interval: time.Minute}, nil)
	return runner, local
}

// getJSON performs an authenticated GET and decodes the response body.
func (ts *testServer) getJSON(t *testing.T, token, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode < 400 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s response: %v (body: %s)", path, err, raw)
		}
	}
	return resp.StatusCode
}

func envelope(id string, ts int64) map[string]any {
	return map[string]any{
		"id":        id,
		"createdAt": ts,
		"updatedAt": ts,
	}
}
