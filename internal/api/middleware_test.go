package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/recordsync/internal/auth"
)

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	verifier := auth.NewVerifier("secret", false)
	handler := AuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without credentials")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync/changes", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v", ct)
	}
}

func TestAuthMiddleware_StoresActorInContext(t *testing.T) {
	verifier := auth.NewVerifier("secret", false)
	token, err := verifier.IssueToken(auth.Actor{ID: "user-1", Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	var got auth.Actor
	handler := AuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/sync/changes", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got.ID != "user-1" || got.Role != auth.RoleAdmin {
		t.Errorf("actor = %+v", got)
	}
}

func TestAuthMiddleware_DevHeaders(t *testing.T) {
	verifier := auth.NewVerifier("", true)

	var got auth.Actor
	handler := AuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/sync/changes", nil)
	r.Header.Set("X-Actor-Id", "dev-user")
	r.Header.Set("X-Actor-Role", "admin")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got.ID != "dev-user" || !got.IsAdmin() {
		t.Errorf("actor = %+v", got)
	}
}

func TestRecoveryMiddleware_ConvertsPanicTo500(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something broke")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if body := w.Body.String(); body == "" || body[0] != '{' {
		t.Errorf("body is not problem json: %q", body)
	}
}
