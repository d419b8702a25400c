package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
	"github.com/hyperengineering/recordsync/internal/validation"
)

func TestWriteProblem_ContentTypeAndFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/sync/changes", nil)

	WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid token")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if p.Type != "https://recordsync.dev/errors/unauthorized" {
		t.Errorf("type = %v", p.Type)
	}
	if p.Title != "Unauthorized" {
		t.Errorf("title = %v", p.Title)
	}
	if p.Status != http.StatusUnauthorized {
		t.Errorf("status = %v", p.Status)
	}
	if p.Detail != "Missing or invalid token" {
		t.Errorf("detail = %v", p.Detail)
	}
	if p.Instance != "/sync/changes" {
		t.Errorf("instance = %v", p.Instance)
	}
}

func TestWriteProblemWithErrors_IncludesFieldErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/sync/push", nil)

	errs := []validation.ValidationError{
		{Field: "updated_at", Message: "updated_at is required"},
	}
	WriteProblemWithErrors(w, r, "Validation failed", errs)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	var body ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if body.Kind != recsync.KindValidation {
		t.Errorf("kind = %q, want %q", body.Kind, recsync.KindValidation)
	}
	if len(body.Errors) != 1 || body.Errors[0].Field != "updated_at" {
		t.Errorf("errors = %+v", body.Errors)
	}
}

func TestMapSyncError_KindStatuses(t *testing.T) {
	tests := []struct {
		kind       string
		wantStatus int
	}{
		{recsync.KindValidation, http.StatusBadRequest},
		{recsync.KindSyncValidation, http.StatusUnprocessableEntity},
		{recsync.KindDependencyMissing, http.StatusUnprocessableEntity},
		{recsync.KindPolicyDenied, http.StatusForbidden},
		{recsync.KindPermissionDenied, http.StatusForbidden},
		{recsync.KindConflict, http.StatusConflict},
		{recsync.KindProtocolUpgrade, http.StatusUpgradeRequired},
		{recsync.KindAuthRequired, http.StatusUnauthorized},
		{recsync.KindNotFound, http.StatusNotFound},
		{recsync.KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/sync/push", nil)

			MapSyncError(w, r, recsync.NewError(tt.kind, "notes", "row-1", "", "boom"))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var p Problem
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				t.Fatalf("failed to unmarshal problem: %v", err)
			}
			if p.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", p.Kind, tt.kind)
			}
			if p.Table != "notes" || p.RowID != "row-1" {
				t.Errorf("location = %s/%s", p.Table, p.RowID)
			}
		})
	}
}

func TestMapSyncError_StoreNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/client/settings", nil)

	MapSyncError(w, r, store.ErrNotFound)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMapSyncError_InternalDetailsHidden(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)

	MapSyncError(w, r, errors.New("dial tcp 10.0.0.5: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail leaked internals: %q", p.Detail)
	}
}
