package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
	"github.com/hyperengineering/recordsync/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response. Kind carries the
// sync protocol error taxonomy so clients can branch without string-matching
// the detail text.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Table    string `json:"table,omitempty"`
	RowID    string `json:"row_id,omitempty"`
	Field    string `json:"field,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://recordsync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://recordsync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://recordsync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://recordsync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://recordsync.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusConflict: {
		typeURI: "https://recordsync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusForbidden: {
		typeURI: "https://recordsync.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusUpgradeRequired: {
		typeURI: "https://recordsync.dev/errors/protocol-upgrade-required",
		title:   "Upgrade Required",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, r, Problem{Status: status, Detail: detail})
}

func writeProblemBody(w http.ResponseWriter, r *http.Request, p Problem) {
	pt, ok := problemTypes[p.Status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://recordsync.dev/errors/unknown",
			title:   http.StatusText(p.Status),
		}
	}
	p.Type = pt.typeURI
	p.Title = pt.title
	p.Instance = r.URL.Path

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
			Kind:     recsync.KindValidation,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// statusForKind maps protocol error kinds to HTTP statuses.
func statusForKind(kind string) int {
	switch kind {
	case recsync.KindValidation:
		return http.StatusBadRequest
	case recsync.KindSyncValidation, recsync.KindDependencyMissing:
		return http.StatusUnprocessableEntity
	case recsync.KindPolicyDenied, recsync.KindPermissionDenied:
		return http.StatusForbidden
	case recsync.KindConflict:
		return http.StatusConflict
	case recsync.KindProtocolUpgrade:
		return http.StatusUpgradeRequired
	case recsync.KindAuthRequired:
		return http.StatusUnauthorized
	case recsync.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// MapSyncError converts protocol and store errors to Problem Details
// responses. Internal error details are never exposed to the client.
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var syncErr *recsync.Error
	if errors.As(err, &syncErr) {
		writeProblemBody(w, r, Problem{
			Status: statusForKind(syncErr.Kind),
			Detail: syncErr.Message,
			Kind:   syncErr.Kind,
			Table:  syncErr.Table,
			RowID:  syncErr.RowID,
			Field:  syncErr.Field,
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}
	slog.Error("internal error", "path", r.URL.Path, "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
}
