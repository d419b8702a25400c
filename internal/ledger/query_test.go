package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

func seedNotes(t *testing.T, e *Engine, n int) {
	t.Helper()
	txs := make([]Tx, 0, n)
	for i := 0; i < n; i++ {
		txs = append(txs, Tx{
			Type:  TxUpsert,
			Table: "notes",
			Ts:    int64(1000 + i),
			Row: map[string]any{
				"id":         fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
				"title":      fmt.Sprintf("note %02d", i),
				"body":       fmt.Sprintf("body text %d", i),
				"created_at": int64(1000 + i),
				"updated_at": int64(1000 + i),
			},
		})
	}
	if _, err := e.SignAndAppend(context.Background(), txs); err != nil {
		t.Fatalf("seed error = %v", err)
	}
}

func TestQueryStateFilterAndSort(t *testing.T) {
	// Given six notes
	e, _ := newTestEngine(t)
	seedNotes(t, e, 6)

	// When filtering by one title
	rows, err := e.QueryState("notes", QueryOptions{
		Filter: map[string]any{"title": "note 03"}, FilterSet: true,
	})
	if err != nil {
		t.Fatalf("QueryState() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "note 03" {
		t.Errorf("rows = %+v", rows)
	}

	// And sorting descending by updated_at returns the newest first
	rows, err = e.QueryState("notes", QueryOptions{SortBy: "updated_at", SortDir: "desc", Limit: 2})
	if err != nil {
		t.Fatalf("QueryState() sort error = %v", err)
	}
	if len(rows) != 2 || rows[0]["title"] != "note 05" || rows[1]["title"] != "note 04" {
		t.Errorf("sorted rows = %+v", rows)
	}
}

func TestQueryStateOrFilterLikeAndRegex(t *testing.T) {
	e, _ := newTestEngine(t)
	seedNotes(t, e, 6)

	// Disjunctive filter matches either clause
	rows, err := e.QueryState("notes", QueryOptions{
		OrFilter: []map[string]any{
			{"title": "note 01"},
			{"title": "note 04"},
		},
	})
	if err != nil {
		t.Fatalf("or_filter error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("or_filter rows = %d, want 2", len(rows))
	}

	// Substring match
	rows, err = e.QueryState("notes", QueryOptions{LikeField: "body", Like: "text 2"})
	if err != nil {
		t.Fatalf("like error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("like rows = %d, want 1", len(rows))
	}

	// Case-insensitive regex via the i flag
	rows, err = e.QueryState("notes", QueryOptions{RegexField: "title", Regex: "^NOTE 0[12]$", RegexFlags: "gi"})
	if err != nil {
		t.Fatalf("regex error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("regex rows = %d, want 2", len(rows))
	}
}

func TestQueryStateCursorPagination(t *testing.T) {
	// Given six notes sorted by updated_at ascending
	e, _ := newTestEngine(t)
	seedNotes(t, e, 6)

	// When paging with a cursor after the third row
	rows, err := e.QueryState("notes", QueryOptions{
		SortBy:      "updated_at",
		SortDir:     "asc",
		CursorSet:   true,
		CursorValue: "1002",
		CursorID:    fmt.Sprintf("00000000-0000-4000-8000-%012d", 2),
		Limit:       2,
	})
	if err != nil {
		t.Fatalf("cursor error = %v", err)
	}

	// Then the page starts strictly after the cursor position
	if len(rows) != 2 || rows[0]["title"] != "note 03" || rows[1]["title"] != "note 04" {
		t.Errorf("page = %+v", rows)
	}
}

func TestQueryStateDateRangeAndOffset(t *testing.T) {
	e, _ := newTestEngine(t)
	seedNotes(t, e, 6)

	rows, err := e.QueryState("notes", QueryOptions{
		DateField: "created_at",
		DateFrom:  1001, DateFromSet: true,
		DateTo: 1004, DateToSet: true,
		SortBy: "created_at", SortDir: "asc",
		Offset: 1,
	})
	if err != nil {
		t.Fatalf("date range error = %v", err)
	}
	if len(rows) != 3 || rows[0]["title"] != "note 02" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestQueryStateValidationRules(t *testing.T) {
	e, _ := newTestEngine(t)
	seedNotes(t, e, 1)

	cases := []struct {
		name string
		opts QueryOptions
	}{
		{"empty filter", QueryOptions{FilterSet: true}},
		{"like without field", QueryOptions{Like: "x"}},
		{"regex without field", QueryOptions{Regex: "x"}},
		{"bad regex flag", QueryOptions{RegexField: "title", Regex: "x", RegexFlags: "gx"}},
		{"cursor without sort", QueryOptions{CursorSet: true, CursorValue: "1"}},
		{"inverted date range", QueryOptions{DateField: "created_at", DateFrom: 10, DateFromSet: true, DateTo: 5, DateToSet: true}},
		{"limit too large", QueryOptions{Limit: maxQueryLimit + 1}},
		{"too many or clauses", QueryOptions{OrFilter: make([]map[string]any, maxOrClauses+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.QueryState("notes", tc.opts)
			var syncErr *recsync.Error
			if !errors.As(err, &syncErr) || syncErr.Kind != recsync.KindValidation {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}
