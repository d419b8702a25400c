package ledger

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// QueryOptions is the full option set of QueryState. Zero values mean the
// option is unset.
type QueryOptions struct {
	ID             string
	Filter         map[string]any
	FilterSet      bool
	OrFilter       []map[string]any
	SortBy         string
	SortDir        string
	IncludeDeleted bool
	DateField      string
	DateFrom       int64
	DateTo         int64
	DateFromSet    bool
	DateToSet      bool
	LikeField      string
	Like           string
	RegexField     string
	Regex          string
	RegexFlags     string
	CursorValue    string
	CursorID       string
	CursorSet      bool
	Limit          int
	Offset         int
}

const (
	maxQueryLimit    = 20000
	maxOrClauses     = 50
	regexFlagAllowed = "gimsuy"
)

// Validate enforces the option pairing rules before any row is touched.
func (o *QueryOptions) Validate() error {
	if o.FilterSet && len(o.Filter) == 0 {
		return recsync.NewError(recsync.KindValidation, "", "", "filter", "empty filter")
	}
	if len(o.OrFilter) > maxOrClauses {
		return recsync.NewError(recsync.KindValidation, "", "", "or_filter",
			fmt.Sprintf("or_filter exceeds %d clauses", maxOrClauses))
	}
	if (o.Like == "") != (o.LikeField == "") {
		return recsync.NewError(recsync.KindValidation, "", "", "like", "like and like_field must be set together")
	}
	if (o.Regex == "") != (o.RegexField == "") {
		return recsync.NewError(recsync.KindValidation, "", "", "regex", "regex and regex_field must be set together")
	}
	for _, f := range o.RegexFlags {
		if !strings.ContainsRune(regexFlagAllowed, f) {
			return recsync.NewError(recsync.KindValidation, "", "", "regex_flags",
				fmt.Sprintf("flag %q not in [%s]", string(f), regexFlagAllowed))
		}
	}
	if o.CursorSet && o.SortBy == "" {
		return recsync.NewError(recsync.KindValidation, "", "", "cursor_value", "cursor requires sort_by")
	}
	if o.DateFromSet && o.DateToSet && o.DateFrom > o.DateTo {
		return recsync.NewError(recsync.KindValidation, "", "", "date_from", "date_from exceeds date_to")
	}
	if o.SortDir != "" && o.SortDir != "asc" && o.SortDir != "desc" {
		return recsync.NewError(recsync.KindValidation, "", "", "sort_dir", "sort_dir must be asc or desc")
	}
	if o.Limit < 0 || o.Limit > maxQueryLimit {
		return recsync.NewError(recsync.KindValidation, "", "", "limit",
			fmt.Sprintf("limit must be between 0 and %d", maxQueryLimit))
	}
	if o.Offset < 0 {
		return recsync.NewError(recsync.KindValidation, "", "", "offset", "offset must not be negative")
	}
	return nil
}

// QueryState answers queries against the materialized state without
// scanning the change log. Rows come back as copies; mutating them does
// not affect the state.
func (e *Engine) QueryState(table string, opts QueryOptions) ([]map[string]any, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !e.registry.IsSyncTable(table) {
		return nil, recsync.NewError(recsync.KindNotFound, table, "", "table", "unknown sync table")
	}

	var re *regexp.Regexp
	if opts.Regex != "" {
		compiled, err := compileBounded(opts.Regex, opts.RegexFlags)
		if err != nil {
			return nil, recsync.NewError(recsync.KindValidation, table, "", "regex", err.Error())
		}
		re = compiled
	}

	e.mu.RLock()
	rows := e.state[table]
	matched := make([]map[string]any, 0)
	for id, row := range rows {
		if opts.ID != "" && id != opts.ID {
			continue
		}
		if !opts.IncludeDeleted {
			if v, ok := row["deleted_at"]; ok && v != nil {
				continue
			}
		}
		if !matchesEquality(row, opts.Filter) {
			continue
		}
		if len(opts.OrFilter) > 0 && !matchesAny(row, opts.OrFilter) {
			continue
		}
		if opts.DateField != "" && !matchesDateRange(row, opts) {
			continue
		}
		if opts.Like != "" && !strings.Contains(stringValue(row[opts.LikeField]), opts.Like) {
			continue
		}
		if re != nil && !re.MatchString(stringValue(row[opts.RegexField])) {
			continue
		}
		matched = append(matched, copyRow(row))
	}
	e.mu.RUnlock()

	sortRows(matched, opts.SortBy, opts.SortDir)

	if opts.CursorSet {
		matched = afterCursor(matched, opts)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []map[string]any{}, nil
		}
		matched = matched[opts.Offset:]
	}
	limit := opts.Limit
	if limit == 0 {
		limit = maxQueryLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// compileBounded translates the whitelisted flag set to Go regexp flags.
// g, u and y change nothing for single-string matching.
func compileBounded(pattern, flags string) (*regexp.Regexp, error) {
	var prefix strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix.WriteRune(f)
		}
	}
	if prefix.Len() > 0 {
		pattern = "(?" + prefix.String() + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func matchesEquality(row, filter map[string]any) bool {
	for k, want := range filter {
		if !looseEqual(row[k], want) {
			return false
		}
	}
	return true
}

func matchesAny(row map[string]any, clauses []map[string]any) bool {
	for _, clause := range clauses {
		if matchesEquality(row, clause) {
			return true
		}
	}
	return false
}

func matchesDateRange(row map[string]any, opts QueryOptions) bool {
	n, ok := asInt64(row[opts.DateField])
	if !ok {
		return false
	}
	if opts.DateFromSet && n < opts.DateFrom {
		return false
	}
	if opts.DateToSet && n > opts.DateTo {
		return false
	}
	return true
}

// looseEqual compares wire values across JSON number representations.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if an, ok := asInt64(a); ok {
		if bn, ok2 := asInt64(b); ok2 {
			return an == bn
		}
	}
	return stringValue(a) == stringValue(b)
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// sortRows orders by the sort key (id when unset) with id ascending as the
// deterministic tie-break.
func sortRows(rows []map[string]any, sortBy, sortDir string) {
	desc := sortDir == "desc"
	key := sortBy
	if key == "" {
		key = "id"
		desc = false
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareValues(rows[i][key], rows[j][key])
		if c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
		return stringValue(rows[i]["id"]) < stringValue(rows[j]["id"])
	})
}

// compareValues orders two wire values: numbers numerically, everything
// else lexically; nil sorts first.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if an, ok := asInt64(a); ok {
		if bn, ok2 := asInt64(b); ok2 {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(stringValue(a), stringValue(b))
}

// afterCursor drops rows at or before the (cursor_value, cursor_id)
// position in the already-sorted slice.
func afterCursor(rows []map[string]any, opts QueryOptions) []map[string]any {
	desc := opts.SortDir == "desc"
	// Numeric sort keys need a numeric cursor, or "10" would sort before "9".
	var cursorVal any = opts.CursorValue
	if n, err := strconv.ParseInt(opts.CursorValue, 10, 64); err == nil {
		cursorVal = n
	}
	out := rows[:0]
	for _, row := range rows {
		c := compareValues(row[opts.SortBy], cursorVal)
		if c == 0 {
			if stringValue(row["id"]) > opts.CursorID {
				out = append(out, row)
			}
			continue
		}
		if (desc && c < 0) || (!desc && c > 0) {
			out = append(out, row)
		}
	}
	return out
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
