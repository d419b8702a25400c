package registry

import (
	"testing"

	"github.com/google/uuid"
)

func TestEntriesAreTopologicallyOrdered(t *testing.T) {
	// Given the static table list
	reg := MustNew()
	pos := make(map[string]int)
	for i, e := range reg.Entries() {
		pos[e.Name] = i
	}

	// Then every table comes after everything it depends on
	for _, e := range reg.Entries() {
		for _, dep := range e.DependsOn {
			if pos[dep] >= pos[e.Name] {
				t.Errorf("%s (pos %d) sorted before its dependency %s (pos %d)",
					e.Name, pos[e.Name], dep, pos[dep])
			}
		}
	}

	// And the well-known pairs hold
	if pos["entity_types"] >= pos["entities"] {
		t.Error("entity_types must precede entities")
	}
	if pos["notes"] >= pos["note_shares"] {
		t.Error("notes must precede note_shares")
	}
}

func TestFieldMapRoundTrip(t *testing.T) {
	// Given a wire-form entity row
	reg := MustNew()
	wire := map[string]any{
		"id":             uuid.NewString(),
		"entity_type_id": uuid.NewString(),
		"name":           "Engineering",
		"created_at":     int64(1000),
		"updated_at":     int64(2000),
	}

	// When converted to local form and back
	local := reg.ToDbRow("entities", wire)
	back := reg.ToSyncRow("entities", local)

	// Then the local form uses camelCase keys
	if local["entityTypeId"] != wire["entity_type_id"] {
		t.Errorf("entityTypeId = %v", local["entityTypeId"])
	}
	if _, leaked := local["entity_type_id"]; leaked {
		t.Error("wire key leaked into the local form")
	}

	// And the round trip preserves every wire field
	for k, v := range wire {
		if back[k] != v {
			t.Errorf("round trip lost %s: got %v, want %v", k, back[k], v)
		}
	}
}

func TestFieldMapUnknownTable(t *testing.T) {
	reg := MustNew()
	if got := reg.ToDbRow("no_such_table", map[string]any{"id": "x"}); got != nil {
		t.Errorf("ToDbRow for unknown table = %v, want nil", got)
	}
	if got := reg.ToSyncRow("no_such_table", map[string]any{"id": "x"}); got != nil {
		t.Errorf("ToSyncRow for unknown table = %v, want nil", got)
	}
}

func TestValidateEnvelope(t *testing.T) {
	reg := MustNew()
	valid := func() map[string]any {
		return map[string]any{
			"id":         uuid.NewString(),
			"name":       "department",
			"created_at": int64(1000),
			"updated_at": int64(2000),
		}
	}

	tests := []struct {
		name      string
		mutate    func(map[string]any)
		wantField string
	}{
		{"missing id", func(m map[string]any) { delete(m, "id") }, "id"},
		{"malformed id", func(m map[string]any) { m["id"] = "not-a-uuid" }, "id"},
		{"missing updated_at", func(m map[string]any) { delete(m, "updated_at") }, "updated_at"},
		{"updated before created", func(m map[string]any) { m["updated_at"] = int64(500) }, "updated_at"},
		{"deleted before updated", func(m map[string]any) { m["deleted_at"] = int64(1500) }, "deleted_at"},
		{"fractional timestamp", func(m map[string]any) { m["updated_at"] = 1000.5 }, "updated_at"},
		{"name too long", func(m map[string]any) { m["name"] = string(make([]byte, 256)) }, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := valid()
			tt.mutate(row)

			errs := reg.Validate("entity_types", row)

			if len(errs) == 0 {
				t.Fatal("expected a validation error")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("no error names %q: %+v", tt.wantField, errs)
			}
		})
	}

	// And a valid row passes clean
	if errs := reg.Validate("entity_types", valid()); len(errs) != 0 {
		t.Errorf("valid row rejected: %+v", errs)
	}
}

func TestValidateEnumField(t *testing.T) {
	// Given a row with an invalid sync_status enum value
	reg := MustNew()
	row := map[string]any{
		"id":          uuid.NewString(),
		"name":        "department",
		"created_at":  int64(1000),
		"updated_at":  int64(2000),
		"sync_status": "weird",
	}

	errs := reg.Validate("entity_types", row)

	if len(errs) == 0 || errs[0].Field != "sync_status" {
		t.Errorf("enum violation not reported: %+v", errs)
	}
}

func TestValidateUnknownTable(t *testing.T) {
	reg := MustNew()
	errs := reg.Validate("no_such_table", map[string]any{})
	if len(errs) != 1 || errs[0].Field != "table" {
		t.Errorf("unknown table errors = %+v", errs)
	}
}
