// Package registry is the single source of truth for the sync tables: their
// names, schemas, wire/local field maps, conflict targets and dependency
// order. Every consumer (push applier, pull producer, ledger engine, client
// mirror, consistency reporter) iterates the same entries, so adding a table
// means adding exactly one entry here.
package registry

import (
	"fmt"
)

// FieldKind classifies a column for validation and conversion.
type FieldKind int

const (
	KindString FieldKind = iota
	KindUUID
	KindEpochMillis
	KindInt
	KindBool
	KindJSON
)

// Field describes one column of a sync table: its local (camelCase) name,
// its wire (snake_case) name, and the constraints the schema enforces.
type Field struct {
	DBField  string
	DTOField string
	Kind     FieldKind
	Required bool
	Nullable bool
	MaxLen   int
	Enum     []string
	// RefTable names the table this column references by id. The push
	// applier refuses rows whose referent does not exist.
	RefTable string
}

// PrivacyRule marks a table whose rows are visible only to the named
// participants (or admin roles). Empty field names are skipped. A null
// participant value means the row is global and visible to everyone.
type PrivacyRule struct {
	SenderField    string
	RecipientField string
}

// Entry is one registry table: canonical sync name, matching ledger name,
// validation schema, field maps, conflict target and dependencies.
type Entry struct {
	Name           string
	LedgerName     string
	Fields         []Field
	ConflictTarget []string
	DependsOn      []string
	Privacy        *PrivacyRule
}

// envelope returns the mandatory fields shared by every sync table.
func envelope() []Field {
	return []Field{
		{DBField: "id", DTOField: "id", Kind: KindUUID, Required: true},
		{DBField: "createdAt", DTOField: "created_at", Kind: KindEpochMillis, Required: true},
		{DBField: "updatedAt", DTOField: "updated_at", Kind: KindEpochMillis, Required: true},
		{DBField: "deletedAt", DTOField: "deleted_at", Kind: KindEpochMillis, Nullable: true},
		{DBField: "lastServerSeq", DTOField: "last_server_seq", Kind: KindInt, Nullable: true},
		{DBField: "syncStatus", DTOField: "sync_status", Kind: KindString, Nullable: true,
			Enum: []string{"synced", "pending", "error"}},
	}
}

func withEnvelope(fields ...Field) []Field {
	return append(envelope(), fields...)
}

// entries is the static table list. Order here is the declaration order;
// Entries() returns the dependency-safe topological order computed at init.
var entries = []Entry{
	{
		Name:           "entity_types",
		LedgerName:     "entity_types",
		ConflictTarget: []string{"id"},
		Fields: withEnvelope(
			Field{DBField: "name", DTOField: "name", Kind: KindString, Required: true, MaxLen: 255},
			Field{DBField: "description", DTOField: "description", Kind: KindString, Nullable: true, MaxLen: 4000},
		),
	},
	{
		Name:           "entities",
		LedgerName:     "entities",
		ConflictTarget: []string{"id"},
		DependsOn:      []string{"entity_types"},
		Fields: withEnvelope(
			Field{DBField: "entityTypeId", DTOField: "entity_type_id", Kind: KindUUID, Required: true, RefTable: "entity_types"},
			Field{DBField: "name", DTOField: "name", Kind: KindString, Required: true, MaxLen: 500},
			Field{DBField: "status", DTOField: "status", Kind: KindString, Nullable: true, MaxLen: 100},
			Field{DBField: "ownerUserId", DTOField: "owner_user_id", Kind: KindUUID, Nullable: true},
		),
	},
	{
		Name:           "attribute_defs",
		LedgerName:     "attribute_defs",
		ConflictTarget: []string{"id"},
		DependsOn:      []string{"entity_types"},
		Fields: withEnvelope(
			Field{DBField: "entityTypeId", DTOField: "entity_type_id", Kind: KindUUID, Required: true, RefTable: "entity_types"},
			Field{DBField: "name", DTOField: "name", Kind: KindString, Required: true, MaxLen: 255},
			Field{DBField: "dataType", DTOField: "data_type", Kind: KindString, Required: true,
				Enum: []string{"string", "number", "bool", "date", "json", "ref"}},
			Field{DBField: "required", DTOField: "required", Kind: KindBool, Nullable: true},
		),
	},
	{
		Name:           "attribute_values",
		LedgerName:     "attribute_values",
		ConflictTarget: []string{"id"},
		DependsOn:      []string{"entities", "attribute_defs"},
		Fields: withEnvelope(
			Field{DBField: "entityId", DTOField: "entity_id", Kind: KindUUID, Required: true, RefTable: "entities"},
			Field{DBField: "attributeDefId", DTOField: "attribute_def_id", Kind: KindUUID, Required: true, RefTable: "attribute_defs"},
			Field{DBField: "valueJson", DTOField: "value_json", Kind: KindJSON, Nullable: true},
		),
	},
	{
		Name:           "operations",
		LedgerName:     "operations",
		ConflictTarget: []string{"id"},
		DependsOn:      []string{"entities"},
		Fields: withEnvelope(
			Field{DBField: "entityId", DTOField: "entity_id", Kind: KindUUID, Required: true, RefTable: "entities"},
			Field{DBField: "opType", DTOField: "op_type", Kind: KindString, Required: true, MaxLen: 100},
			Field{DBField: "actorUserId", DTOField: "actor_user_id", Kind: KindUUID, Nullable: true},
			Field{DBField: "note", DTOField: "note", Kind: KindString, Nullable: true, MaxLen: 8000},
		),
	},
	{
		Name:           "audit_log",
		LedgerName:     "audit_log",
		ConflictTarget: []string{"id"},
		Fields: withEnvelope(
			Field{DBField: "actorUserId", DTOField: "actor_user_id", Kind: KindUUID, Nullable: true},
			Field{DBField: "action", DTOField: "action", Kind: KindString, Required: true, MaxLen: 255},
			Field{DBField: "targetTable", DTOField: "target_table", Kind: KindString, Nullable: true, MaxLen: 255},
			Field{DBField: "targetId", DTOField: "target_id", Kind: KindString, Nullable: true, MaxLen: 255},
			Field{DBField: "detailJson", DTOField: "detail_json", Kind: KindJSON, Nullable: true},
		),
	},
	{
		Name:           "chat_messages",
		LedgerName:     "chat_messages",
		ConflictTarget: []string{"id"},
		Privacy:        &PrivacyRule{SenderField: "sender_user_id", RecipientField: "recipient_user_id"},
		Fields: withEnvelope(
			Field{DBField: "senderUserId", DTOField: "sender_user_id", Kind: KindUUID, Required: true},
			Field{DBField: "recipientUserId", DTOField: "recipient_user_id", Kind: KindUUID, Nullable: true},
			Field{DBField: "body", DTOField: "body", Kind: KindString, Nullable: true, MaxLen: 16000},
		),
	},
	{
		Name:           "chat_reads",
		LedgerName:     "chat_reads",
		ConflictTarget: []string{"id"},
		DependsOn:      []string{"chat_messages"},
		Privacy:        &PrivacyRule{SenderField: "reader_user_id"},
		Fields: withEnvelope(
			Field{DBField: "chatMessageId", DTOField: "chat_message_id", Kind: KindUUID, Required: true, RefTable: "chat_messages"},
			Field{DBField: "readerUserId", DTOField: "reader_user_id", Kind: KindUUID, Required: true},
			Field{DBField: "readAt", DTOField: "read_at", Kind: KindEpochMillis, Nullable: true},
		),
	},
	{
		Name:           "user_presence",
		LedgerName:     "user_presence",
		ConflictTarget: []string{"id"},
		Fields: withEnvelope(
			Field{DBField: "userId", DTOField: "user_id", Kind: KindUUID, Required: true},
			Field{DBField: "status", DTOField: "status", Kind: KindString, Nullable: true,
				Enum: []string{"online", "away", "offline"}},
			Field{DBField: "lastSeenAt", DTOField: "last_seen_at", Kind: KindEpochMillis, Nullable: true},
		),
	},
	{
		Name:           "notes",
		LedgerName:     "notes",
		ConflictTarget: []string{"id"},
		Fields: withEnvelope(
			Field{DBField: "authorUserId", DTOField: "author_user_id", Kind: KindUUID, Nullable: true},
			Field{DBField: "title", DTOField: "title", Kind: KindString, Nullable: true, MaxLen: 1000},
			Field{DBField: "body", DTOField: "body", Kind: KindString, Nullable: true, MaxLen: 64000},
		),
	},
	{
		Name:           "note_shares",
		LedgerName:     "note_shares",
		ConflictTarget: []string{"id"},
		DependsOn:      []string{"notes"},
		Fields: withEnvelope(
			Field{DBField: "noteId", DTOField: "note_id", Kind: KindUUID, Required: true, RefTable: "notes"},
			Field{DBField: "sharedWithUserId", DTOField: "shared_with_user_id", Kind: KindUUID, Required: true},
			Field{DBField: "canEdit", DTOField: "can_edit", Kind: KindBool, Nullable: true},
		),
	},
}

// Registry holds the topologically-ordered entries and lookup indexes.
// It is immutable after New() and safe for unsynchronized concurrent reads.
type Registry struct {
	ordered []Entry
	byName  map[string]*Entry
}

// New builds the registry, verifying that the dependency graph is acyclic
// and that every declared dependency exists.
func New() (*Registry, error) {
	byName := make(map[string]*Entry, len(entries))
	for i := range entries {
		e := &entries[i]
		if _, dup := byName[e.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate table %q", e.Name)
		}
		byName[e.Name] = e
	}

	for _, e := range entries {
		for _, dep := range e.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("registry: table %q depends on unknown table %q", e.Name, dep)
			}
		}
	}

	ordered, err := topoSort(entries)
	if err != nil {
		return nil, err
	}

	return &Registry{ordered: ordered, byName: byName}, nil
}

// MustNew builds the registry or panics. The table list is static, so a
// failure here is a programming error caught at process init.
func MustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// topoSort orders entries so that every table appears after all tables it
// depends on (Kahn's algorithm, declaration order as tie-break).
func topoSort(in []Entry) ([]Entry, error) {
	inDegree := make(map[string]int, len(in))
	dependents := make(map[string][]string)

	for _, e := range in {
		inDegree[e.Name] += 0
		for _, dep := range e.DependsOn {
			inDegree[e.Name]++
			dependents[dep] = append(dependents[dep], e.Name)
		}
	}

	index := make(map[string]Entry, len(in))
	for _, e := range in {
		index[e.Name] = e
	}

	var queue []string
	for _, e := range in {
		if inDegree[e.Name] == 0 {
			queue = append(queue, e.Name)
		}
	}

	ordered := make([]Entry, 0, len(in))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, index[name])
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(ordered) != len(in) {
		return nil, fmt.Errorf("registry: dependency cycle detected")
	}
	return ordered, nil
}

// Entries returns all tables in dependency-safe order: any parent table
// precedes every table that depends on it.
func (r *Registry) Entries() []Entry {
	return r.ordered
}

// Get returns the entry for the named table.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsSyncTable reports whether the named table is registered for sync.
func (r *Registry) IsSyncTable(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// ToSyncRow converts a local (camelCase) row to wire (snake_case) form.
// Unknown fields are dropped.
func (r *Registry) ToSyncRow(name string, dbRow map[string]any) map[string]any {
	e, ok := r.byName[name]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		if v, present := dbRow[f.DBField]; present {
			out[f.DTOField] = v
		}
	}
	return out
}

// ToDbRow converts a wire (snake_case) row to local (camelCase) form.
// Unknown fields are dropped.
func (r *Registry) ToDbRow(name string, dtoRow map[string]any) map[string]any {
	e, ok := r.byName[name]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		if v, present := dtoRow[f.DTOField]; present {
			out[f.DBField] = v
		}
	}
	return out
}

// RefFields returns the FK-like fields of the named table, wire names.
func (e Entry) RefFields() []Field {
	var refs []Field
	for _, f := range e.Fields {
		if f.RefTable != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

// WireColumns returns the wire (snake_case) column names in field order.
func (e Entry) WireColumns() []string {
	cols := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		cols[i] = f.DTOField
	}
	return cols
}
