package registry

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/hyperengineering/recordsync/internal/validation"
)

// Int64Value coerces a JSON-decoded value to int64. JSON numbers arrive as
// float64; integral values only.
func Int64Value(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// StringValue coerces a JSON-decoded value to string.
func StringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// BoolValue coerces a JSON-decoded value to bool. SQLite integers 0/1 are
// accepted for rows read back from local storage.
func BoolValue(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, b == 0 || b == 1
	case int64:
		return b != 0, b == 0 || b == 1
	default:
		return false, false
	}
}

// Validate checks a wire-form (snake_case) row against the table's schema:
// required envelope fields, their types, table-specific columns and
// constraints. Returns all violations, not just the first.
func (r *Registry) Validate(name string, row map[string]any) []validation.ValidationError {
	e, ok := r.byName[name]
	if !ok {
		return []validation.ValidationError{{Field: "table", Message: fmt.Sprintf("unknown sync table %q", name)}}
	}

	var c validation.Collector
	for _, f := range e.Fields {
		v, present := row[f.DTOField]
		if !present || v == nil {
			if f.Required {
				c.Add(&validation.ValidationError{Field: f.DTOField, Message: "is required"})
			}
			continue
		}
		validateField(&c, f, v)
	}

	// Envelope timestamp ordering: updated_at >= created_at and, for
	// tombstones, deleted_at >= updated_at.
	createdAt, okC := Int64Value(row["created_at"])
	updatedAt, okU := Int64Value(row["updated_at"])
	if okC && okU {
		if err := validation.ValidateOrdered("updated_at", createdAt, updatedAt); err != nil {
			c.Add(err)
		}
	}
	if v, present := row["deleted_at"]; present && v != nil && okU {
		if deletedAt, okD := Int64Value(v); okD {
			if err := validation.ValidateOrdered("deleted_at", updatedAt, deletedAt); err != nil {
				c.Add(err)
			}
		}
	}

	return c.Errors()
}

func validateField(c *validation.Collector, f Field, v any) {
	switch f.Kind {
	case KindString:
		s, ok := StringValue(v)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be a string"})
			return
		}
		c.Add(validation.ValidateUTF8(f.DTOField, s))
		if f.MaxLen > 0 {
			c.Add(validation.ValidateMaxLength(f.DTOField, s, f.MaxLen))
		}
		if len(f.Enum) > 0 {
			c.Add(validation.ValidateEnum(f.DTOField, s, f.Enum))
		}
	case KindUUID:
		s, ok := StringValue(v)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be a UUID string"})
			return
		}
		c.Add(validation.ValidateUUID(f.DTOField, s))
	case KindEpochMillis:
		n, ok := Int64Value(v)
		if !ok {
			c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be an integer millisecond timestamp"})
			return
		}
		c.Add(validation.ValidateEpochMillis(f.DTOField, n))
	case KindInt:
		if _, ok := Int64Value(v); !ok {
			c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be an integer"})
		}
	case KindBool:
		if _, ok := BoolValue(v); !ok {
			c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be a boolean"})
		}
	case KindJSON:
		switch s := v.(type) {
		case string:
			if s != "" && !json.Valid([]byte(s)) {
				c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be valid JSON"})
			}
		case map[string]any, []any, float64, bool:
			// structured JSON value, fine as-is
		default:
			c.Add(&validation.ValidationError{Field: f.DTOField, Message: "must be a JSON value"})
		}
	}
}
