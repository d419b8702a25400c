package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// First returns the first accumulated error, or nil.
func (c *Collector) First() *ValidationError {
	if len(c.errors) == 0 {
		return nil
	}
	return &c.errors[0]
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateUUID returns an error if the value is not an RFC 4122 UUID string.
func ValidateUUID(field, value string) *ValidationError {
	if _, err := uuid.Parse(value); err != nil {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid UUID",
		}
	}
	return nil
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateEpochMillis returns an error if the value is not a plausible
// millisecond epoch timestamp (non-negative, below year ~5000).
func ValidateEpochMillis(field string, value int64) *ValidationError {
	const maxEpochMs = 99_999_999_999_999
	if value < 0 || value > maxEpochMs {
		return &ValidationError{
			Field:   field,
			Message: "must be a millisecond epoch timestamp",
		}
	}
	return nil
}

// ValidateOrdered returns an error if later < earlier. Used for the
// updated_at >= created_at and deleted_at >= updated_at envelope invariants.
func ValidateOrdered(field string, earlier, later int64) *ValidationError {
	if later < earlier {
		return &ValidationError{
			Field:   field,
			Message: "must not precede the timestamp it follows",
		}
	}
	return nil
}
