package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
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

// Summary joins the accumulated errors into a single reason string.
func (c *Collector) Summary() string {
	return Summarize(c.errors)
}

// Summarize joins validation errors into a single reason string.
func Summarize(errs []ValidationError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Field+" "+e.Message)
	}
	return strings.Join(parts, "; ")
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

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
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

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateIdentifier returns an error unless the value is a printable row id:
// non-empty, at most 64 runes, no whitespace or control characters. Row ids
// are client-generated, so the format is deliberately loose.
func ValidateIdentifier(field, value string) *ValidationError {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if utf8.RuneCountInString(value) > 64 {
		return &ValidationError{Field: field, Message: "exceeds maximum length of 64 characters"}
	}
	for _, r := range value {
		if r < 0x21 || r == 0x7f {
			return &ValidationError{Field: field, Message: "must not contain whitespace or control characters"}
		}
	}
	return nil
}

// ValidateCode returns an error unless the value is a short machine code:
// lowercase letters, digits and underscores, starting with a letter.
func ValidateCode(field, value string) *ValidationError {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(value) > 64 {
		return &ValidationError{Field: field, Message: "exceeds maximum length of 64 characters"}
	}
	for i, r := range value {
		lower := r >= 'a' && r <= 'z'
		digit := r >= '0' && r <= '9'
		if i == 0 && !lower {
			return &ValidationError{Field: field, Message: "must start with a lowercase letter"}
		}
		if !lower && !digit && r != '_' {
			return &ValidationError{Field: field, Message: "must contain only lowercase letters, digits and underscores"}
		}
	}
	return nil
}

// ValidateJSONText returns an error unless the value parses as JSON.
func ValidateJSONText(field, value string) *ValidationError {
	if !json.Valid([]byte(value)) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid JSON",
		}
	}
	return nil
}

// ValidateTimestampMs returns an error if the value is not a plausible
// millisecond epoch timestamp (non-negative, below year ~5000).
func ValidateTimestampMs(field string, value int64) *ValidationError {
	const maxMs = 100_000_000_000_000
	if value < 0 || value > maxMs {
		return &ValidationError{
			Field:   field,
			Message: "must be a millisecond epoch timestamp",
		}
	}
	return nil
}
