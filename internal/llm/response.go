package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseError reports that a model response could not be decoded as the
// requested JSON. It is an expected outcome, not a fault: callers match it
// and apply their documented fallback.
type ParseError struct {
	Raw string
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model response: %v", e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// DecodeJSON strips Markdown code fences from a model response and
// unmarshals the remainder into v. Decode failures come back as *ParseError.
func DecodeJSON(raw string, v any) error {
	cleaned := StripCodeFences(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return &ParseError{Raw: raw, Err: err}
	}
	return nil
}

// StripCodeFences removes a wrapping triple-backtick block, optionally
// tagged "json", that models add despite being told not to.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
