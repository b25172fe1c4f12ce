package config

import "strings"

// Error is a configuration error: a missing or invalid setting detected
// before any I/O. It is never retried. Use [errors.As] to detect it.
type Error struct {
	// Field is the dotted config path or environment variable at fault.
	Field string

	// Reason describes what is wrong.
	Reason string
}

func (e *Error) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}

// Missing returns an [*Error] for a required field that is empty.
func Missing(field string) *Error {
	return &Error{Field: field, Reason: "is required"}
}

// Invalid returns an [*Error] for a field with an unusable value.
func Invalid(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// Mask renders a secret for display: the first four characters followed by
// asterisks, or "(not set)" when empty. Secrets of eight characters or
// fewer are fully masked.
func Mask(secret string) string {
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 8:
		return strings.Repeat("*", len(secret))
	default:
		return secret[:4] + strings.Repeat("*", len(secret)-4)
	}
}
