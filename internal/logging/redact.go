package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskAccountNumber keeps the last four characters of an account number.
func MaskAccountNumber(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	if len(trimmed) <= 4 {
		return RedactedValue
	}
	return strings.Repeat("*", len(trimmed)-4) + trimmed[len(trimmed)-4:]
}

// MaskField returns a slog.Attr carrying a masked account number.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskAccountNumber(value))
}
