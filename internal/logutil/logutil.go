package logutil

import "strings"

// SanitizeForLog strips newlines and control characters from user-provided
// strings before they are interpolated into log lines, so a hostile value
// cannot forge additional log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to at most n bytes, appending a marker when data was
// dropped. Used for output captures stored in audit records.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}
