// Package util provides small helpers shared by the storage and upload code.
package util

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// SanitizeFilename replaces every rune that is unsafe in a file name with
// an underscore and collapses the result to a single line.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '.' || r == '_':
			return r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return r
		default:
			return '_'
		}
	}, s)
}

// RecordingName builds "<location>_<yyyymmdd_hhmmss>_<id8>" for a session.
func RecordingName(location string, start time.Time, sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s", SanitizeFilename(location), start.UTC().Format("20060102_150405"), id)
}

// HexAddr formats a remote address the way logs and exports show it.
func HexAddr(addr uint64) string {
	return fmt.Sprintf("0x%X", addr)
}
