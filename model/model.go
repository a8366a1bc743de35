package model

import (
	"time"

	"github.com/google/uuid"
)

// IsUUIDv4 reports whether s is a canonical, hyphenated version 4 UUID. Identifiers
// are never repaired: anything else is rejected.
func IsUUIDv4(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// ParseUTCTimestamp parses an ISO-8601 timestamp that must carry the Z suffix.
func ParseUTCTimestamp(s string) (time.Time, bool) {
	if len(s) == 0 || s[len(s)-1] != 'Z' {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
