// Package uuidv7 generates the time-ordered identifiers used for lease and
// notification records.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Time returns the creation time embedded in a UUIDv7 string. It reports
// false for malformed ids or other UUID versions.
func Time(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}

// Valid reports whether id is a well-formed UUIDv7 string.
func Valid(id string) bool {
	_, ok := Time(id)
	return ok
}
