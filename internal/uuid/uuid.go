// Package uuid wraps github.com/google/uuid behind the tiny surface the
// rest of the codebase actually uses.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID as a string.
func New() string {
	return uuid.NewString()
}

// Validate reports whether s parses as a UUID.
func Validate(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
