package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// IsID reports whether s is a well-formed job identifier. Artifact directories
// are named after job IDs, so anything else under the temp root is foreign.
func IsID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
