package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a worker record identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewRunID generates a random UUID for runs submitted without an identifier.
func NewRunID() string {
	return uuid.NewString()
}

// ValidRunID reports whether s can be used as a run identifier. Caller-supplied
// ids are opaque but must be non-empty and free of whitespace and path
// separators so they are safe in URLs, subjects and object keys.
func ValidRunID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n/\\")
}
