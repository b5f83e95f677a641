package idgen

import "github.com/google/uuid"

// NewRunID returns a time-ordered UUIDv7 for run results, falling back to
// a random UUIDv4 if v7 generation fails.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
