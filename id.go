package arbor

import "github.com/google/uuid"

// NewID returns a UUIDv7 (RFC 9562). Request, task, pool item, and
// artifact identifiers all come from here; the embedded timestamp makes
// store listings sort by creation order without a separate sequence.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
