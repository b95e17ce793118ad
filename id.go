package cascade

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for workflow and run identifiers.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
