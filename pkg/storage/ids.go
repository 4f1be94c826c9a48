package storage

import "github.com/google/uuid"

// NewID returns a new time-ordered identifier (UUIDv7) suitable for any
// entity's primary key. UUIDv7 keeps insertion order roughly monotonic,
// which keeps btree indexes on id columns from fragmenting the way random
// UUIDv4 values do.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system's random source is broken, which
		// NewV4 does not protect against either; fall back rather than panic.
		return uuid.NewString()
	}
	return id.String()
}
