package models

import (
	"time"

	"github.com/google/uuid"
)

// Venue is the tenant root. Venues are created at registration and never
// hard-deleted.
type Venue struct {
	VenueID uuid.UUID // UUIDv7
	Name    string

	// OwnerPasswordHash backs the venue-gateway login step. Opaque to this
	// package; owned by the injected hashing capability.
	OwnerPasswordHash string

	Active bool

	// RequiresSetup is true until the founder-admin sub-user has been created.
	RequiresSetup bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
