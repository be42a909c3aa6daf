package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/permissions"
)

// SubUser is a staff identity scoped to exactly one venue.
//
// Usernames are unique per venue, compared case-insensitively. The founder
// admin is created once at venue setup and can never be deactivated or
// deleted; its effective permissions are always the full set regardless of
// the stored bitmask.
type SubUser struct {
	SubUserID uuid.UUID // UUIDv7
	VenueID   uuid.UUID

	Username     string
	PasswordHash string // opaque, owned by the injected hashing capability

	Role        permissions.Role
	Permissions permissions.Permission

	Active         bool
	IsFounderAdmin bool

	FailedLoginCount   int
	LockedOutUntil     *time.Time
	MustChangePassword bool

	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time // soft delete; audit history keeps the row alive
}

// NormalizeUsername lowercases and trims a username for the per-venue
// uniqueness comparison.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// IsLockedOut reports whether the account is inside an active lockout window.
func (u *SubUser) IsLockedOut(now time.Time) bool {
	return u.LockedOutUntil != nil && now.Before(*u.LockedOutUntil)
}

// ResetLockout clears the failed-attempt counter and any lockout window.
// Called on the success path of login.
func (u *SubUser) ResetLockout() {
	u.FailedLoginCount = 0
	u.LockedOutUntil = nil
}
