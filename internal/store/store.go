// Package store defines the durable-store interfaces the services operate
// against, with in-memory and PostgreSQL implementations in subpackages.
// The durable store is the single source of truth; the cache and the
// revocation denylist are advisory layers on top of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrVenueNotFound     = errors.New("venue not found")
	ErrSubUserNotFound   = errors.New("sub-user not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionInactive   = errors.New("session inactive")
	ErrDuplicateUsername = errors.New("username already taken in venue")
	ErrFounderExists     = errors.New("venue already has a founder admin")
	ErrRefreshReused     = errors.New("refresh token already exchanged")
)

// Store bundles the per-entity stores and provides transactional scope.
// WithinTx runs fn against a store whose writes commit atomically; services
// use it so a mutation and its audit entry never partially persist.
type Store interface {
	Venues() VenueStore
	SubUsers() SubUserStore
	Sessions() SessionStore
	Audit() AuditStore

	WithinTx(ctx context.Context, fn func(Store) error) error
}

// VenueStore persists venues. Venues are never hard-deleted.
type VenueStore interface {
	Create(ctx context.Context, venue *models.Venue) error
	Get(ctx context.Context, venueID uuid.UUID) (*models.Venue, error)
	Update(ctx context.Context, venue *models.Venue) error
}

// SubUserStore persists sub-users. Usernames are compared case-insensitively
// within a venue; deletion is a soft deactivate so audit history survives.
type SubUserStore interface {
	Create(ctx context.Context, subUser *models.SubUser) error
	Get(ctx context.Context, subUserID uuid.UUID) (*models.SubUser, error)

	// GetByUsername looks up by (venue, normalized username). Soft-deleted
	// rows are not returned.
	GetByUsername(ctx context.Context, venueID uuid.UUID, username string) (*models.SubUser, error)

	Update(ctx context.Context, subUser *models.SubUser) error
	ListByVenue(ctx context.Context, venueID uuid.UUID) ([]*models.SubUser, error)

	// HasFounder reports whether the venue already has its founder admin.
	HasFounder(ctx context.Context, venueID uuid.UUID) (bool, error)
}

// SessionStore persists sub-user sessions. Deactivation is terminal; there is
// no way to flip a session back to active through this interface.
type SessionStore interface {
	Create(ctx context.Context, session *models.SubUserSession) error
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SubUserSession, error)

	// GetByRefreshHash finds the active session holding the refresh token.
	GetByRefreshHash(ctx context.Context, refreshHash string) (*models.SubUserSession, error)

	ListActiveBySubUser(ctx context.Context, subUserID uuid.UUID) ([]*models.SubUserSession, error)

	// RotateRefresh swaps the refresh token and access-token id in one
	// compare-and-swap keyed on the old hash. Returns ErrRefreshReused when
	// the old hash no longer matches, which is how single-use rotation is
	// enforced under concurrent exchanges.
	RotateRefresh(ctx context.Context, sessionID uuid.UUID, oldHash, newHash string, newExpiresAt time.Time, newAccessTokenID uuid.UUID, now time.Time) error

	Deactivate(ctx context.Context, sessionID uuid.UUID, at time.Time, reason models.LogoutReason) error

	// DeactivateAllForSubUser deactivates every active session of the
	// sub-user and returns how many were affected. Zero is not an error.
	DeactivateAllForSubUser(ctx context.Context, subUserID uuid.UUID, at time.Time, reason models.LogoutReason) (int, error)

	TouchActivity(ctx context.Context, sessionID uuid.UUID, at time.Time) error

	// DeleteExpired removes sessions whose refresh token expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditQuery filters an audit log page. Zero values mean "no filter".
type AuditQuery struct {
	VenueID uuid.UUID
	ActorID *uuid.UUID
	Action  string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

// AuditStore is append-only; entries are never updated or deleted.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	Query(ctx context.Context, q AuditQuery) ([]*models.AuditEntry, error)
}
