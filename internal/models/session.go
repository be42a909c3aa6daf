package models

import (
	"time"

	"github.com/google/uuid"
)

// LogoutReason records why a session was deactivated.
type LogoutReason string

const (
	LogoutReasonUser          LogoutReason = "user_logout"
	LogoutReasonForced        LogoutReason = "forced"
	LogoutReasonPasswordReset LogoutReason = "password_reset"
	LogoutReasonLockout       LogoutReason = "lockout"
)

// SubUserSession is one outstanding login for a sub-user. A sub-user may hold
// multiple concurrent active sessions (multi-device). Once Active is false the
// session is terminal and must never be revived.
type SubUserSession struct {
	SessionID uuid.UUID // UUIDv7
	SubUserID uuid.UUID
	VenueID   uuid.UUID // denormalized for fast claims and audit writes

	// RefreshTokenHash is the SHA-256 of the opaque refresh-token secret.
	// The plaintext value is returned to the caller once and never stored.
	RefreshTokenHash string
	RefreshExpiresAt time.Time

	// AccessTokenID is the jti embedded in the currently valid operational
	// token, replaced on every refresh.
	AccessTokenID *uuid.UUID

	UserAgent string
	IPAddress string

	Active         bool
	LastActivityAt time.Time
	CreatedAt      time.Time

	LoggedOutAt  *time.Time
	LogoutReason LogoutReason
}

// IsExpired reports whether the session's refresh token has expired.
func (s *SubUserSession) IsExpired(now time.Time) bool {
	return now.After(s.RefreshExpiresAt)
}
