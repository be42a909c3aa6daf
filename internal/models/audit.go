package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit action vocabulary. The set is closed; services use these constants
// rather than free-form strings so the log stays queryable.
const (
	AuditSubUserLogin          = "subuser.login"
	AuditSubUserLoginFailed    = "subuser.login_failed"
	AuditSubUserLockedOut      = "subuser.locked_out"
	AuditSubUserLogout         = "subuser.logout"
	AuditSubUserLogoutAll      = "subuser.logout_all"
	AuditSubUserTokenRefreshed = "subuser.token_refreshed"
	AuditSubUserCreated        = "subuser.created"
	AuditSubUserUpdated        = "subuser.updated"
	AuditSubUserDeactivated    = "subuser.deactivated"
	AuditSubUserPasswordChange = "subuser.password_changed"
	AuditSubUserPasswordReset  = "subuser.password_reset"
	AuditVenueGatewayLogin     = "venue.gateway_login"
	AuditFounderAdminCreated   = "venue.founder_admin_created"
	AuditRevocationDegraded    = "security.revocation_degraded"
)

// AuditEntry is one append-only record of a privileged action. Entries are
// never updated or deleted after creation.
type AuditEntry struct {
	EntryID uuid.UUID // UUIDv7
	VenueID uuid.UUID

	// ActorID is the acting sub-user; nil for system actions.
	ActorID *uuid.UUID

	Action     string
	TargetType string
	TargetID   *uuid.UUID

	// Before and After hold JSON snapshots of the mutated entity where the
	// action is a mutation; nil otherwise.
	Before []byte
	After  []byte

	IPAddress string
	UserAgent string

	// Extra carries free-form structured context, serialized as JSON.
	Extra []byte

	CreatedAt time.Time
}
