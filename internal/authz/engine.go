// Package authz contains the authorization decision engine and its caching
// decorator. The engine is pure logic over a sub-user's current state; it
// performs no I/O and never depends on the cache.
package authz

import (
	"time"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
)

// Denial reasons. Returned to operators and the audit log; callers should
// treat every denial uniformly.
const (
	ReasonAccountInactive        = "account inactive"
	ReasonAccountLocked          = "account locked"
	ReasonPasswordChangeRequired = "password change required"
	ReasonMissingPermission      = "missing permission"
	ReasonRoleForbids            = "role forbids"
	ReasonRoleHierarchy          = "role hierarchy"
	ReasonVenueScope             = "target belongs to another venue"
	ReasonFounderImmutable       = "founder admin is immutable"
	ReasonSelfOperation          = "operation not permitted on own account"
	ReasonUnknownOperation       = "unknown operation"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// ManageOperation names a management action one sub-user performs on another.
type ManageOperation string

const (
	OpCreate        ManageOperation = "create"
	OpUpdate        ManageOperation = "update"
	OpDelete        ManageOperation = "delete"
	OpResetPassword ManageOperation = "reset_password"
	OpView          ManageOperation = "view"
)

// managePermission maps a management operation onto the atomic capability it
// requires.
var managePermission = map[ManageOperation]permissions.Permission{
	OpCreate:        permissions.CreateSubUsers,
	OpUpdate:        permissions.EditSubUsers,
	OpDelete:        permissions.DeleteSubUsers,
	OpResetPassword: permissions.ResetSubUserPasswords,
	OpView:          permissions.ViewSubUsers,
}

// Engine evaluates permission checks against sub-user state. The clock is
// injected so lockout windows are deterministic under test.
type Engine struct {
	now func() time.Time
}

// NewEngine constructs an Engine. A nil clock defaults to time.Now.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// CheckPermission decides whether a sub-user may exercise the required
// capability right now. The founder admin bypasses everything except the
// active and lockout checks; the coworker role ceiling is checked
// independently of the stored bitmask.
func (e *Engine) CheckPermission(subUser *models.SubUser, required permissions.Permission) Decision {
	if !subUser.Active {
		return deny(ReasonAccountInactive)
	}
	if subUser.IsLockedOut(e.now()) {
		return deny(ReasonAccountLocked)
	}
	if subUser.IsFounderAdmin {
		return allow()
	}
	if subUser.MustChangePassword {
		return deny(ReasonPasswordChangeRequired)
	}
	if !subUser.Permissions.Has(required) {
		return deny(ReasonMissingPermission)
	}
	if subUser.Role == permissions.RoleCoworker && required&permissions.CoworkerForbidden != 0 {
		return deny(ReasonRoleForbids)
	}
	return allow()
}

// CanManageSubUser decides whether manager may perform op on target.
//
// Rules, in order: the manager must hold ViewSubUsers at all; the target must
// belong to the manager's venue, with no founder exception; nobody manages a
// founder-admin target, and the founder may not delete their own account;
// destructive/non-self operations on one's own account are limited to view;
// a coworker never manages an admin; finally the operation's own capability
// is re-checked through CheckPermission.
func (e *Engine) CanManageSubUser(manager, target *models.SubUser, op ManageOperation) Decision {
	if d := e.CheckPermission(manager, permissions.ViewSubUsers); !d.Allowed {
		return d
	}

	required, ok := managePermission[op]
	if !ok {
		return deny(ReasonUnknownOperation)
	}

	if manager.VenueID != target.VenueID {
		return deny(ReasonVenueScope)
	}

	self := manager.SubUserID == target.SubUserID

	if target.IsFounderAdmin {
		if self && manager.IsFounderAdmin && op != OpDelete {
			// The founder manages their own account freely, short of deletion.
			return allow()
		}
		return deny(ReasonFounderImmutable)
	}

	if manager.IsFounderAdmin {
		return allow()
	}

	// Changing one's own password goes through the change-password flow,
	// which verifies the current password instead of manager authority.
	if self && op != OpView {
		return deny(ReasonSelfOperation)
	}

	if manager.Role == permissions.RoleCoworker && target.Role == permissions.RoleAdmin {
		return deny(ReasonRoleHierarchy)
	}

	return e.CheckPermission(manager, required)
}

// GetEffectivePermissions resolves the capability set a sub-user can exercise
// right now: everything for the founder admin, nothing while inactive, locked
// out, or pending a password change, and otherwise the stored bitmask with
// the coworker ceiling masked out.
func (e *Engine) GetEffectivePermissions(subUser *models.SubUser) permissions.Permission {
	if !subUser.Active || subUser.IsLockedOut(e.now()) {
		return permissions.None
	}
	if subUser.IsFounderAdmin {
		return permissions.All
	}
	if subUser.MustChangePassword {
		return permissions.None
	}
	effective := subUser.Permissions
	if subUser.Role == permissions.RoleCoworker {
		effective = effective.Without(permissions.CoworkerForbidden)
	}
	return effective
}
