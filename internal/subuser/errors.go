package subuser

import (
	"errors"
	"strings"
)

// ErrCooldown reports a reset-password request inside the per-target
// cooldown window.
var ErrCooldown = errors.New("password reset recently requested")

// ErrWrongPassword reports a failed current-password check in the
// change-password flow.
var ErrWrongPassword = errors.New("current password incorrect")

// PermissionError is an authorization denial. The reason is for operators
// and the audit log; callers should treat every denial uniformly.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

// ValidationError reports a permission set that is invalid for the requested
// role.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid permissions for role: " + strings.Join(e.Problems, "; ")
}
