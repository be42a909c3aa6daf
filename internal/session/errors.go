package session

import "errors"

// Externally visible login failures. Authentication failures stay coarse on
// purpose: callers never learn whether the username or the password was wrong.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountInactive    = errors.New("account deactivated")
	ErrTokenInvalid       = errors.New("token invalid")
)
