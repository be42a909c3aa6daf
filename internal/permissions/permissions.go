// Package permissions defines the fixed capability set granted to venue
// sub-users. Capabilities are bit positions in a Permission bitmask and are
// combined with bitwise OR. Roles are advisory labels layered on top; the
// role ceiling for coworkers is enforced in the authorization engine.
package permissions

import (
	"fmt"
	"strconv"
	"strings"
)

// Permission is a set of capabilities packed into a bitmask.
type Permission uint64

const (
	ViewVenueDetails Permission = 1 << iota
	EditVenueDetails
	ManagePricing
	ManageWorkingHours
	ViewSubUsers
	CreateSubUsers
	EditSubUsers
	DeleteSubUsers
	ResetSubUserPasswords
	ViewBookings
	ManageCustomers
	ManageFinancials
	ProcessRefunds
	ViewReports

	permissionEnd
)

// None is the empty permission set.
const None Permission = 0

// All is the union of every defined capability.
const All = permissionEnd - 1

// AdminPermissions is the full set granted to admins at creation. It excludes
// nothing; founder-admin special casing happens in the engine, not here.
const AdminPermissions = All

// CoworkerPermissions is the default restricted set for coworkers. It excludes
// destructive and financial capabilities.
const CoworkerPermissions = ViewVenueDetails |
	ManageWorkingHours |
	ViewSubUsers |
	ViewBookings |
	ManageCustomers |
	ViewReports

// CoworkerForbidden lists capabilities a coworker can never exercise,
// regardless of the stored bitmask. Checked independently of the bitmask by
// the engine.
const CoworkerForbidden = DeleteSubUsers | ManageFinancials | ProcessRefunds

// CoworkerBaseline are the view capabilities every coworker assignment must
// include for the account to be usable.
const CoworkerBaseline = ViewVenueDetails | ViewBookings

// RecommendedAdmin are capabilities an admin assignment is expected to carry.
// Their absence is advisory only.
const RecommendedAdmin = ViewVenueDetails | ViewSubUsers | ViewBookings

var names = map[Permission]string{
	ViewVenueDetails:      "venue:view",
	EditVenueDetails:      "venue:edit",
	ManagePricing:         "pricing:manage",
	ManageWorkingHours:    "hours:manage",
	ViewSubUsers:          "subusers:view",
	CreateSubUsers:        "subusers:create",
	EditSubUsers:          "subusers:edit",
	DeleteSubUsers:        "subusers:delete",
	ResetSubUserPasswords: "subusers:reset-password",
	ViewBookings:          "bookings:view",
	ManageCustomers:       "customers:manage",
	ManageFinancials:      "financials:manage",
	ProcessRefunds:        "refunds:process",
	ViewReports:           "reports:view",
}

// Has reports whether p contains every bit of required.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// With returns p with the given capabilities added.
func (p Permission) With(grant Permission) Permission {
	return p | grant
}

// Without returns p with the given capabilities removed.
func (p Permission) Without(revoke Permission) Permission {
	return p &^ revoke
}

// String renders a single capability name, or a comma-joined list for a
// composite set.
func (p Permission) String() string {
	if p == None {
		return "none"
	}
	if name, ok := names[p]; ok {
		return name
	}
	var parts []string
	for bit := Permission(1); bit < permissionEnd; bit <<= 1 {
		if p.Has(bit) {
			parts = append(parts, names[bit])
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("unknown(%d)", uint64(p))
	}
	return strings.Join(parts, ",")
}

// Encode serializes the bitmask for embedding in token claims.
func (p Permission) Encode() string {
	return strconv.FormatUint(uint64(p), 10)
}

// Decode parses a bitmask previously produced by Encode. Unknown high bits
// are rejected so a token minted against a newer capability set cannot smuggle
// undefined capabilities into an older verifier.
func Decode(s string) (Permission, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return None, fmt.Errorf("decode permissions %q: %w", s, err)
	}
	p := Permission(v)
	if p&^All != 0 {
		return None, fmt.Errorf("decode permissions %q: undefined capability bits", s)
	}
	return p, nil
}

// Role is the coarse label attached to a sub-user. Actual authority is the
// bitmask, additionally constrained by the role ceiling.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCoworker Role = "coworker"
)

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleCoworker
}

// ParseRole parses a role label as found in token claims or requests.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleCoworker:
		return RoleCoworker, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ValidationResult reports the outcome of an assignment-time permission check.
// Warnings flag advisory gaps; a non-empty Errors slice means the assignment
// must be rejected.
type ValidationResult struct {
	Warnings []string
	Errors   []string
}

// OK reports whether the assignment is acceptable.
func (v ValidationResult) OK() bool {
	return len(v.Errors) == 0
}

// ValidateForRole checks a proposed permission assignment against a role.
// Admin gaps produce warnings only. A coworker assignment carrying a forbidden
// capability or missing the baseline view capabilities is rejected.
func ValidateForRole(role Role, perms Permission) ValidationResult {
	var result ValidationResult
	switch role {
	case RoleAdmin:
		if missing := RecommendedAdmin &^ perms; missing != 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("admin assignment missing recommended capabilities: %s", missing))
		}
	case RoleCoworker:
		if forbidden := perms & CoworkerForbidden; forbidden != 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("coworker assignment includes forbidden capabilities: %s", forbidden))
		}
		if missing := CoworkerBaseline &^ perms; missing != 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("coworker assignment missing baseline capabilities: %s", missing))
		}
	default:
		result.Errors = append(result.Errors, fmt.Sprintf("unknown role %q", role))
	}
	return result
}
