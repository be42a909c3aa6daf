// Package revocation holds the TTL-keyed denylist of revoked token
// identifiers. Signed bearer tokens are stateless, so the denylist is the
// only way to invalidate one before its expiry: if a token id is present and
// unexpired here, the token is invalid regardless of its signature.
package revocation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Denylist is the revocation store port. Entries may be silently dropped once
// their expiry passes.
type Denylist interface {
	// Revoke marks a token id invalid until expiresAt.
	Revoke(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error

	// IsRevoked reports whether the token id is currently revoked.
	IsRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error)
}
