package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDenylist implements Denylist with an in-process map. This
// implementation is for testing only - data is lost on restart.
type MemoryDenylist struct {
	mu      sync.RWMutex
	revoked map[uuid.UUID]time.Time // token_id -> expires_at

	now func() time.Time
}

// NewMemoryDenylist creates an in-memory denylist. A nil clock defaults to
// time.Now.
func NewMemoryDenylist(now func() time.Time) *MemoryDenylist {
	if now == nil {
		now = time.Now
	}
	return &MemoryDenylist{
		revoked: make(map[uuid.UUID]time.Time),
		now:     now,
	}
}

func (d *MemoryDenylist) Revoke(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	if !expiresAt.After(d.now()) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked[tokenID] = expiresAt
	return nil
}

func (d *MemoryDenylist) IsRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	d.mu.RLock()
	expiresAt, ok := d.revoked[tokenID]
	d.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if d.now().After(expiresAt) {
		// Expired entries may be dropped.
		d.mu.Lock()
		delete(d.revoked, tokenID)
		d.mu.Unlock()
		return false, nil
	}
	return true, nil
}
