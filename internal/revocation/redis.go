package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisDenylist implements Denylist on redis. Each revoked token id becomes a
// key with a TTL matching the token's remaining lifetime, so redis expires
// entries exactly when they stop mattering.
type RedisDenylist struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisDenylist creates a redis-backed denylist. A nil clock defaults to
// time.Now.
func NewRedisDenylist(client *redis.Client, prefix string, now func() time.Time) *RedisDenylist {
	if now == nil {
		now = time.Now
	}
	return &RedisDenylist{client: client, prefix: prefix, now: now}
}

func (d *RedisDenylist) key(tokenID uuid.UUID) string {
	return d.prefix + ":revoked:" + tokenID.String()
}

// Revoke writes the token id with a TTL running to expiresAt. Already-expired
// tokens are a no-op.
func (d *RedisDenylist) Revoke(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	ttl := expiresAt.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, d.key(tokenID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	log.Debug().Str("token_id", tokenID.String()).Time("expires_at", expiresAt).Msg("Revoked token")
	return nil
}

// IsRevoked checks for an unexpired denylist entry.
func (d *RedisDenylist) IsRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation %s: %w", tokenID, err)
	}
	return n > 0, nil
}
