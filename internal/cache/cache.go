// Package cache defines the generic cache port used by the authorization
// layer, with redis and in-memory implementations. Callers treat the cache
// as a best-effort accelerant: every error is absorbable and never a reason
// to fail a request.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the narrow port consumed by the authorization decorator. Values
// are JSON-serializable. Tags group keys for bulk invalidation.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Tag associates key with the given tags. RemoveByTag drops every key
	// carrying the tag.
	Tag(ctx context.Context, key string, tags ...string) error
	RemoveByTag(ctx context.Context, tag string) error

	// RemoveByPattern drops keys matching a glob-style pattern.
	RemoveByPattern(ctx context.Context, pattern string) error
}
