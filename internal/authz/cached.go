package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/cache"
	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/telemetry"
)

const (
	// Denials expire fast so a permission grant takes effect quickly; allows
	// can live longer because revocation paths invalidate by tag anyway.
	defaultAllowTTL      = 5 * time.Minute
	defaultDenyTTL       = 30 * time.Second
	defaultValidationTTL = time.Hour
)

// Cached wraps an Engine with a read-through decision cache. Cache failures
// are absorbed: the engine is authoritative and every error path falls back
// to a direct evaluation.
type Cached struct {
	engine *Engine
	cache  cache.Cache

	allowTTL      time.Duration
	denyTTL       time.Duration
	validationTTL time.Duration
}

// CachedOption configures a Cached decorator.
type CachedOption func(*Cached)

// WithAllowTTL overrides how long allow decisions are cached.
func WithAllowTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.allowTTL = ttl }
}

// WithDenyTTL overrides how long deny decisions are cached.
func WithDenyTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.denyTTL = ttl }
}

// WithValidationTTL overrides how long role validation results are cached.
func WithValidationTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.validationTTL = ttl }
}

// NewCached constructs the caching decorator over engine.
func NewCached(engine *Engine, c cache.Cache, opts ...CachedOption) *Cached {
	cached := &Cached{
		engine:        engine,
		cache:         c,
		allowTTL:      defaultAllowTTL,
		denyTTL:       defaultDenyTTL,
		validationTTL: defaultValidationTTL,
	}
	for _, opt := range opts {
		opt(cached)
	}
	return cached
}

// Engine returns the wrapped engine for callers that need an uncached check.
func (c *Cached) Engine() *Engine {
	return c.engine
}

func decisionKey(subUserID uuid.UUID, required permissions.Permission) string {
	return fmt.Sprintf("authz:decision:%s:%s", subUserID, required.Encode())
}

func validationKey(role permissions.Role, perms permissions.Permission) string {
	return fmt.Sprintf("authz:validation:%s:%s", role, perms.Encode())
}

func subjectTag(subUserID uuid.UUID) string {
	return "subject:" + subUserID.String()
}

func venueTag(venueID uuid.UUID) string {
	return "venue:" + venueID.String()
}

// CheckPermission answers from the cache when possible and falls through to
// the engine otherwise. Decisions are tagged with the subject and venue so
// state changes can invalidate them before the TTL runs out.
func (c *Cached) CheckPermission(ctx context.Context, subUser *models.SubUser, required permissions.Permission) Decision {
	metrics := telemetry.GetMetrics()
	key := decisionKey(subUser.SubUserID, required)

	var decision Decision
	err := c.cache.Get(ctx, key, &decision)
	if err == nil {
		metrics.AuthzCacheHitsTotal.Add(ctx, 1)
		return decision
	}
	if !errors.Is(err, cache.ErrMiss) {
		metrics.AuthzCacheErrorsTotal.Add(ctx, 1)
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("authz cache read failed, evaluating directly")
		return c.engine.CheckPermission(subUser, required)
	}
	metrics.AuthzCacheMissesTotal.Add(ctx, 1)

	decision = c.engine.CheckPermission(subUser, required)

	ttl := c.denyTTL
	if decision.Allowed {
		ttl = c.allowTTL
	}
	if err := c.cache.Set(ctx, key, decision, ttl); err != nil {
		metrics.AuthzCacheErrorsTotal.Add(ctx, 1)
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("authz cache write failed")
		return decision
	}
	if err := c.cache.Tag(ctx, key, subjectTag(subUser.SubUserID), venueTag(subUser.VenueID)); err != nil {
		metrics.AuthzCacheErrorsTotal.Add(ctx, 1)
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("authz cache tag failed")
	}
	return decision
}

// CanManageSubUser is never cached. It depends on two subjects at once, and
// the underlying evaluation is pure computation.
func (c *Cached) CanManageSubUser(manager, target *models.SubUser, op ManageOperation) Decision {
	return c.engine.CanManageSubUser(manager, target, op)
}

// GetEffectivePermissions delegates to the engine. The result is recomputed
// per call because it already folds in lockout state, which is time-sensitive.
func (c *Cached) GetEffectivePermissions(subUser *models.SubUser) permissions.Permission {
	return c.engine.GetEffectivePermissions(subUser)
}

// ValidateForRole caches role validation results long-term. The mapping from
// (role, bitmask) to warnings and errors is immutable for a given build, so
// the TTL exists only to bound memory.
func (c *Cached) ValidateForRole(ctx context.Context, role permissions.Role, perms permissions.Permission) permissions.ValidationResult {
	key := validationKey(role, perms)

	var result permissions.ValidationResult
	if err := c.cache.Get(ctx, key, &result); err == nil {
		return result
	}

	result = permissions.ValidateForRole(role, perms)
	if err := c.cache.Set(ctx, key, result, c.validationTTL); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("authz cache write failed")
	}
	return result
}

// InvalidateSubject drops every cached decision for one sub-user. Called
// whenever the sub-user's permissions, role, or account status change.
func (c *Cached) InvalidateSubject(ctx context.Context, subUserID uuid.UUID) error {
	return c.cache.RemoveByTag(ctx, subjectTag(subUserID))
}

// InvalidateVenue drops every cached decision for a venue's sub-users.
func (c *Cached) InvalidateVenue(ctx context.Context, venueID uuid.UUID) error {
	return c.cache.RemoveByTag(ctx, venueTag(venueID))
}
