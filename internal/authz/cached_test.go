package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuekit/venued/internal/cache"
	"github.com/venuekit/venued/internal/permissions"
)

// brokenCache fails every operation, standing in for an unreachable backend.
type brokenCache struct{}

var errCacheDown = errors.New("cache backend down")

func (brokenCache) Get(ctx context.Context, key string, dest any) error { return errCacheDown }
func (brokenCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return errCacheDown
}
func (brokenCache) Tag(ctx context.Context, key string, tags ...string) error { return errCacheDown }
func (brokenCache) RemoveByTag(ctx context.Context, tag string) error         { return errCacheDown }
func (brokenCache) RemoveByPattern(ctx context.Context, pattern string) error { return errCacheDown }

func TestCached_CheckPermission(t *testing.T) {
	ctx := context.Background()

	t.Run("serves cached decision until invalidated", func(t *testing.T) {
		engine := NewEngine(fixedClock)
		cached := NewCached(engine, cache.NewMemory(fixedClock))

		su := testSubUser(permissions.RoleCoworker, permissions.CoworkerPermissions)
		require.True(t, cached.CheckPermission(ctx, su, permissions.ViewBookings).Allowed)

		// The mutation is not yet visible: the cached allow is served within
		// its TTL. Bounded staleness, resolved by invalidation below.
		su.Active = false
		require.True(t, cached.CheckPermission(ctx, su, permissions.ViewBookings).Allowed)

		require.NoError(t, cached.InvalidateSubject(ctx, su.SubUserID))
		d := cached.CheckPermission(ctx, su, permissions.ViewBookings)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonAccountInactive, d.Reason)
	})

	t.Run("venue invalidation drops subject decisions too", func(t *testing.T) {
		engine := NewEngine(fixedClock)
		cached := NewCached(engine, cache.NewMemory(fixedClock))

		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		require.True(t, cached.CheckPermission(ctx, su, permissions.ViewReports).Allowed)

		su.Active = false
		require.NoError(t, cached.InvalidateVenue(ctx, su.VenueID))
		require.False(t, cached.CheckPermission(ctx, su, permissions.ViewReports).Allowed)
	})

	t.Run("deny decisions expire before allow decisions", func(t *testing.T) {
		now := testNow
		clock := func() time.Time { return now }
		engine := NewEngine(clock)
		cached := NewCached(engine, cache.NewMemory(clock),
			WithAllowTTL(5*time.Minute),
			WithDenyTTL(30*time.Second),
		)

		su := testSubUser(permissions.RoleCoworker, permissions.CoworkerBaseline)
		require.False(t, cached.CheckPermission(ctx, su, permissions.ManageCustomers).Allowed)

		// The grant lands; once the short deny TTL passes the decision is
		// recomputed.
		su.Permissions = su.Permissions.With(permissions.ManageCustomers)
		now = now.Add(time.Minute)
		require.True(t, cached.CheckPermission(ctx, su, permissions.ManageCustomers).Allowed)
	})

	t.Run("falls back to engine when cache is down", func(t *testing.T) {
		engine := NewEngine(fixedClock)
		cached := NewCached(engine, brokenCache{})

		su := testSubUser(permissions.RoleCoworker, permissions.CoworkerPermissions)
		require.True(t, cached.CheckPermission(ctx, su, permissions.ViewBookings).Allowed)
		require.False(t, cached.CheckPermission(ctx, su, permissions.ManageFinancials).Allowed)
	})
}

func TestCached_ValidateForRole(t *testing.T) {
	ctx := context.Background()
	cached := NewCached(NewEngine(fixedClock), cache.NewMemory(fixedClock))

	first := cached.ValidateForRole(ctx, permissions.RoleCoworker, permissions.CoworkerPermissions)
	require.True(t, first.OK())

	// Second call is served from cache and must agree.
	second := cached.ValidateForRole(ctx, permissions.RoleCoworker, permissions.CoworkerPermissions)
	require.Equal(t, first, second)

	rejected := cached.ValidateForRole(ctx, permissions.RoleCoworker, permissions.ProcessRefunds)
	require.False(t, rejected.OK())
}

func TestCached_DelegatesUncachedPaths(t *testing.T) {
	cached := NewCached(NewEngine(fixedClock), cache.NewMemory(fixedClock))

	manager := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
	target := testSubUser(permissions.RoleCoworker, permissions.CoworkerPermissions)

	require.True(t, cached.CanManageSubUser(manager, target, OpUpdate).Allowed)
	require.Equal(t, permissions.AdminPermissions, cached.GetEffectivePermissions(manager))
}
