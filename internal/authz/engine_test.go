package authz

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
)

var (
	testNow     = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	testVenueID = uuid.New()
)

func fixedClock() time.Time { return testNow }

func testSubUser(role permissions.Role, perms permissions.Permission) *models.SubUser {
	return &models.SubUser{
		SubUserID:   uuid.New(),
		VenueID:     testVenueID,
		Username:    "clerk",
		Role:        role,
		Permissions: perms,
		Active:      true,
	}
}

func TestEngine_CheckPermission(t *testing.T) {
	engine := NewEngine(fixedClock)

	t.Run("allows held permission", func(t *testing.T) {
		su := testSubUser(permissions.RoleCoworker, permissions.CoworkerPermissions)
		d := engine.CheckPermission(su, permissions.ViewBookings)
		require.True(t, d.Allowed)
	})

	t.Run("denies missing permission", func(t *testing.T) {
		su := testSubUser(permissions.RoleCoworker, permissions.ViewVenueDetails|permissions.ViewBookings)
		d := engine.CheckPermission(su, permissions.ProcessRefunds)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonMissingPermission, d.Reason)
	})

	t.Run("coworker ceiling overrides granted bitmask", func(t *testing.T) {
		// Even a bitmask that includes a forbidden capability is ineffective.
		su := testSubUser(permissions.RoleCoworker, permissions.CoworkerBaseline|permissions.ProcessRefunds)
		d := engine.CheckPermission(su, permissions.ProcessRefunds)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonRoleForbids, d.Reason)
	})

	t.Run("admin may exercise destructive capabilities", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		d := engine.CheckPermission(su, permissions.ProcessRefunds)
		require.True(t, d.Allowed)
	})

	t.Run("inactive account denied everything", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		su.Active = false
		d := engine.CheckPermission(su, permissions.ViewVenueDetails)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonAccountInactive, d.Reason)
	})

	t.Run("locked account denied everything", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		until := testNow.Add(10 * time.Minute)
		su.LockedOutUntil = &until
		d := engine.CheckPermission(su, permissions.ViewVenueDetails)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonAccountLocked, d.Reason)
	})

	t.Run("expired lockout no longer denies", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		until := testNow.Add(-time.Minute)
		su.LockedOutUntil = &until
		d := engine.CheckPermission(su, permissions.ViewVenueDetails)
		require.True(t, d.Allowed)
	})

	t.Run("pending password change denies everything", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		su.MustChangePassword = true
		d := engine.CheckPermission(su, permissions.ViewVenueDetails)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonPasswordChangeRequired, d.Reason)
	})

	t.Run("founder admin ignores stored bitmask", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.None)
		su.IsFounderAdmin = true
		d := engine.CheckPermission(su, permissions.DeleteSubUsers)
		require.True(t, d.Allowed)
	})

	t.Run("founder admin still subject to lockout", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.None)
		su.IsFounderAdmin = true
		until := testNow.Add(10 * time.Minute)
		su.LockedOutUntil = &until
		d := engine.CheckPermission(su, permissions.ViewVenueDetails)
		require.False(t, d.Allowed)
	})
}

func TestEngine_CanManageSubUser(t *testing.T) {
	engine := NewEngine(fixedClock)

	admin := func() *models.SubUser {
		return testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
	}
	coworker := func() *models.SubUser {
		return testSubUser(permissions.RoleCoworker, permissions.CoworkerPermissions)
	}
	founder := func() *models.SubUser {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		su.IsFounderAdmin = true
		return su
	}

	t.Run("admin manages coworker", func(t *testing.T) {
		d := engine.CanManageSubUser(admin(), coworker(), OpUpdate)
		require.True(t, d.Allowed)
	})

	t.Run("nobody deletes the founder admin", func(t *testing.T) {
		d := engine.CanManageSubUser(admin(), founder(), OpDelete)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonFounderImmutable, d.Reason)
	})

	t.Run("founder cannot delete own account", func(t *testing.T) {
		f := founder()
		d := engine.CanManageSubUser(f, f, OpDelete)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonFounderImmutable, d.Reason)
	})

	t.Run("founder manages own account otherwise", func(t *testing.T) {
		f := founder()
		d := engine.CanManageSubUser(f, f, OpUpdate)
		require.True(t, d.Allowed)
	})

	t.Run("coworker never manages an admin", func(t *testing.T) {
		cw := coworker()
		cw.Permissions = cw.Permissions.With(permissions.EditSubUsers)
		d := engine.CanManageSubUser(cw, admin(), OpUpdate)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonRoleHierarchy, d.Reason)
	})

	t.Run("self operations limited to view", func(t *testing.T) {
		a := admin()
		d := engine.CanManageSubUser(a, a, OpResetPassword)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonSelfOperation, d.Reason)

		d = engine.CanManageSubUser(a, a, OpView)
		require.True(t, d.Allowed)
	})

	t.Run("manager without view capability denied outright", func(t *testing.T) {
		a := admin()
		a.Permissions = permissions.CreateSubUsers
		d := engine.CanManageSubUser(a, coworker(), OpCreate)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonMissingPermission, d.Reason)
	})

	t.Run("operation capability checked per op", func(t *testing.T) {
		a := admin()
		a.Permissions = permissions.ViewSubUsers | permissions.EditSubUsers
		require.True(t, engine.CanManageSubUser(a, coworker(), OpUpdate).Allowed)
		require.False(t, engine.CanManageSubUser(a, coworker(), OpDelete).Allowed)
	})

	t.Run("founder may manage anyone", func(t *testing.T) {
		d := engine.CanManageSubUser(founder(), admin(), OpDelete)
		require.True(t, d.Allowed)
	})

	t.Run("unknown operation denied", func(t *testing.T) {
		d := engine.CanManageSubUser(admin(), coworker(), ManageOperation("promote"))
		require.False(t, d.Allowed)
		require.Equal(t, ReasonUnknownOperation, d.Reason)
	})

	t.Run("target in another venue denied for every op", func(t *testing.T) {
		for _, op := range []ManageOperation{OpCreate, OpUpdate, OpDelete, OpResetPassword, OpView} {
			a := admin()
			target := coworker()
			target.VenueID = uuid.New()
			d := engine.CanManageSubUser(a, target, op)
			require.False(t, d.Allowed, "op %s", op)
			require.Equal(t, ReasonVenueScope, d.Reason, "op %s", op)
		}
	})

	t.Run("founder authority stops at the venue boundary", func(t *testing.T) {
		f := founder()
		target := coworker()
		target.VenueID = uuid.New()
		d := engine.CanManageSubUser(f, target, OpDelete)
		require.False(t, d.Allowed)
		require.Equal(t, ReasonVenueScope, d.Reason)
	})
}

func TestEngine_GetEffectivePermissions(t *testing.T) {
	engine := NewEngine(fixedClock)

	t.Run("founder always gets everything", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.None)
		su.IsFounderAdmin = true
		require.Equal(t, permissions.All, engine.GetEffectivePermissions(su))
	})

	t.Run("coworker ceiling masked out", func(t *testing.T) {
		su := testSubUser(permissions.RoleCoworker, permissions.CoworkerBaseline|permissions.ManageFinancials)
		effective := engine.GetEffectivePermissions(su)
		require.False(t, effective.Has(permissions.ManageFinancials))
		require.True(t, effective.Has(permissions.ViewBookings))
	})

	t.Run("inactive account has no effective permissions", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		su.Active = false
		require.Equal(t, permissions.None, engine.GetEffectivePermissions(su))
	})

	t.Run("locked account has no effective permissions", func(t *testing.T) {
		su := testSubUser(permissions.RoleAdmin, permissions.AdminPermissions)
		until := testNow.Add(time.Hour)
		su.LockedOutUntil = &until
		require.Equal(t, permissions.None, engine.GetEffectivePermissions(su))
	})
}
