package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPermission_Has(t *testing.T) {
	t.Run("single capability", func(t *testing.T) {
		p := ViewBookings
		require.True(t, p.Has(ViewBookings))
		require.False(t, p.Has(ManageFinancials))
	})

	t.Run("composite requires every bit", func(t *testing.T) {
		p := ViewBookings | ViewSubUsers
		require.True(t, p.Has(ViewBookings|ViewSubUsers))
		require.False(t, p.Has(ViewBookings|ManageFinancials))
	})

	t.Run("all contains every capability", func(t *testing.T) {
		for bit := Permission(1); bit < permissionEnd; bit <<= 1 {
			require.True(t, All.Has(bit), "All should contain %s", bit)
		}
	})
}

func TestPermission_WithWithout(t *testing.T) {
	p := None.With(ViewBookings).With(ManageCustomers)
	require.True(t, p.Has(ViewBookings))
	require.True(t, p.Has(ManageCustomers))

	p = p.Without(ViewBookings)
	require.False(t, p.Has(ViewBookings))
	require.True(t, p.Has(ManageCustomers))
}

func TestPermission_EncodeDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		p := CoworkerPermissions
		decoded, err := Decode(p.Encode())
		require.NoError(t, err)
		require.Equal(t, p, decoded)
	})

	t.Run("rejects undefined capability bits", func(t *testing.T) {
		undefined := uint64(permissionEnd) << 4
		_, err := Decode(Permission(undefined).Encode())
		require.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Decode("not-a-number")
		require.Error(t, err)
	})
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Role
		wantErr bool
	}{
		{name: "admin", input: "admin", want: RoleAdmin},
		{name: "coworker", input: "coworker", want: RoleCoworker},
		{name: "mixed case", input: " Admin ", want: RoleAdmin},
		{name: "unknown", input: "owner", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := ParseRole(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, role)
		})
	}
}

func TestValidateForRole(t *testing.T) {
	t.Run("admin with full set passes clean", func(t *testing.T) {
		result := ValidateForRole(RoleAdmin, AdminPermissions)
		require.True(t, result.OK())
		require.Empty(t, result.Warnings)
	})

	t.Run("admin gaps warn but pass", func(t *testing.T) {
		result := ValidateForRole(RoleAdmin, ManageFinancials)
		require.True(t, result.OK())
		require.NotEmpty(t, result.Warnings)
	})

	t.Run("coworker with forbidden capability rejected", func(t *testing.T) {
		result := ValidateForRole(RoleCoworker, CoworkerBaseline|ProcessRefunds)
		require.False(t, result.OK())
	})

	t.Run("coworker missing baseline rejected", func(t *testing.T) {
		result := ValidateForRole(RoleCoworker, ManageCustomers)
		require.False(t, result.OK())
	})

	t.Run("coworker default set passes", func(t *testing.T) {
		result := ValidateForRole(RoleCoworker, CoworkerPermissions)
		require.True(t, result.OK())
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		result := ValidateForRole(Role("owner"), None)
		require.False(t, result.OK())
	})
}
