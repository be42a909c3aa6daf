package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/venuekit/venued/internal/authz"
	"github.com/venuekit/venued/internal/cache"
	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/password"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/revocation"
	"github.com/venuekit/venued/internal/store"
	"github.com/venuekit/venued/internal/store/memory"
	"github.com/venuekit/venued/internal/token"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testKeyPair(t *testing.T) (signingPEM, verifyPEM string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	signingPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	verifyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	return signingPEM, verifyPEM
}

type testEnv struct {
	clock    *fakeClock
	store    *memory.Store
	issuer   *token.Issuer
	denylist revocation.Denylist
	hasher   password.Hasher
	svc      *Service

	venue   *models.Venue
	subUser *models.SubUser
}

const (
	ownerPassword   = "owner-secret"
	subUserPassword = "clerk-secret"
)

func newTestEnv(t *testing.T, tokenOpts ...token.Option) *testEnv {
	t.Helper()

	clock := &fakeClock{t: testStart}
	st := memory.NewStore()
	denylist := revocation.NewMemoryDenylist(clock.Now)
	hasher := password.NewBcrypt(4)

	signingPEM, verifyPEM := testKeyPair(t)
	opts := append([]token.Option{token.WithClock(clock.Now)}, tokenOpts...)
	issuer, err := token.NewIssuer(signingPEM, verifyPEM, denylist, opts...)
	require.NoError(t, err)

	cached := authz.NewCached(authz.NewEngine(clock.Now), cache.NewMemory(clock.Now))
	svc := NewService(st, issuer, denylist, hasher, cached, Config{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
	}, clock.Now)

	ctx := context.Background()

	ownerHash, err := hasher.Hash("owner", ownerPassword)
	require.NoError(t, err)
	venue := &models.Venue{
		VenueID:           uuid.New(),
		Name:              "The Galleon",
		OwnerPasswordHash: ownerHash,
		Active:            true,
		CreatedAt:         testStart,
		UpdatedAt:         testStart,
	}
	require.NoError(t, st.Venues().Create(ctx, venue))

	subUserHash, err := hasher.Hash("clerk", subUserPassword)
	require.NoError(t, err)
	subUser := &models.SubUser{
		SubUserID:    uuid.New(),
		VenueID:      venue.VenueID,
		Username:     "clerk",
		PasswordHash: subUserHash,
		Role:         permissions.RoleCoworker,
		Permissions:  permissions.CoworkerPermissions,
		Active:       true,
		CreatedAt:    testStart,
		UpdatedAt:    testStart,
	}
	require.NoError(t, st.SubUsers().Create(ctx, subUser))

	return &testEnv{
		clock:    clock,
		store:    st,
		issuer:   issuer,
		denylist: denylist,
		hasher:   hasher,
		svc:      svc,
		venue:    venue,
		subUser:  subUser,
	}
}

func (e *testEnv) reload(t *testing.T) *models.SubUser {
	t.Helper()
	su, err := e.store.SubUsers().Get(context.Background(), e.subUser.SubUserID)
	require.NoError(t, err)
	return su
}

func (e *testEnv) auditActions(t *testing.T, action string) []*models.AuditEntry {
	t.Helper()
	entries, err := e.store.Audit().Query(context.Background(), store.AuditQuery{
		VenueID: e.venue.VenueID,
		Action:  action,
	})
	require.NoError(t, err)
	return entries
}

func TestService_VenueLogin(t *testing.T) {
	t.Run("success mints a verifiable gateway token", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.VenueLogin(context.Background(), env.venue.VenueID, ownerPassword, RequestMeta{})
		require.NoError(t, err)

		claims, err := env.issuer.VerifyGateway(login.Token)
		require.NoError(t, err)
		require.Equal(t, env.venue.VenueID.String(), claims.VenueID)

		require.Len(t, env.auditActions(t, models.AuditVenueGatewayLogin), 1)
	})

	t.Run("wrong password is a generic failure", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.VenueLogin(context.Background(), env.venue.VenueID, "nope", RequestMeta{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown venue is the same generic failure", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.VenueLogin(context.Background(), uuid.New(), ownerPassword, RequestMeta{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestService_LoginSubUser(t *testing.T) {
	ctx := context.Background()

	t.Run("success returns the full bundle", func(t *testing.T) {
		env := newTestEnv(t)

		result, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{UserAgent: "test", IPAddress: "10.0.0.1"})
		require.NoError(t, err)
		require.NotEmpty(t, result.AccessToken)
		require.NotEmpty(t, result.RefreshToken)
		require.False(t, result.MustChangePassword)
		require.Equal(t, env.subUser.SubUserID, result.SubUser.SubUserID)
		require.True(t, result.SubUser.Active)

		principal, err := env.issuer.VerifyOperational(ctx, result.AccessToken)
		require.NoError(t, err)
		require.Equal(t, env.subUser.SubUserID, principal.SubUserID)
		require.Equal(t, permissions.CoworkerPermissions, principal.Permissions)

		sess, err := env.store.Sessions().Get(ctx, result.SessionID)
		require.NoError(t, err)
		require.True(t, sess.Active)
		require.Equal(t, "10.0.0.1", sess.IPAddress)

		reloaded := env.reload(t)
		require.NotNil(t, reloaded.LastLoginAt)
		require.Len(t, env.auditActions(t, models.AuditSubUserLogin), 1)
	})

	t.Run("username lookup is case-insensitive", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "  CLERK ", subUserPassword, RequestMeta{})
		require.NoError(t, err)
	})

	t.Run("unknown user and wrong password are indistinguishable", func(t *testing.T) {
		env := newTestEnv(t)

		_, errUnknown := env.svc.LoginSubUser(ctx, env.venue.VenueID, "ghost", subUserPassword, RequestMeta{})
		_, errWrongPw := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", "nope", RequestMeta{})
		require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
		require.ErrorIs(t, errWrongPw, ErrInvalidCredentials)
	})

	t.Run("deactivated account rejected with correct password", func(t *testing.T) {
		env := newTestEnv(t)
		su := env.reload(t)
		su.Active = false
		require.NoError(t, env.store.SubUsers().Update(ctx, su))

		_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.ErrorIs(t, err, ErrAccountInactive)
	})

	t.Run("pending password change still logs in, flagged", func(t *testing.T) {
		env := newTestEnv(t)
		su := env.reload(t)
		su.MustChangePassword = true
		require.NoError(t, env.store.SubUsers().Update(ctx, su))

		result, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		require.True(t, result.MustChangePassword)
	})

	t.Run("concurrent logins hold independent sessions", func(t *testing.T) {
		env := newTestEnv(t)

		first, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		second, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		require.NotEqual(t, first.SessionID, second.SessionID)

		active, err := env.store.Sessions().ListActiveBySubUser(ctx, env.subUser.SubUserID)
		require.NoError(t, err)
		require.Len(t, active, 2)
	})
}

func TestService_Lockout(t *testing.T) {
	ctx := context.Background()

	t.Run("five failures lock the account, window elapses, counter resets", func(t *testing.T) {
		env := newTestEnv(t)

		for i := 0; i < 5; i++ {
			_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", "wrong", RequestMeta{})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}

		locked := env.reload(t)
		require.Equal(t, 5, locked.FailedLoginCount)
		require.NotNil(t, locked.LockedOutUntil)
		require.Len(t, env.auditActions(t, models.AuditSubUserLockedOut), 1)

		// Correct password inside the window fails and leaves the counter
		// untouched.
		_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.ErrorIs(t, err, ErrAccountLocked)
		require.Equal(t, 5, env.reload(t).FailedLoginCount)

		env.clock.Advance(16 * time.Minute)

		result, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		require.NotEmpty(t, result.AccessToken)

		reset := env.reload(t)
		require.Equal(t, 0, reset.FailedLoginCount)
		require.Nil(t, reset.LockedOutUntil)
	})

	t.Run("fewer failures than the threshold never lock", func(t *testing.T) {
		env := newTestEnv(t)

		for i := 0; i < 4; i++ {
			_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", "wrong", RequestMeta{})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}
		require.Nil(t, env.reload(t).LockedOutUntil)

		_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		require.Equal(t, 0, env.reload(t).FailedLoginCount)
	})

	t.Run("lockout ends outstanding sessions", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", "wrong", RequestMeta{})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}

		sess, err := env.store.Sessions().Get(ctx, login.SessionID)
		require.NoError(t, err)
		require.False(t, sess.Active)
		require.Equal(t, models.LogoutReasonLockout, sess.LogoutReason)
	})
}

func TestService_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rotation is single-use", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		refreshed, err := env.svc.Refresh(ctx, login.RefreshToken, RequestMeta{})
		require.NoError(t, err)
		require.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)
		require.NotEqual(t, login.AccessToken, refreshed.AccessToken)
		require.Equal(t, login.SessionID, refreshed.SessionID)

		// Exactly one exchange per refresh-token value.
		_, err = env.svc.Refresh(ctx, login.RefreshToken, RequestMeta{})
		require.ErrorIs(t, err, ErrTokenInvalid)

		// The rotated token still works.
		_, err = env.svc.Refresh(ctx, refreshed.RefreshToken, RequestMeta{})
		require.NoError(t, err)
	})

	t.Run("garbage refresh token rejected", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.svc.Refresh(ctx, "not-a-refresh-token", RequestMeta{})
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("expired session rejected", func(t *testing.T) {
		env := newTestEnv(t, token.WithRefreshTTL(time.Hour))

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		env.clock.Advance(2 * time.Hour)
		_, err = env.svc.Refresh(ctx, login.RefreshToken, RequestMeta{})
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("deactivated account cannot refresh", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		su := env.reload(t)
		su.Active = false
		require.NoError(t, env.store.SubUsers().Update(ctx, su))

		_, err = env.svc.Refresh(ctx, login.RefreshToken, RequestMeta{})
		require.ErrorIs(t, err, ErrAccountInactive)
	})

	t.Run("superseded access token revoked on rotation", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		refreshed, err := env.svc.Refresh(ctx, login.RefreshToken, RequestMeta{})
		require.NoError(t, err)

		// The pre-refresh token is denylisted immediately; only the freshly
		// issued one verifies.
		_, err = env.issuer.VerifyOperational(ctx, login.AccessToken)
		require.ErrorIs(t, err, token.ErrTokenInvalid)
		_, err = env.issuer.VerifyOperational(ctx, refreshed.AccessToken)
		require.NoError(t, err)
	})

	t.Run("logout after refresh rejects every issued token", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		refreshed, err := env.svc.Refresh(ctx, login.RefreshToken, RequestMeta{})
		require.NoError(t, err)

		require.NoError(t, env.svc.Logout(ctx, env.subUser.SubUserID, RequestMeta{}))

		_, err = env.issuer.VerifyOperational(ctx, login.AccessToken)
		require.ErrorIs(t, err, token.ErrTokenInvalid)
		_, err = env.issuer.VerifyOperational(ctx, refreshed.AccessToken)
		require.ErrorIs(t, err, token.ErrTokenInvalid)
	})
}

func TestService_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("ends every session and revokes every live token id", func(t *testing.T) {
		env := newTestEnv(t)

		first, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)
		second, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		require.NoError(t, env.svc.Logout(ctx, env.subUser.SubUserID, RequestMeta{}))

		active, err := env.store.Sessions().ListActiveBySubUser(ctx, env.subUser.SubUserID)
		require.NoError(t, err)
		require.Empty(t, active)

		// The revocation is absolute: both access tokens now fail
		// verification despite valid signatures.
		_, err = env.issuer.VerifyOperational(ctx, first.AccessToken)
		require.ErrorIs(t, err, token.ErrTokenInvalid)
		_, err = env.issuer.VerifyOperational(ctx, second.AccessToken)
		require.ErrorIs(t, err, token.ErrTokenInvalid)

		require.Len(t, env.auditActions(t, models.AuditSubUserLogout), 1)
	})

	t.Run("idempotent with no active sessions", func(t *testing.T) {
		env := newTestEnv(t)

		require.NoError(t, env.svc.Logout(ctx, env.subUser.SubUserID, RequestMeta{}))
		require.Empty(t, env.auditActions(t, models.AuditSubUserLogout))
	})

	t.Run("revocation backend failure does not block logout", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		// Swap in a service whose denylist is down. The store deactivation
		// must still land and the condition is reported, not surfaced.
		cached := authz.NewCached(authz.NewEngine(env.clock.Now), cache.NewMemory(env.clock.Now))
		degradedSvc := NewService(env.store, env.issuer, downDenylist{}, env.hasher, cached, Config{}, env.clock.Now)

		require.NoError(t, degradedSvc.Logout(ctx, env.subUser.SubUserID, RequestMeta{}))

		sess, err := env.store.Sessions().Get(ctx, login.SessionID)
		require.NoError(t, err)
		require.False(t, sess.Active)

		require.Len(t, env.auditActions(t, models.AuditRevocationDegraded), 1)
	})
}

type downDenylist struct{}

func (downDenylist) Revoke(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	return errors.New("denylist unavailable")
}

func (downDenylist) IsRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	return false, errors.New("denylist unavailable")
}

func TestService_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, token.WithRefreshTTL(time.Hour))

	_, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
	require.NoError(t, err)

	removed, err := env.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	env.clock.Advance(2 * time.Hour)

	removed, err = env.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestService_TouchSession(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps activity on the owner's session", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		env.clock.Advance(10 * time.Minute)
		env.svc.TouchSession(ctx, env.subUser.SubUserID, login.SessionID)

		sess, err := env.store.Sessions().Get(ctx, login.SessionID)
		require.NoError(t, err)
		require.Equal(t, testStart.Add(10*time.Minute), sess.LastActivityAt)
	})

	t.Run("ignores another sub-user's session", func(t *testing.T) {
		env := newTestEnv(t)

		login, err := env.svc.LoginSubUser(ctx, env.venue.VenueID, "clerk", subUserPassword, RequestMeta{})
		require.NoError(t, err)

		env.clock.Advance(10 * time.Minute)
		env.svc.TouchSession(ctx, uuid.New(), login.SessionID)

		sess, err := env.store.Sessions().Get(ctx, login.SessionID)
		require.NoError(t, err)
		require.Equal(t, testStart, sess.LastActivityAt)
	})
}
