package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/revocation"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

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

func testIssuer(t *testing.T, denylist revocation.Denylist, opts ...Option) *Issuer {
	t.Helper()

	signingPEM, verifyPEM := testKeyPair(t)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	issuer, err := NewIssuer(signingPEM, verifyPEM, denylist, opts...)
	require.NoError(t, err)
	return issuer
}

func testSubUser() *models.SubUser {
	return &models.SubUser{
		SubUserID:   uuid.New(),
		VenueID:     uuid.New(),
		Username:    "clerk",
		Role:        permissions.RoleCoworker,
		Permissions: permissions.CoworkerPermissions,
		Active:      true,
	}
}

func TestIssuer_GatewayRoundTrip(t *testing.T) {
	issuer := testIssuer(t, revocation.NewMemoryDenylist(func() time.Time { return testNow }))

	ownerID := uuid.New()
	venueID := uuid.New()

	signed, expiresAt, err := issuer.IssueGatewayToken(ownerID, venueID)
	require.NoError(t, err)
	require.Equal(t, testNow.Add(24*time.Hour), expiresAt)

	claims, err := issuer.VerifyGateway(signed)
	require.NoError(t, err)
	require.Equal(t, venueID.String(), claims.VenueID)
	require.Equal(t, ownerID.String(), claims.Subject)
	require.Equal(t, TypeGateway, claims.Type)
	require.NotEmpty(t, claims.ID)
}

func TestIssuer_OperationalRoundTrip(t *testing.T) {
	denylist := revocation.NewMemoryDenylist(func() time.Time { return testNow })
	issuer := testIssuer(t, denylist)
	su := testSubUser()

	operational, err := issuer.IssueOperationalToken(su)
	require.NoError(t, err)
	require.Equal(t, testNow.Add(4*time.Hour), operational.ExpiresAt)
	require.NotEqual(t, uuid.Nil, operational.TokenID)

	principal, err := issuer.VerifyOperational(context.Background(), operational.Token)
	require.NoError(t, err)
	require.Equal(t, su.SubUserID, principal.SubUserID)
	require.Equal(t, su.VenueID, principal.VenueID)
	require.Equal(t, operational.TokenID, principal.TokenID)
	require.Equal(t, su.Role, principal.Role)
	require.Equal(t, su.Permissions, principal.Permissions)
}

func TestIssuer_TokenTypeConfusion(t *testing.T) {
	issuer := testIssuer(t, revocation.NewMemoryDenylist(func() time.Time { return testNow }))
	su := testSubUser()

	gateway, _, err := issuer.IssueGatewayToken(uuid.New(), su.VenueID)
	require.NoError(t, err)
	operational, err := issuer.IssueOperationalToken(su)
	require.NoError(t, err)

	_, err = issuer.VerifyOperational(context.Background(), gateway)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = issuer.VerifyGateway(operational.Token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssuer_Expiry(t *testing.T) {
	now := testNow
	clock := func() time.Time { return now }

	signingPEM, verifyPEM := testKeyPair(t)
	issuer, err := NewIssuer(signingPEM, verifyPEM, revocation.NewMemoryDenylist(clock), WithClock(clock))
	require.NoError(t, err)

	operational, err := issuer.IssueOperationalToken(testSubUser())
	require.NoError(t, err)

	now = testNow.Add(3 * time.Hour)
	_, err = issuer.VerifyOperational(context.Background(), operational.Token)
	require.NoError(t, err)

	now = testNow.Add(5 * time.Hour)
	_, err = issuer.VerifyOperational(context.Background(), operational.Token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssuer_RevokedTokenRejected(t *testing.T) {
	denylist := revocation.NewMemoryDenylist(func() time.Time { return testNow })
	issuer := testIssuer(t, denylist)

	operational, err := issuer.IssueOperationalToken(testSubUser())
	require.NoError(t, err)

	// Valid before revocation, rejected after, regardless of signature.
	_, err = issuer.VerifyOperational(context.Background(), operational.Token)
	require.NoError(t, err)

	require.NoError(t, denylist.Revoke(context.Background(), operational.TokenID, operational.ExpiresAt))

	_, err = issuer.VerifyOperational(context.Background(), operational.Token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

// unreachableDenylist simulates a down revocation backend.
type unreachableDenylist struct{}

func (unreachableDenylist) Revoke(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	return errors.New("denylist unavailable")
}

func (unreachableDenylist) IsRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	return false, errors.New("denylist unavailable")
}

func TestIssuer_DenylistFailureFailsOpen(t *testing.T) {
	issuer := testIssuer(t, unreachableDenylist{})

	operational, err := issuer.IssueOperationalToken(testSubUser())
	require.NoError(t, err)

	// The token's own expiry still bounds exposure; a denylist read failure
	// must not take authorization down with it.
	_, err = issuer.VerifyOperational(context.Background(), operational.Token)
	require.NoError(t, err)
}

func TestIssuer_TamperedTokenRejected(t *testing.T) {
	issuer := testIssuer(t, revocation.NewMemoryDenylist(func() time.Time { return testNow }))

	operational, err := issuer.IssueOperationalToken(testSubUser())
	require.NoError(t, err)

	tampered := operational.Token[:len(operational.Token)-4] + "AAAA"
	_, err = issuer.VerifyOperational(context.Background(), tampered)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssuer_ForeignKeyRejected(t *testing.T) {
	issuerA := testIssuer(t, revocation.NewMemoryDenylist(func() time.Time { return testNow }))
	issuerB := testIssuer(t, revocation.NewMemoryDenylist(func() time.Time { return testNow }))

	operational, err := issuerA.IssueOperationalToken(testSubUser())
	require.NoError(t, err)

	_, err = issuerB.VerifyOperational(context.Background(), operational.Token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewRefreshToken(t *testing.T) {
	first, err := NewRefreshToken()
	require.NoError(t, err)
	require.NotEmpty(t, first.Plaintext)
	require.Equal(t, HashRefreshToken(first.Plaintext), first.Hash)

	second, err := NewRefreshToken()
	require.NoError(t, err)
	require.NotEqual(t, first.Plaintext, second.Plaintext)
	require.NotEqual(t, first.Hash, second.Hash)
}
