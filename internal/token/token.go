// Package token mints and verifies the two signed bearer credentials used by
// the venue authorization subsystem: the coarse venue-gateway token and the
// fine-grained operational token. Verification of an operational token also
// consults the revocation denylist, so a logged-out token is rejected even
// while its signature is still valid.
package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/revocation"
)

// Token type claim values.
const (
	TypeGateway     = "venue-gateway"
	TypeOperational = "venue-operational"
)

const (
	defaultGatewayTTL     = 24 * time.Hour
	defaultOperationalTTL = 4 * time.Hour
	defaultRefreshTTL     = 30 * 24 * time.Hour
)

// ErrTokenInvalid covers every externally visible verification failure: bad
// signature, expired, wrong type, revoked. Collapsed into one outcome so the
// failure mode cannot be used as an oracle.
var ErrTokenInvalid = errors.New("token invalid")

// GatewayClaims are the claims carried by a venue-gateway token. It proves
// venue ownership and authorizes only the subsequent sub-user login step.
type GatewayClaims struct {
	VenueID string `json:"venueId"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

// OperationalClaims are the claims carried by an operational token. The
// permission bitmask is embedded (string-encoded) so request-path checks need
// no store round trip; administrative permission changes force-revoke
// outstanding tokens instead.
type OperationalClaims struct {
	VenueID     string `json:"venueId"`
	Role        string `json:"subUserRole"`
	Permissions string `json:"permissions"`
	Type        string `json:"type"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with an ES256 key pair.
type Issuer struct {
	signingKey *ecdsa.PrivateKey
	verifyKey  *ecdsa.PublicKey
	denylist   revocation.Denylist

	issuer         string
	gatewayTTL     time.Duration
	operationalTTL time.Duration
	refreshTTL     time.Duration
	now            func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) Option {
	return func(i *Issuer) { i.issuer = name }
}

// WithGatewayTTL overrides the gateway token lifetime.
func WithGatewayTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.gatewayTTL = ttl
		}
	}
}

// WithOperationalTTL overrides the operational token lifetime.
func WithOperationalTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.operationalTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer constructs an Issuer from PEM-encoded ES256 keys. The denylist is
// consulted on every operational-token verification.
func NewIssuer(signingKeyPEM, verifyKeyPEM string, denylist revocation.Denylist, opts ...Option) (*Issuer, error) {
	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	verifyKey, err := jwt.ParseECPublicKeyFromPEM([]byte(verifyKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse verify key: %w", err)
	}

	i := &Issuer{
		signingKey:     signingKey,
		verifyKey:      verifyKey,
		denylist:       denylist,
		issuer:         "venued",
		gatewayTTL:     defaultGatewayTTL,
		operationalTTL: defaultOperationalTTL,
		refreshTTL:     defaultRefreshTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// RefreshTTL exposes the configured refresh token lifetime so the session
// orchestrator can stamp the session record.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// OperationalTTL exposes the operational token lifetime. Logout uses it as
// the upper bound on a revoked token id's remaining validity.
func (i *Issuer) OperationalTTL() time.Duration {
	return i.operationalTTL
}

// IssueGatewayToken mints a venue-gateway token for the venue owner. It
// carries no permissions.
func (i *Issuer) IssueGatewayToken(ownerID, venueID uuid.UUID) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.gatewayTTL)
	claims := &GatewayClaims{
		VenueID: venueID.String(),
		Type:    TypeGateway,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID.String(),
			ID:        newTokenID().String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign gateway token: %w", err)
	}
	return signed, expiresAt, nil
}

// Operational is a freshly minted operational token plus its identifiers.
type Operational struct {
	Token     string
	TokenID   uuid.UUID // the jti; revoked on logout
	ExpiresAt time.Time
}

// IssueOperationalToken mints an operational token embedding the sub-user's
// role and permission bitmask, with a unique token id.
func (i *Issuer) IssueOperationalToken(subUser *models.SubUser) (Operational, error) {
	now := i.now()
	expiresAt := now.Add(i.operationalTTL)
	tokenID := newTokenID()
	claims := &OperationalClaims{
		VenueID:     subUser.VenueID.String(),
		Role:        string(subUser.Role),
		Permissions: subUser.Permissions.Encode(),
		Type:        TypeOperational,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subUser.SubUserID.String(),
			ID:        tokenID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.signingKey)
	if err != nil {
		return Operational{}, fmt.Errorf("sign operational token: %w", err)
	}
	return Operational{Token: signed, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// VerifyGateway checks a venue-gateway token's signature, expiry, and type.
func (i *Issuer) VerifyGateway(tokenStr string) (*GatewayClaims, error) {
	claims := &GatewayClaims{}
	if err := i.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeGateway {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Principal is the verified identity extracted from an operational token.
// Its permission bitmask comes from the token claims, not a store read.
type Principal struct {
	SubUserID   uuid.UUID
	VenueID     uuid.UUID
	TokenID     uuid.UUID
	Role        permissions.Role
	Permissions permissions.Permission
}

// VerifyOperational checks an operational token's signature, expiry, and
// type, then consults the revocation denylist for its token id. A denylist
// read failure is logged and failed open: the token's own expiry still bounds
// the exposure, and authorization reads must not hard-depend on the denylist
// backend being up.
func (i *Issuer) VerifyOperational(ctx context.Context, tokenStr string) (*Principal, error) {
	claims := &OperationalClaims{}
	if err := i.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeOperational {
		return nil, ErrTokenInvalid
	}

	subUserID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	venueID, err := uuid.Parse(claims.VenueID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	role, err := permissions.ParseRole(claims.Role)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	perms, err := permissions.Decode(claims.Permissions)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	revoked, err := i.denylist.IsRevoked(ctx, tokenID)
	if err != nil {
		log.Warn().Err(err).Str("token_id", tokenID.String()).
			Msg("Denylist check failed, accepting token on signature alone")
	} else if revoked {
		return nil, ErrTokenInvalid
	}

	return &Principal{
		SubUserID:   subUserID,
		VenueID:     venueID,
		TokenID:     tokenID,
		Role:        role,
		Permissions: perms,
	}, nil
}

func (i *Issuer) parse(tokenStr string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return i.verifyKey, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		log.Debug().Err(err).Msg("Token parse error")
		return ErrTokenInvalid
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}
	return nil
}

// RefreshToken is an opaque single-use credential. Only the hash is persisted
// on the session; the plaintext goes to the caller once.
type RefreshToken struct {
	Plaintext string
	Hash      string
}

// NewRefreshToken generates a random refresh token and its storage hash.
func NewRefreshToken() (RefreshToken, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	plaintext := base58.Encode(secret)
	return RefreshToken{Plaintext: plaintext, Hash: HashRefreshToken(plaintext)}, nil
}

// HashRefreshToken derives the storage/lookup hash for a refresh token value.
func HashRefreshToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// newTokenID returns a UUIDv7 jti. Falls back to v4 only if the clock source
// fails, which NewV7 can report.
func newTokenID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
