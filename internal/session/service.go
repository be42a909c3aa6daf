// Package session implements the login orchestrator: venue-gateway login,
// sub-user login with lockout bookkeeping, refresh-token rotation, and
// logout-time revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/audit"
	"github.com/venuekit/venued/internal/authz"
	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/password"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/revocation"
	"github.com/venuekit/venued/internal/store"
	"github.com/venuekit/venued/internal/telemetry"
	"github.com/venuekit/venued/internal/token"
)

const revokeMaxTries = 3

// Config holds the lockout policy.
type Config struct {
	// LockoutThreshold is the number of consecutive failed password checks
	// that triggers a lockout.
	LockoutThreshold int

	// LockoutDuration is how long a triggered lockout lasts.
	LockoutDuration time.Duration
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
}

// RequestMeta carries per-request caller metadata into sessions and audit
// entries.
type RequestMeta struct {
	UserAgent string
	IPAddress string
}

// SubUserSummary is the caller-facing view of the authenticated sub-user.
type SubUserSummary struct {
	SubUserID      uuid.UUID
	VenueID        uuid.UUID
	Username       string
	Role           permissions.Role
	Permissions    permissions.Permission
	Active         bool
	IsFounderAdmin bool
}

// LoginResult is the bundle returned by a successful login or refresh.
type LoginResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        uuid.UUID

	SubUser SubUserSummary

	// MustChangePassword signals the caller to route the sub-user into the
	// change-password flow before anything else; the engine denies every
	// other capability until the change lands.
	MustChangePassword bool
}

// GatewayLogin is a minted venue-gateway token.
type GatewayLogin struct {
	Token     string
	ExpiresAt time.Time
}

// Service orchestrates logins, refreshes, and logouts over the durable
// store, token issuer, revocation denylist, and authorization cache.
type Service struct {
	store    store.Store
	issuer   *token.Issuer
	denylist revocation.Denylist
	hasher   password.Hasher
	authz    *authz.Cached
	cfg      Config
	now      func() time.Time
}

// NewService constructs the orchestrator. A nil clock defaults to time.Now.
func NewService(st store.Store, issuer *token.Issuer, denylist revocation.Denylist, hasher password.Hasher, az *authz.Cached, cfg Config, now func() time.Time) *Service {
	cfg.ApplyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		issuer:   issuer,
		denylist: denylist,
		hasher:   hasher,
		authz:    az,
		cfg:      cfg,
		now:      now,
	}
}

// VenueLogin verifies the venue owner's credentials and mints a gateway
// token. The gateway token authorizes only the sub-user login step.
func (s *Service) VenueLogin(ctx context.Context, venueID uuid.UUID, ownerPassword string, meta RequestMeta) (*GatewayLogin, error) {
	metrics := telemetry.GetMetrics()

	venue, err := s.store.Venues().Get(ctx, venueID)
	if errors.Is(err, store.ErrVenueNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up venue: %w", err)
	}
	if !venue.Active {
		return nil, ErrAccountInactive
	}

	result, err := s.hasher.Verify(venue.VenueID.String(), venue.OwnerPasswordHash, ownerPassword)
	if err != nil {
		return nil, fmt.Errorf("verify owner password: %w", err)
	}
	if result == password.VerifyFailed {
		return nil, ErrInvalidCredentials
	}
	if result == password.VerifySuccessRehash {
		if newHash, herr := s.hasher.Hash(venue.VenueID.String(), ownerPassword); herr == nil {
			venue.OwnerPasswordHash = newHash
			venue.UpdatedAt = s.now()
			if uerr := s.store.Venues().Update(ctx, venue); uerr != nil {
				log.Ctx(ctx).Warn().Err(uerr).Msg("owner password rehash not persisted")
			}
		}
	}

	signed, expiresAt, err := s.issuer.IssueGatewayToken(venue.VenueID, venue.VenueID)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssuedTotal.Add(ctx, 1)

	recorder := audit.NewRecorder(s.store.Audit(), s.now)
	recorder.RecordBestEffort(ctx, &models.AuditEntry{
		VenueID:   venue.VenueID,
		Action:    models.AuditVenueGatewayLogin,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})

	return &GatewayLogin{Token: signed, ExpiresAt: expiresAt}, nil
}

// LoginSubUser authenticates a sub-user within a venue and opens a session.
//
// Failure modes stay coarse: an unknown username and a wrong password both
// return ErrInvalidCredentials. An active lockout rejects the attempt before
// the password is even checked, so a correct password neither succeeds nor
// resets the counter while the window is open.
func (s *Service) LoginSubUser(ctx context.Context, venueID uuid.UUID, username, plaintext string, meta RequestMeta) (*LoginResult, error) {
	metrics := telemetry.GetMetrics()
	now := s.now()
	recorder := audit.NewRecorder(s.store.Audit(), s.now)

	subUser, err := s.store.SubUsers().GetByUsername(ctx, venueID, username)
	if errors.Is(err, store.ErrSubUserNotFound) {
		metrics.LoginFailureTotal.Add(ctx, 1)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up sub-user: %w", err)
	}

	if subUser.IsLockedOut(now) {
		metrics.LoginFailureTotal.Add(ctx, 1)
		recorder.RecordBestEffort(ctx, s.loginEntry(subUser, models.AuditSubUserLoginFailed, meta))
		return nil, ErrAccountLocked
	}

	result, err := s.hasher.Verify(subUser.SubUserID.String(), subUser.PasswordHash, plaintext)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if result == password.VerifyFailed {
		return nil, s.recordFailedAttempt(ctx, subUser, now, meta)
	}

	if !subUser.Active {
		metrics.LoginFailureTotal.Add(ctx, 1)
		return nil, ErrAccountInactive
	}

	if result == password.VerifySuccessRehash {
		if newHash, herr := s.hasher.Hash(subUser.SubUserID.String(), plaintext); herr == nil {
			subUser.PasswordHash = newHash
		}
	}

	subUser.ResetLockout()
	lastLogin := now
	subUser.LastLoginAt = &lastLogin
	subUser.UpdatedAt = now

	refresh, err := token.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	operational, err := s.issuer.IssueOperationalToken(subUser)
	if err != nil {
		return nil, err
	}

	sess := &models.SubUserSession{
		SessionID:        newSessionID(),
		SubUserID:        subUser.SubUserID,
		VenueID:          subUser.VenueID,
		RefreshTokenHash: refresh.Hash,
		RefreshExpiresAt: now.Add(s.issuer.RefreshTTL()),
		AccessTokenID:    &operational.TokenID,
		UserAgent:        meta.UserAgent,
		IPAddress:        meta.IPAddress,
		Active:           true,
		LastActivityAt:   now,
		CreatedAt:        now,
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Update(ctx, subUser); err != nil {
			return fmt.Errorf("persist login state: %w", err)
		}
		if err := tx.Sessions().Create(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, s.loginEntry(subUser, models.AuditSubUserLogin, meta))
	})
	if err != nil {
		return nil, err
	}

	metrics.LoginSuccessTotal.Add(ctx, 1)
	metrics.TokensIssuedTotal.Add(ctx, 1)

	return &LoginResult{
		AccessToken:        operational.Token,
		AccessExpiresAt:    operational.ExpiresAt,
		RefreshToken:       refresh.Plaintext,
		RefreshExpiresAt:   sess.RefreshExpiresAt,
		SessionID:          sess.SessionID,
		SubUser:            summarize(subUser),
		MustChangePassword: subUser.MustChangePassword,
	}, nil
}

// recordFailedAttempt bumps the counter, triggers a lockout at the threshold,
// and always reports the attempt as ErrInvalidCredentials.
func (s *Service) recordFailedAttempt(ctx context.Context, subUser *models.SubUser, now time.Time, meta RequestMeta) error {
	metrics := telemetry.GetMetrics()
	recorder := audit.NewRecorder(s.store.Audit(), s.now)

	subUser.FailedLoginCount++
	lockedOut := subUser.FailedLoginCount >= s.cfg.LockoutThreshold
	if lockedOut {
		until := now.Add(s.cfg.LockoutDuration)
		subUser.LockedOutUntil = &until
	}
	subUser.UpdatedAt = now

	if err := s.store.SubUsers().Update(ctx, subUser); err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}

	metrics.LoginFailureTotal.Add(ctx, 1)
	recorder.RecordBestEffort(ctx, s.loginEntry(subUser, models.AuditSubUserLoginFailed, meta))

	if lockedOut {
		metrics.LockoutsTotal.Add(ctx, 1)
		recorder.RecordBestEffort(ctx, s.loginEntry(subUser, models.AuditSubUserLockedOut, meta))

		// A lockout ends the sub-user's outstanding sessions too.
		if _, _, err := s.revokeAndDeactivate(ctx, subUser.SubUserID, models.LogoutReasonLockout); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str("sub_user_id", subUser.SubUserID.String()).
				Msg("session teardown after lockout failed")
		}
	}

	return ErrInvalidCredentials
}

// Refresh exchanges a refresh token for a new operational token and a new
// refresh token. Rotation is single-use: the compare-and-swap on the stored
// hash guarantees at most one exchange per refresh-token value, so a reused
// token fails even under concurrent exchanges.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*LoginResult, error) {
	metrics := telemetry.GetMetrics()
	now := s.now()

	oldHash := token.HashRefreshToken(refreshToken)
	sess, err := s.store.Sessions().GetByRefreshHash(ctx, oldHash)
	if errors.Is(err, store.ErrSessionNotFound) {
		metrics.TokensRejectedTotal.Add(ctx, 1)
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if !sess.Active || sess.IsExpired(now) {
		metrics.TokensRejectedTotal.Add(ctx, 1)
		return nil, ErrTokenInvalid
	}

	subUser, err := s.store.SubUsers().Get(ctx, sess.SubUserID)
	if errors.Is(err, store.ErrSubUserNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("look up sub-user: %w", err)
	}
	if !subUser.Active {
		return nil, ErrAccountInactive
	}
	if subUser.IsLockedOut(now) {
		return nil, ErrAccountLocked
	}

	refresh, err := token.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	operational, err := s.issuer.IssueOperationalToken(subUser)
	if err != nil {
		return nil, err
	}

	refreshExpiresAt := now.Add(s.issuer.RefreshTTL())
	err = s.store.Sessions().RotateRefresh(ctx, sess.SessionID, oldHash, refresh.Hash, refreshExpiresAt, operational.TokenID, now)
	switch {
	case errors.Is(err, store.ErrRefreshReused),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrSessionInactive):
		metrics.TokensRejectedTotal.Add(ctx, 1)
		return nil, ErrTokenInvalid
	case err != nil:
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	// The superseded operational token is still signed and unexpired; denylist
	// its jti so a logout-all does not leave it live for its remaining
	// lifetime. Best-effort, same degraded-outcome reporting as logout.
	if sess.AccessTokenID != nil {
		if rerr := s.revokeTokenID(ctx, *sess.AccessTokenID, now.Add(s.issuer.OperationalTTL())); rerr != nil {
			metrics.RevocationErrorsTotal.Add(ctx, 1)
			metrics.RevocationDegradeTotal.Add(ctx, 1)
			log.Ctx(ctx).Error().Err(rerr).
				Str("token_id", sess.AccessTokenID.String()).
				Str("session_id", sess.SessionID.String()).
				Msg("superseded token revocation failed, residual validity window until token expiry")
			audit.NewRecorder(s.store.Audit(), s.now).RecordBestEffort(ctx, &models.AuditEntry{
				VenueID:  subUser.VenueID,
				Action:   models.AuditRevocationDegraded,
				TargetID: &subUser.SubUserID,
				Extra:    audit.Snapshot(map[string]int{"failed_revocations": 1}),
			})
		} else {
			metrics.RevocationsTotal.Add(ctx, 1)
		}
	}

	metrics.RefreshTotal.Add(ctx, 1)
	metrics.TokensIssuedTotal.Add(ctx, 1)

	audit.NewRecorder(s.store.Audit(), s.now).RecordBestEffort(ctx, s.loginEntry(subUser, models.AuditSubUserTokenRefreshed, meta))

	return &LoginResult{
		AccessToken:        operational.Token,
		AccessExpiresAt:    operational.ExpiresAt,
		RefreshToken:       refresh.Plaintext,
		RefreshExpiresAt:   refreshExpiresAt,
		SessionID:          sess.SessionID,
		SubUser:            summarize(subUser),
		MustChangePassword: subUser.MustChangePassword,
	}, nil
}

// Logout ends every active session of the sub-user, revoking each session's
// live token id. Idempotent: no active sessions is a successful no-op.
func (s *Service) Logout(ctx context.Context, subUserID uuid.UUID, meta RequestMeta) error {
	deactivated, _, err := s.revokeAndDeactivate(ctx, subUserID, models.LogoutReasonUser)
	if err != nil {
		return err
	}
	if deactivated == 0 {
		return nil
	}

	telemetry.GetMetrics().LogoutsTotal.Add(ctx, 1)

	recorder := audit.NewRecorder(s.store.Audit(), s.now)
	recorder.RecordBestEffort(ctx, &models.AuditEntry{
		VenueID:   s.venueOf(ctx, subUserID),
		ActorID:   &subUserID,
		Action:    models.AuditSubUserLogout,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// ForceLogout ends every active session of the sub-user on behalf of an
// administrative action, for example a permission change or password reset.
func (s *Service) ForceLogout(ctx context.Context, subUserID uuid.UUID, reason models.LogoutReason, actorID *uuid.UUID, meta RequestMeta) error {
	deactivated, _, err := s.revokeAndDeactivate(ctx, subUserID, reason)
	if err != nil {
		return err
	}
	if deactivated == 0 {
		return nil
	}

	recorder := audit.NewRecorder(s.store.Audit(), s.now)
	recorder.RecordBestEffort(ctx, &models.AuditEntry{
		VenueID:   s.venueOf(ctx, subUserID),
		ActorID:   actorID,
		Action:    models.AuditSubUserLogoutAll,
		TargetID:  &subUserID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// revokeAndDeactivate is the shared logout core. Revocation is best-effort
// with bounded retries; the durable-store deactivation proceeds regardless,
// and any residual token validity window is reported as a degraded security
// control rather than a caller-visible failure.
func (s *Service) revokeAndDeactivate(ctx context.Context, subUserID uuid.UUID, reason models.LogoutReason) (deactivated, degraded int, err error) {
	metrics := telemetry.GetMetrics()
	now := s.now()

	sessions, err := s.store.Sessions().ListActiveBySubUser(ctx, subUserID)
	if err != nil {
		return 0, 0, fmt.Errorf("list active sessions: %w", err)
	}

	expiresAt := now.Add(s.issuer.OperationalTTL())
	for _, sess := range sessions {
		if sess.AccessTokenID == nil {
			continue
		}
		if rerr := s.revokeTokenID(ctx, *sess.AccessTokenID, expiresAt); rerr != nil {
			degraded++
			metrics.RevocationErrorsTotal.Add(ctx, 1)
			log.Ctx(ctx).Error().Err(rerr).
				Str("token_id", sess.AccessTokenID.String()).
				Str("session_id", sess.SessionID.String()).
				Msg("token revocation failed, residual validity window until token expiry")
		} else {
			metrics.RevocationsTotal.Add(ctx, 1)
		}
	}

	deactivated, err = s.store.Sessions().DeactivateAllForSubUser(ctx, subUserID, now, reason)
	if err != nil {
		return 0, degraded, fmt.Errorf("deactivate sessions: %w", err)
	}

	if ierr := s.authz.InvalidateSubject(ctx, subUserID); ierr != nil {
		log.Ctx(ctx).Warn().Err(ierr).
			Str("sub_user_id", subUserID.String()).
			Msg("authorization cache invalidation failed")
	}

	if degraded > 0 {
		metrics.RevocationDegradeTotal.Add(ctx, 1)
		audit.NewRecorder(s.store.Audit(), s.now).RecordBestEffort(ctx, &models.AuditEntry{
			VenueID:  s.venueOf(ctx, subUserID),
			Action:   models.AuditRevocationDegraded,
			TargetID: &subUserID,
			Extra:    audit.Snapshot(map[string]int{"failed_revocations": degraded}),
		})
	}

	return deactivated, degraded, nil
}

func (s *Service) revokeTokenID(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	operation := func() (struct{}, error) {
		return struct{}{}, s.denylist.Revoke(ctx, tokenID, expiresAt)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(revokeMaxTries),
	)
	return err
}

// TouchSession records request activity on a session. Called after a
// successful operational-token verification; failures are absorbed. The
// session must belong to the authenticated sub-user, so one bearer cannot
// stamp activity onto another's session.
func (s *Service) TouchSession(ctx context.Context, subUserID, sessionID uuid.UUID) {
	sess, err := s.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).
			Str("session_id", sessionID.String()).
			Msg("session activity touch failed")
		return
	}
	if sess.SubUserID != subUserID {
		log.Ctx(ctx).Warn().
			Str("session_id", sessionID.String()).
			Str("sub_user_id", subUserID.String()).
			Msg("session activity touch for another sub-user's session ignored")
		return
	}
	if err := s.store.Sessions().TouchActivity(ctx, sessionID, s.now()); err != nil {
		log.Ctx(ctx).Debug().Err(err).
			Str("session_id", sessionID.String()).
			Msg("session activity touch failed")
	}
}

// CleanupExpired removes sessions whose refresh tokens have expired.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.Sessions().DeleteExpired(ctx, s.now())
}

func (s *Service) loginEntry(subUser *models.SubUser, action string, meta RequestMeta) *models.AuditEntry {
	actorID := subUser.SubUserID
	return &models.AuditEntry{
		VenueID:   subUser.VenueID,
		ActorID:   &actorID,
		Action:    action,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
}

// venueOf resolves a sub-user's venue for audit entries written outside a
// flow that already holds the record. Returns the zero uuid when the lookup
// fails; the entry still lands, just without venue scoping.
func (s *Service) venueOf(ctx context.Context, subUserID uuid.UUID) uuid.UUID {
	subUser, err := s.store.SubUsers().Get(ctx, subUserID)
	if err != nil {
		return uuid.Nil
	}
	return subUser.VenueID
}

func summarize(subUser *models.SubUser) SubUserSummary {
	return SubUserSummary{
		SubUserID:      subUser.SubUserID,
		VenueID:        subUser.VenueID,
		Username:       subUser.Username,
		Role:           subUser.Role,
		Permissions:    subUser.Permissions,
		Active:         subUser.Active,
		IsFounderAdmin: subUser.IsFounderAdmin,
	}
}

func newSessionID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
