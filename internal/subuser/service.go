// Package subuser implements managed sub-user CRUD: every mutation is gated
// by the authorization engine, committed atomically with its audit snapshot,
// and followed by cache invalidation and, where the change affects live
// credentials, forced session revocation.
package subuser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/audit"
	"github.com/venuekit/venued/internal/authz"
	"github.com/venuekit/venued/internal/cache"
	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/password"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/session"
	"github.com/venuekit/venued/internal/store"
)

// resetCooldown bounds how often a password reset may be requested against
// one target sub-user.
const resetCooldown = 2 * time.Minute

// Service coordinates sub-user mutations across the store, hasher,
// authorization cache, and session orchestrator.
type Service struct {
	store    store.Store
	hasher   password.Hasher
	authz    *authz.Cached
	cache    cache.Cache
	sessions *session.Service
	now      func() time.Time
}

// NewService constructs the sub-user service. A nil clock defaults to
// time.Now.
func NewService(st store.Store, hasher password.Hasher, az *authz.Cached, c cache.Cache, sessions *session.Service, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		hasher:   hasher,
		authz:    az,
		cache:    c,
		sessions: sessions,
		now:      now,
	}
}

// CreateInput describes a new sub-user.
type CreateInput struct {
	Username    string
	Password    string
	Role        permissions.Role
	Permissions permissions.Permission

	// MustChangePassword forces the new sub-user through the password-change
	// flow on first login, for accounts provisioned with a temporary password.
	MustChangePassword bool
}

// UpdateInput carries the mutable sub-user fields. Nil means "leave as is".
type UpdateInput struct {
	Role        *permissions.Role
	Permissions *permissions.Permission
	Active      *bool
}

// CreateFounderAdmin provisions the venue's first admin. It is the only path
// that sets the founder flag and succeeds at most once per venue; creating
// the founder completes venue setup.
func (s *Service) CreateFounderAdmin(ctx context.Context, venueID uuid.UUID, username, plaintext string, meta session.RequestMeta) (*models.SubUser, error) {
	venue, err := s.store.Venues().Get(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("look up venue: %w", err)
	}

	hasFounder, err := s.store.SubUsers().HasFounder(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("check founder: %w", err)
	}
	if hasFounder {
		return nil, store.ErrFounderExists
	}

	now := s.now()
	hash, err := s.hasher.Hash(username, plaintext)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	founder := &models.SubUser{
		SubUserID:      newSubUserID(),
		VenueID:        venueID,
		Username:       models.NormalizeUsername(username),
		PasswordHash:   hash,
		Role:           permissions.RoleAdmin,
		Permissions:    permissions.All,
		Active:         true,
		IsFounderAdmin: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	venue.RequiresSetup = false
	venue.UpdatedAt = now

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Create(ctx, founder); err != nil {
			return err
		}
		if err := tx.Venues().Update(ctx, venue); err != nil {
			return fmt.Errorf("complete venue setup: %w", err)
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, &models.AuditEntry{
			VenueID:    venueID,
			Action:     models.AuditFounderAdminCreated,
			TargetType: "sub_user",
			TargetID:   &founder.SubUserID,
			After:      snapshot(founder),
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
		})
	})
	if err != nil {
		return nil, err
	}
	return founder, nil
}

// Create provisions a sub-user on behalf of actorID.
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, venueID uuid.UUID, in CreateInput, meta session.RequestMeta) (*models.SubUser, error) {
	actor, err := s.store.SubUsers().Get(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("look up actor: %w", err)
	}

	prospective := &models.SubUser{
		VenueID: venueID,
		Role:    in.Role,
		Active:  true,
	}
	if d := s.authz.CanManageSubUser(actor, prospective, authz.OpCreate); !d.Allowed {
		return nil, &PermissionError{Reason: d.Reason}
	}

	if err := s.validateRolePermissions(ctx, in.Role, in.Permissions); err != nil {
		return nil, err
	}

	now := s.now()
	hash, err := s.hasher.Hash(in.Username, in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	created := &models.SubUser{
		SubUserID:          newSubUserID(),
		VenueID:            venueID,
		Username:           models.NormalizeUsername(in.Username),
		PasswordHash:       hash,
		Role:               in.Role,
		Permissions:        in.Permissions,
		Active:             true,
		MustChangePassword: in.MustChangePassword,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Create(ctx, created); err != nil {
			return err
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, &models.AuditEntry{
			VenueID:    venueID,
			ActorID:    &actor.SubUserID,
			Action:     models.AuditSubUserCreated,
			TargetType: "sub_user",
			TargetID:   &created.SubUserID,
			After:      snapshot(created),
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies role, permission, or status changes to a sub-user. When any
// of those actually change, every cached decision for the target is dropped
// and its outstanding sessions are force-revoked, so stale embedded
// permissions cannot outlive the current tokens' remaining lifetime.
func (s *Service) Update(ctx context.Context, actorID, targetID uuid.UUID, in UpdateInput, meta session.RequestMeta) (*models.SubUser, error) {
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return nil, err
	}
	if d := s.authz.CanManageSubUser(actor, target, authz.OpUpdate); !d.Allowed {
		return nil, &PermissionError{Reason: d.Reason}
	}

	before := snapshot(target)

	changed := false
	if in.Role != nil && *in.Role != target.Role {
		target.Role = *in.Role
		changed = true
	}
	if in.Permissions != nil && *in.Permissions != target.Permissions {
		target.Permissions = *in.Permissions
		changed = true
	}
	if in.Active != nil && *in.Active != target.Active {
		target.Active = *in.Active
		changed = true
	}
	if !changed {
		return target, nil
	}

	if err := s.validateRolePermissions(ctx, target.Role, target.Permissions); err != nil {
		return nil, err
	}
	target.UpdatedAt = s.now()

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Update(ctx, target); err != nil {
			return err
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, &models.AuditEntry{
			VenueID:    target.VenueID,
			ActorID:    &actor.SubUserID,
			Action:     models.AuditSubUserUpdated,
			TargetType: "sub_user",
			TargetID:   &target.SubUserID,
			Before:     before,
			After:      snapshot(target),
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
		})
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, target.SubUserID)
	if err := s.sessions.ForceLogout(ctx, target.SubUserID, models.LogoutReasonForced, &actor.SubUserID, meta); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("sub_user_id", target.SubUserID.String()).
			Msg("forced logout after permission change failed")
	}
	return target, nil
}

// Delete soft-deletes a sub-user. The row survives for audit history; the
// username is freed for reuse within the venue.
func (s *Service) Delete(ctx context.Context, actorID, targetID uuid.UUID, meta session.RequestMeta) error {
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return err
	}
	if d := s.authz.CanManageSubUser(actor, target, authz.OpDelete); !d.Allowed {
		return &PermissionError{Reason: d.Reason}
	}

	before := snapshot(target)
	now := s.now()
	target.Active = false
	target.DeletedAt = &now
	target.UpdatedAt = now

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Update(ctx, target); err != nil {
			return err
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, &models.AuditEntry{
			VenueID:    target.VenueID,
			ActorID:    &actor.SubUserID,
			Action:     models.AuditSubUserDeactivated,
			TargetType: "sub_user",
			TargetID:   &target.SubUserID,
			Before:     before,
			After:      snapshot(target),
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
		})
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, target.SubUserID)
	if err := s.sessions.ForceLogout(ctx, target.SubUserID, models.LogoutReasonForced, &actor.SubUserID, meta); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("sub_user_id", target.SubUserID.String()).
			Msg("forced logout after deactivation failed")
	}
	return nil
}

// ChangePassword is the self-service flow: the current password authorizes
// the change, not manager authority. Clears the must-change flag.
func (s *Service) ChangePassword(ctx context.Context, subUserID uuid.UUID, current, next string, meta session.RequestMeta) error {
	subUser, err := s.store.SubUsers().Get(ctx, subUserID)
	if err != nil {
		return fmt.Errorf("look up sub-user: %w", err)
	}

	result, err := s.hasher.Verify(subUser.SubUserID.String(), subUser.PasswordHash, current)
	if err != nil {
		return fmt.Errorf("verify current password: %w", err)
	}
	if result == password.VerifyFailed {
		return ErrWrongPassword
	}

	hash, err := s.hasher.Hash(subUser.SubUserID.String(), next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	subUser.PasswordHash = hash
	subUser.MustChangePassword = false
	subUser.UpdatedAt = s.now()

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Update(ctx, subUser); err != nil {
			return err
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, &models.AuditEntry{
			VenueID:    subUser.VenueID,
			ActorID:    &subUser.SubUserID,
			Action:     models.AuditSubUserPasswordChange,
			TargetType: "sub_user",
			TargetID:   &subUser.SubUserID,
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
		})
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, subUser.SubUserID)
	return nil
}

// ResetPassword sets a temporary password on the target and forces a change
// at next login. Rate-limited per target; all of the target's sessions are
// revoked so the old credentials stop working everywhere at once.
func (s *Service) ResetPassword(ctx context.Context, actorID, targetID uuid.UUID, temporary string, meta session.RequestMeta) error {
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return err
	}
	if d := s.authz.CanManageSubUser(actor, target, authz.OpResetPassword); !d.Allowed {
		return &PermissionError{Reason: d.Reason}
	}

	if err := s.checkResetCooldown(ctx, target.SubUserID); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(target.SubUserID.String(), temporary)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	target.PasswordHash = hash
	target.MustChangePassword = true
	target.UpdatedAt = s.now()

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.SubUsers().Update(ctx, target); err != nil {
			return err
		}
		return audit.NewRecorder(tx.Audit(), s.now).Record(ctx, &models.AuditEntry{
			VenueID:    target.VenueID,
			ActorID:    &actor.SubUserID,
			Action:     models.AuditSubUserPasswordReset,
			TargetType: "sub_user",
			TargetID:   &target.SubUserID,
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
		})
	})
	if err != nil {
		return err
	}

	s.startResetCooldown(ctx, target.SubUserID)
	s.invalidate(ctx, target.SubUserID)
	if err := s.sessions.ForceLogout(ctx, target.SubUserID, models.LogoutReasonPasswordReset, &actor.SubUserID, meta); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("sub_user_id", target.SubUserID.String()).
			Msg("forced logout after password reset failed")
	}
	return nil
}

// List returns the venue's sub-users, visible to holders of ViewSubUsers.
// The actor only ever sees their own venue.
func (s *Service) List(ctx context.Context, actorID, venueID uuid.UUID) ([]*models.SubUser, error) {
	actor, err := s.store.SubUsers().Get(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("look up actor: %w", err)
	}
	if actor.VenueID != venueID {
		return nil, &PermissionError{Reason: authz.ReasonVenueScope}
	}
	if d := s.authz.CheckPermission(ctx, actor, permissions.ViewSubUsers); !d.Allowed {
		return nil, &PermissionError{Reason: d.Reason}
	}
	return s.store.SubUsers().ListByVenue(ctx, venueID)
}

// Get returns one sub-user, visible to holders of ViewSubUsers and always to
// the sub-user themselves.
func (s *Service) Get(ctx context.Context, actorID, targetID uuid.UUID) (*models.SubUser, error) {
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return nil, err
	}
	if actorID == targetID {
		return target, nil
	}
	if d := s.authz.CanManageSubUser(actor, target, authz.OpView); !d.Allowed {
		return nil, &PermissionError{Reason: d.Reason}
	}
	return target, nil
}

func (s *Service) loadPair(ctx context.Context, actorID, targetID uuid.UUID) (actor, target *models.SubUser, err error) {
	if actor, err = s.store.SubUsers().Get(ctx, actorID); err != nil {
		return nil, nil, fmt.Errorf("look up actor: %w", err)
	}
	if actorID == targetID {
		return actor, actor, nil
	}
	if target, err = s.store.SubUsers().Get(ctx, targetID); err != nil {
		return nil, nil, fmt.Errorf("look up target: %w", err)
	}
	return actor, target, nil
}

func (s *Service) invalidate(ctx context.Context, subUserID uuid.UUID) {
	if err := s.authz.InvalidateSubject(ctx, subUserID); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("sub_user_id", subUserID.String()).
			Msg("authorization cache invalidation failed")
	}
}

func resetCooldownKey(subUserID uuid.UUID) string {
	return "subuser:reset_cooldown:" + subUserID.String()
}

// checkResetCooldown rejects a reset inside the window. A cache read failure
// is absorbed: rate limiting degrades rather than blocking the reset.
func (s *Service) checkResetCooldown(ctx context.Context, subUserID uuid.UUID) error {
	var since string
	err := s.cache.Get(ctx, resetCooldownKey(subUserID), &since)
	if err == nil {
		return ErrCooldown
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Ctx(ctx).Warn().Err(err).Msg("reset cooldown check failed, allowing reset")
	}
	return nil
}

func (s *Service) startResetCooldown(ctx context.Context, subUserID uuid.UUID) {
	stamp := s.now().Format(time.RFC3339)
	if err := s.cache.Set(ctx, resetCooldownKey(subUserID), stamp, resetCooldown); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("reset cooldown write failed")
	}
}

// validateRolePermissions runs the role validation through the authorization
// cache; the (role, bitmask) mapping is stable, so repeated assignments of the
// same set answer from the cache.
func (s *Service) validateRolePermissions(ctx context.Context, role permissions.Role, perms permissions.Permission) error {
	result := s.authz.ValidateForRole(ctx, role, perms)
	for _, warning := range result.Warnings {
		log.Ctx(ctx).Debug().Str("warning", warning).Msg("permission set warning")
	}
	if !result.OK() {
		return &ValidationError{Problems: result.Errors}
	}
	return nil
}

// snapshot serializes the audit-relevant sub-user fields. The password hash
// never enters the audit log.
func snapshot(subUser *models.SubUser) []byte {
	return audit.Snapshot(map[string]any{
		"username":             subUser.Username,
		"role":                 subUser.Role,
		"permissions":          subUser.Permissions.Encode(),
		"active":               subUser.Active,
		"is_founder_admin":     subUser.IsFounderAdmin,
		"must_change_password": subUser.MustChangePassword,
	})
}

func newSubUserID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
