package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/store"
)

// SubUserStore implements store.SubUserStore using PostgreSQL. Username
// uniqueness and the one-founder-per-venue invariant are enforced by partial
// unique indexes; violations map to sentinel errors.
type SubUserStore struct {
	q querier
}

const subUserColumns = `
	sub_user_id, venue_id, username, password_hash, role, permissions,
	active, is_founder_admin, failed_login_count, locked_out_until,
	must_change_password, last_login_at, created_at, updated_at, deleted_at
`

// Create inserts a new sub-user.
func (s *SubUserStore) Create(ctx context.Context, subUser *models.SubUser) error {
	query := `
		INSERT INTO sub_users (` + subUserColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.q.Exec(ctx, query,
		subUser.SubUserID,
		subUser.VenueID,
		subUser.Username,
		subUser.PasswordHash,
		string(subUser.Role),
		int64(subUser.Permissions),
		subUser.Active,
		subUser.IsFounderAdmin,
		subUser.FailedLoginCount,
		subUser.LockedOutUntil,
		subUser.MustChangePassword,
		subUser.LastLoginAt,
		subUser.CreatedAt,
		subUser.UpdatedAt,
		subUser.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sub-user: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("sub_user_id", subUser.SubUserID.String()).
		Str("venue_id", subUser.VenueID.String()).
		Msg("Created sub-user")
	return nil
}

// Get retrieves a sub-user by ID, including soft-deleted rows.
func (s *SubUserStore) Get(ctx context.Context, subUserID uuid.UUID) (*models.SubUser, error) {
	query := `SELECT ` + subUserColumns + ` FROM sub_users WHERE sub_user_id = $1`
	return s.scanOne(s.q.QueryRow(ctx, query, subUserID))
}

// GetByUsername looks up by (venue, case-insensitive username), excluding
// soft-deleted rows.
func (s *SubUserStore) GetByUsername(ctx context.Context, venueID uuid.UUID, username string) (*models.SubUser, error) {
	query := `
		SELECT ` + subUserColumns + `
		FROM sub_users
		WHERE venue_id = $1 AND LOWER(username) = $2 AND deleted_at IS NULL
	`
	return s.scanOne(s.q.QueryRow(ctx, query, venueID, models.NormalizeUsername(username)))
}

// Update replaces every mutable field of the sub-user row.
func (s *SubUserStore) Update(ctx context.Context, subUser *models.SubUser) error {
	query := `
		UPDATE sub_users
		SET username = $2, password_hash = $3, role = $4, permissions = $5,
		    active = $6, failed_login_count = $7, locked_out_until = $8,
		    must_change_password = $9, last_login_at = $10,
		    updated_at = NOW(), deleted_at = $11
		WHERE sub_user_id = $1
	`
	result, err := s.q.Exec(ctx, query,
		subUser.SubUserID,
		subUser.Username,
		subUser.PasswordHash,
		string(subUser.Role),
		int64(subUser.Permissions),
		subUser.Active,
		subUser.FailedLoginCount,
		subUser.LockedOutUntil,
		subUser.MustChangePassword,
		subUser.LastLoginAt,
		subUser.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sub-user: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrSubUserNotFound
	}
	return nil
}

// ListByVenue returns the venue's sub-users excluding soft-deleted rows.
func (s *SubUserStore) ListByVenue(ctx context.Context, venueID uuid.UUID) ([]*models.SubUser, error) {
	query := `
		SELECT ` + subUserColumns + `
		FROM sub_users
		WHERE venue_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
	`
	rows, err := s.q.Query(ctx, query, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-users: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var result []*models.SubUser
	for rows.Next() {
		subUser, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, subUser)
	}
	return result, rows.Err()
}

// HasFounder reports whether the venue already has its founder admin.
func (s *SubUserStore) HasFounder(ctx context.Context, venueID uuid.UUID) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sub_users WHERE venue_id = $1 AND is_founder_admin)`,
		venueID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check founder: %w", mapPostgresError(err))
	}
	return exists, nil
}

func (s *SubUserStore) scanOne(row pgx.Row) (*models.SubUser, error) {
	subUser, err := s.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSubUserNotFound
		}
		return nil, fmt.Errorf("failed to get sub-user: %w", mapPostgresError(err))
	}
	return subUser, nil
}

func (s *SubUserStore) scan(row pgx.Row) (*models.SubUser, error) {
	var subUser models.SubUser
	var role string
	var perms int64
	err := row.Scan(
		&subUser.SubUserID,
		&subUser.VenueID,
		&subUser.Username,
		&subUser.PasswordHash,
		&role,
		&perms,
		&subUser.Active,
		&subUser.IsFounderAdmin,
		&subUser.FailedLoginCount,
		&subUser.LockedOutUntil,
		&subUser.MustChangePassword,
		&subUser.LastLoginAt,
		&subUser.CreatedAt,
		&subUser.UpdatedAt,
		&subUser.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	subUser.Role = permissions.Role(role)
	subUser.Permissions = permissions.Permission(perms)
	return &subUser, nil
}
