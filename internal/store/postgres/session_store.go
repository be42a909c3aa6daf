package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// SessionStore implements store.SessionStore using PostgreSQL.
type SessionStore struct {
	q querier
}

const sessionColumns = `
	session_id, sub_user_id, venue_id, refresh_token_hash, refresh_expires_at,
	access_token_id, user_agent, ip_address, active, last_activity_at,
	created_at, logged_out_at, logout_reason
`

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, session *models.SubUserSession) error {
	query := `
		INSERT INTO sub_user_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::inet, $9, $10, $11, $12, $13)
	`

	// Convert empty IP address to nil for proper INET handling
	var ipAddress any
	if session.IPAddress != "" {
		ipAddress = session.IPAddress
	}
	var reason any
	if session.LogoutReason != "" {
		reason = string(session.LogoutReason)
	}

	_, err := s.q.Exec(ctx, query,
		session.SessionID,
		session.SubUserID,
		session.VenueID,
		session.RefreshTokenHash,
		session.RefreshExpiresAt,
		session.AccessTokenID,
		session.UserAgent,
		ipAddress,
		session.Active,
		session.LastActivityAt,
		session.CreatedAt,
		session.LoggedOutAt,
		reason,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("session_id", session.SessionID.String()).
		Str("sub_user_id", session.SubUserID.String()).
		Msg("Created session")
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.SubUserSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sub_user_sessions WHERE session_id = $1`
	session, err := s.scan(s.q.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapPostgresError(err))
	}
	return session, nil
}

// GetByRefreshHash finds the active session holding the refresh token.
func (s *SessionStore) GetByRefreshHash(ctx context.Context, refreshHash string) (*models.SubUserSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sub_user_sessions
		WHERE refresh_token_hash = $1 AND active
	`
	session, err := s.scan(s.q.QueryRow(ctx, query, refreshHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session by refresh token: %w", mapPostgresError(err))
	}
	return session, nil
}

// ListActiveBySubUser returns every active session of the sub-user.
func (s *SessionStore) ListActiveBySubUser(ctx context.Context, subUserID uuid.UUID) ([]*models.SubUserSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sub_user_sessions
		WHERE sub_user_id = $1 AND active
		ORDER BY created_at
	`
	rows, err := s.q.Query(ctx, query, subUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var result []*models.SubUserSession
	for rows.Next() {
		session, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// RotateRefresh swaps the refresh token and access-token id in one
// compare-and-swap on the old hash. The WHERE clause carries the old hash, so
// a concurrent exchange of the same token leaves exactly one winner; the
// loser sees zero rows and reports ErrRefreshReused.
func (s *SessionStore) RotateRefresh(ctx context.Context, sessionID uuid.UUID, oldHash, newHash string, newExpiresAt time.Time, newAccessTokenID uuid.UUID, now time.Time) error {
	query := `
		UPDATE sub_user_sessions
		SET refresh_token_hash = $3, refresh_expires_at = $4,
		    access_token_id = $5, last_activity_at = $6
		WHERE session_id = $1 AND refresh_token_hash = $2 AND active
	`
	result, err := s.q.Exec(ctx, query, sessionID, oldHash, newHash, newExpiresAt, newAccessTokenID, now)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		// Distinguish a reused token from a vanished or inactive session.
		var active bool
		err := s.q.QueryRow(ctx,
			`SELECT active FROM sub_user_sessions WHERE session_id = $1`, sessionID,
		).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to rotate refresh token: %w", mapPostgresError(err))
		}
		if !active {
			return store.ErrSessionInactive
		}
		return store.ErrRefreshReused
	}
	return nil
}

// Deactivate marks a session terminal.
func (s *SessionStore) Deactivate(ctx context.Context, sessionID uuid.UUID, at time.Time, reason models.LogoutReason) error {
	query := `
		UPDATE sub_user_sessions
		SET active = FALSE, logged_out_at = $2, logout_reason = $3
		WHERE session_id = $1 AND active
	`
	result, err := s.q.Exec(ctx, query, sessionID, at, string(reason))
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM sub_user_sessions WHERE session_id = $1)`, sessionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to deactivate session: %w", mapPostgresError(err))
		}
		if !exists {
			return store.ErrSessionNotFound
		}
		return store.ErrSessionInactive
	}

	log.Debug().Str("session_id", sessionID.String()).Str("reason", string(reason)).Msg("Deactivated session")
	return nil
}

// DeactivateAllForSubUser deactivates every active session of the sub-user.
func (s *SessionStore) DeactivateAllForSubUser(ctx context.Context, subUserID uuid.UUID, at time.Time, reason models.LogoutReason) (int, error) {
	query := `
		UPDATE sub_user_sessions
		SET active = FALSE, logged_out_at = $2, logout_reason = $3
		WHERE sub_user_id = $1 AND active
	`
	result, err := s.q.Exec(ctx, query, subUserID, at, string(reason))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sessions: %w", mapPostgresError(err))
	}

	count := int(result.RowsAffected())
	log.Info().
		Str("sub_user_id", subUserID.String()).
		Int("count", count).
		Str("reason", string(reason)).
		Msg("Deactivated all sessions for sub-user")
	return count, nil
}

// TouchActivity updates the last-activity timestamp of an active session.
func (s *SessionStore) TouchActivity(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	result, err := s.q.Exec(ctx,
		`UPDATE sub_user_sessions SET last_activity_at = $2 WHERE session_id = $1 AND active`,
		sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM sub_user_sessions WHERE session_id = $1)`, sessionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to touch session: %w", mapPostgresError(err))
		}
		if !exists {
			return store.ErrSessionNotFound
		}
		return store.ErrSessionInactive
	}
	return nil
}

// DeleteExpired deletes sessions whose refresh token expired before now.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.q.Exec(ctx,
		`DELETE FROM sub_user_sessions WHERE refresh_expires_at < $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", mapPostgresError(err))
	}

	count := int(result.RowsAffected())
	if count > 0 {
		log.Info().Int("count", count).Msg("Deleted expired sessions")
	}
	return count, nil
}

func (s *SessionStore) scan(row pgx.Row) (*models.SubUserSession, error) {
	var session models.SubUserSession
	var ipAddress any
	var reason *string
	err := row.Scan(
		&session.SessionID,
		&session.SubUserID,
		&session.VenueID,
		&session.RefreshTokenHash,
		&session.RefreshExpiresAt,
		&session.AccessTokenID,
		&session.UserAgent,
		&ipAddress,
		&session.Active,
		&session.LastActivityAt,
		&session.CreatedAt,
		&session.LoggedOutAt,
		&reason,
	)
	if err != nil {
		return nil, err
	}
	// Convert INET to string
	if ipAddress != nil {
		session.IPAddress = fmt.Sprintf("%v", ipAddress)
	}
	if reason != nil {
		session.LogoutReason = models.LogoutReason(*reason)
	}
	return &session, nil
}
