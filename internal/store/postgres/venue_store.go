package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// VenueStore implements store.VenueStore using PostgreSQL.
type VenueStore struct {
	q querier
}

// Create inserts a new venue.
func (s *VenueStore) Create(ctx context.Context, venue *models.Venue) error {
	query := `
		INSERT INTO venues (
			venue_id, name, owner_password_hash, active, requires_setup,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.q.Exec(ctx, query,
		venue.VenueID,
		venue.Name,
		venue.OwnerPasswordHash,
		venue.Active,
		venue.RequiresSetup,
		venue.CreatedAt,
		venue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create venue: %w", mapPostgresError(err))
	}

	log.Debug().Str("venue_id", venue.VenueID.String()).Msg("Created venue")
	return nil
}

// Get retrieves a venue by ID.
func (s *VenueStore) Get(ctx context.Context, venueID uuid.UUID) (*models.Venue, error) {
	query := `
		SELECT venue_id, name, owner_password_hash, active, requires_setup,
		       created_at, updated_at
		FROM venues
		WHERE venue_id = $1
	`
	var venue models.Venue
	err := s.q.QueryRow(ctx, query, venueID).Scan(
		&venue.VenueID,
		&venue.Name,
		&venue.OwnerPasswordHash,
		&venue.Active,
		&venue.RequiresSetup,
		&venue.CreatedAt,
		&venue.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrVenueNotFound
		}
		return nil, fmt.Errorf("failed to get venue: %w", mapPostgresError(err))
	}
	return &venue, nil
}

// Update replaces the mutable venue fields.
func (s *VenueStore) Update(ctx context.Context, venue *models.Venue) error {
	query := `
		UPDATE venues
		SET name = $2, owner_password_hash = $3, active = $4,
		    requires_setup = $5, updated_at = NOW()
		WHERE venue_id = $1
	`
	result, err := s.q.Exec(ctx, query,
		venue.VenueID,
		venue.Name,
		venue.OwnerPasswordHash,
		venue.Active,
		venue.RequiresSetup,
	)
	if err != nil {
		return fmt.Errorf("failed to update venue: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrVenueNotFound
	}
	return nil
}
