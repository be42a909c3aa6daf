package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// VenueStore implements store.VenueStore using in-memory storage.
type VenueStore struct {
	mu sync.RWMutex

	venues map[uuid.UUID]*models.Venue // venue_id -> Venue
}

// NewVenueStore creates a new in-memory venue store.
func NewVenueStore() *VenueStore {
	return &VenueStore{
		venues: make(map[uuid.UUID]*models.Venue),
	}
}

// Create stores a new venue.
func (s *VenueStore) Create(ctx context.Context, venue *models.Venue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clone to avoid external modifications
	clone := *venue
	s.venues[venue.VenueID] = &clone
	return nil
}

// Get retrieves a venue by ID.
func (s *VenueStore) Get(ctx context.Context, venueID uuid.UUID) (*models.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venue, exists := s.venues[venueID]
	if !exists {
		return nil, store.ErrVenueNotFound
	}
	clone := *venue
	return &clone, nil
}

// Update replaces an existing venue.
func (s *VenueStore) Update(ctx context.Context, venue *models.Venue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.venues[venue.VenueID]; !exists {
		return store.ErrVenueNotFound
	}
	venue.UpdatedAt = time.Now()
	clone := *venue
	s.venues[venue.VenueID] = &clone
	return nil
}
