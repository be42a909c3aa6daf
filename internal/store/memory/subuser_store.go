package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

type usernameKey struct {
	venueID  uuid.UUID
	username string // normalized
}

// SubUserStore implements store.SubUserStore using in-memory storage.
type SubUserStore struct {
	mu sync.RWMutex

	subUsers   map[uuid.UUID]*models.SubUser // sub_user_id -> SubUser
	byUsername map[usernameKey]uuid.UUID
}

// NewSubUserStore creates a new in-memory sub-user store.
func NewSubUserStore() *SubUserStore {
	return &SubUserStore{
		subUsers:   make(map[uuid.UUID]*models.SubUser),
		byUsername: make(map[usernameKey]uuid.UUID),
	}
}

// Create stores a new sub-user, enforcing username uniqueness per venue and
// the one-founder-per-venue constraint.
func (s *SubUserStore) Create(ctx context.Context, subUser *models.SubUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usernameKey{subUser.VenueID, models.NormalizeUsername(subUser.Username)}
	if _, exists := s.byUsername[key]; exists {
		return store.ErrDuplicateUsername
	}
	if subUser.IsFounderAdmin && s.hasFounderLocked(subUser.VenueID) {
		return store.ErrFounderExists
	}

	// Clone to avoid external modifications
	clone := *subUser
	s.subUsers[subUser.SubUserID] = &clone
	s.byUsername[key] = subUser.SubUserID
	return nil
}

// Get retrieves a sub-user by ID, including soft-deleted rows.
func (s *SubUserStore) Get(ctx context.Context, subUserID uuid.UUID) (*models.SubUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subUser, exists := s.subUsers[subUserID]
	if !exists {
		return nil, store.ErrSubUserNotFound
	}
	clone := *subUser
	return &clone, nil
}

// GetByUsername looks up by (venue, normalized username). Soft-deleted rows
// are not returned.
func (s *SubUserStore) GetByUsername(ctx context.Context, venueID uuid.UUID, username string) (*models.SubUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byUsername[usernameKey{venueID, models.NormalizeUsername(username)}]
	if !exists {
		return nil, store.ErrSubUserNotFound
	}
	subUser := s.subUsers[id]
	if subUser.DeletedAt != nil {
		return nil, store.ErrSubUserNotFound
	}
	clone := *subUser
	return &clone, nil
}

// Update replaces an existing sub-user. A soft delete frees the username for
// reuse within the venue.
func (s *SubUserStore) Update(ctx context.Context, subUser *models.SubUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.subUsers[subUser.SubUserID]
	if !exists {
		return store.ErrSubUserNotFound
	}

	oldKey := usernameKey{existing.VenueID, models.NormalizeUsername(existing.Username)}
	newKey := usernameKey{subUser.VenueID, models.NormalizeUsername(subUser.Username)}
	if oldKey != newKey {
		if _, taken := s.byUsername[newKey]; taken {
			return store.ErrDuplicateUsername
		}
		delete(s.byUsername, oldKey)
		s.byUsername[newKey] = subUser.SubUserID
	}
	if subUser.DeletedAt != nil && existing.DeletedAt == nil {
		delete(s.byUsername, newKey)
	}

	clone := *subUser
	s.subUsers[subUser.SubUserID] = &clone
	return nil
}

// ListByVenue returns the venue's sub-users, excluding soft-deleted rows,
// ordered by creation time.
func (s *SubUserStore) ListByVenue(ctx context.Context, venueID uuid.UUID) ([]*models.SubUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.SubUser
	for _, subUser := range s.subUsers {
		if subUser.VenueID == venueID && subUser.DeletedAt == nil {
			clone := *subUser
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// HasFounder reports whether the venue already has its founder admin.
func (s *SubUserStore) HasFounder(ctx context.Context, venueID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasFounderLocked(venueID), nil
}

func (s *SubUserStore) hasFounderLocked(venueID uuid.UUID) bool {
	for _, subUser := range s.subUsers {
		if subUser.VenueID == venueID && subUser.IsFounderAdmin {
			return true
		}
	}
	return false
}
