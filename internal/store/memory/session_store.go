package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// SessionStore implements store.SessionStore using in-memory storage.
type SessionStore struct {
	mu sync.RWMutex

	sessions          map[uuid.UUID]*models.SubUserSession // session_id -> session
	sessionsBySubUser map[uuid.UUID][]uuid.UUID            // sub_user_id -> []session_id
	byRefreshHash     map[string]uuid.UUID                 // refresh hash -> session_id (active only)
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:          make(map[uuid.UUID]*models.SubUserSession),
		sessionsBySubUser: make(map[uuid.UUID][]uuid.UUID),
		byRefreshHash:     make(map[string]uuid.UUID),
	}
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session *models.SubUserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clone to avoid external modifications
	clone := *session
	s.sessions[session.SessionID] = &clone
	s.sessionsBySubUser[session.SubUserID] = append(
		s.sessionsBySubUser[session.SubUserID],
		session.SessionID,
	)
	if session.Active {
		s.byRefreshHash[session.RefreshTokenHash] = session.SessionID
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.SubUserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

// GetByRefreshHash finds the active session holding the refresh token.
func (s *SessionStore) GetByRefreshHash(ctx context.Context, refreshHash string) (*models.SubUserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byRefreshHash[refreshHash]
	if !exists {
		return nil, store.ErrSessionNotFound
	}
	clone := *s.sessions[id]
	return &clone, nil
}

// ListActiveBySubUser returns every active session of the sub-user.
func (s *SessionStore) ListActiveBySubUser(ctx context.Context, subUserID uuid.UUID) ([]*models.SubUserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.SubUserSession
	for _, id := range s.sessionsBySubUser[subUserID] {
		session := s.sessions[id]
		if session.Active {
			clone := *session
			result = append(result, &clone)
		}
	}
	return result, nil
}

// RotateRefresh swaps the refresh token in a compare-and-swap on the old
// hash. A mismatch means the token was already exchanged.
func (s *SessionStore) RotateRefresh(ctx context.Context, sessionID uuid.UUID, oldHash, newHash string, newExpiresAt time.Time, newAccessTokenID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}
	if !session.Active {
		return store.ErrSessionInactive
	}
	if session.RefreshTokenHash != oldHash {
		return store.ErrRefreshReused
	}

	delete(s.byRefreshHash, oldHash)
	session.RefreshTokenHash = newHash
	session.RefreshExpiresAt = newExpiresAt
	tokenID := newAccessTokenID
	session.AccessTokenID = &tokenID
	session.LastActivityAt = now
	s.byRefreshHash[newHash] = sessionID
	return nil
}

// Deactivate marks a session terminal. Deactivating an already inactive
// session reports ErrSessionInactive so callers can stay idempotent.
func (s *SessionStore) Deactivate(ctx context.Context, sessionID uuid.UUID, at time.Time, reason models.LogoutReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}
	if !session.Active {
		return store.ErrSessionInactive
	}
	s.deactivateLocked(session, at, reason)
	return nil
}

// DeactivateAllForSubUser deactivates every active session of the sub-user.
func (s *SessionStore) DeactivateAllForSubUser(ctx context.Context, subUserID uuid.UUID, at time.Time, reason models.LogoutReason) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range s.sessionsBySubUser[subUserID] {
		session := s.sessions[id]
		if session.Active {
			s.deactivateLocked(session, at, reason)
			count++
		}
	}
	return count, nil
}

// TouchActivity updates the last-activity timestamp of an active session.
func (s *SessionStore) TouchActivity(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}
	if !session.Active {
		return store.ErrSessionInactive
	}
	session.LastActivityAt = at
	return nil
}

// DeleteExpired removes sessions whose refresh token expired before now.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []uuid.UUID
	for id, session := range s.sessions {
		if now.After(session.RefreshExpiresAt) {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		session := s.sessions[id]
		delete(s.byRefreshHash, session.RefreshTokenHash)
		s.removeFromSubUserIndex(session.SubUserID, id)
		delete(s.sessions, id)
	}
	return len(toDelete), nil
}

func (s *SessionStore) deactivateLocked(session *models.SubUserSession, at time.Time, reason models.LogoutReason) {
	session.Active = false
	loggedOut := at
	session.LoggedOutAt = &loggedOut
	session.LogoutReason = reason
	delete(s.byRefreshHash, session.RefreshTokenHash)
}

func (s *SessionStore) removeFromSubUserIndex(subUserID, sessionID uuid.UUID) {
	ids := s.sessionsBySubUser[subUserID]
	for i, id := range ids {
		if id == sessionID {
			s.sessionsBySubUser[subUserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.sessionsBySubUser[subUserID]) == 0 {
		delete(s.sessionsBySubUser, subUserID)
	}
}
