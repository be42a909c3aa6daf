package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// AuditStore implements store.AuditStore using in-memory storage.
type AuditStore struct {
	mu      sync.RWMutex
	entries []*models.AuditEntry
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append records an entry. The slice is append-only; nothing ever mutates or
// removes stored entries.
func (s *AuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *entry
	s.entries = append(s.entries, &clone)
	return nil
}

// Query returns a filtered page ordered by timestamp descending.
func (s *AuditStore) Query(ctx context.Context, q store.AuditQuery) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.AuditEntry
	for _, entry := range s.entries {
		if entry.VenueID != q.VenueID {
			continue
		}
		if q.ActorID != nil && (entry.ActorID == nil || *entry.ActorID != *q.ActorID) {
			continue
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		if q.From != nil && entry.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && entry.CreatedAt.After(*q.To) {
			continue
		}
		clone := *entry
		matched = append(matched, &clone)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
