// Package memory provides in-memory store implementations. These are for
// testing only - data is lost on restart.
package memory

import (
	"context"

	"github.com/venuekit/venued/internal/store"
)

// Store bundles the in-memory entity stores.
type Store struct {
	venues   *VenueStore
	subUsers *SubUserStore
	sessions *SessionStore
	audit    *AuditStore
}

// NewStore creates an in-memory store bundle.
func NewStore() *Store {
	return &Store{
		venues:   NewVenueStore(),
		subUsers: NewSubUserStore(),
		sessions: NewSessionStore(),
		audit:    NewAuditStore(),
	}
}

func (s *Store) Venues() store.VenueStore     { return s.venues }
func (s *Store) SubUsers() store.SubUserStore { return s.subUsers }
func (s *Store) Sessions() store.SessionStore { return s.sessions }
func (s *Store) Audit() store.AuditStore      { return s.audit }

// WithinTx runs fn against the same store. The in-memory implementation does
// not simulate rollback; tests that need partial-write behavior use the
// postgres store.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}
