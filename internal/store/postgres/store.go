package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/venuekit/venued/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the entity
// stores run unchanged inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// NewStore creates a PostgreSQL-backed store bundle on the given pool.
// When cfg.AutoMigrate is set, pending migrations run first.
func NewStore(ctx context.Context, pool *pgxpool.Pool, autoMigrate bool) (*Store, error) {
	if autoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	return &Store{pool: pool, q: pool}, nil
}

func (s *Store) Venues() store.VenueStore     { return &VenueStore{q: s.q} }
func (s *Store) SubUsers() store.SubUserStore { return &SubUserStore{q: s.q} }
func (s *Store) Sessions() store.SessionStore { return &SessionStore{q: s.q} }
func (s *Store) Audit() store.AuditStore      { return &AuditStore{q: s.q} }

// WithinTx runs fn against a store bound to a single transaction. The
// transaction commits only if fn returns nil; any error rolls everything
// back, so multi-step mutations never partially persist.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; nested scopes join it.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&Store{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
