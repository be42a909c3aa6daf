package postgres

import (
	"context"
	"fmt"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// AuditStore implements store.AuditStore using PostgreSQL. The table is
// append-only; there is deliberately no update or delete path.
type AuditStore struct {
	q querier
}

// Append inserts an audit entry.
func (s *AuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (
			entry_id, venue_id, actor_id, action, target_type, target_id,
			before, after, ip_address, user_agent, extra, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::inet, $10, $11, $12)
	`

	var ipAddress any
	if entry.IPAddress != "" {
		ipAddress = entry.IPAddress
	}

	_, err := s.q.Exec(ctx, query,
		entry.EntryID,
		entry.VenueID,
		entry.ActorID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Before,
		entry.After,
		ipAddress,
		entry.UserAgent,
		entry.Extra,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", mapPostgresError(err))
	}
	return nil
}

// Query returns a filtered page ordered by timestamp descending.
func (s *AuditStore) Query(ctx context.Context, q store.AuditQuery) ([]*models.AuditEntry, error) {
	query := `
		SELECT entry_id, venue_id, actor_id, action, target_type, target_id,
		       before, after, ip_address::text, user_agent, extra, created_at
		FROM audit_log
		WHERE venue_id = $1
	`
	args := []any{q.VenueID}
	argIdx := 2

	if q.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, *q.ActorID)
		argIdx++
	}
	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, q.Action)
		argIdx++
	}
	if q.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *q.From)
		argIdx++
	}
	if q.To != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *q.To)
		argIdx++
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, q.Offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var ipAddress *string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.VenueID,
			&entry.ActorID,
			&entry.Action,
			&entry.TargetType,
			&entry.TargetID,
			&entry.Before,
			&entry.After,
			&ipAddress,
			&entry.UserAgent,
			&entry.Extra,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if ipAddress != nil {
			entry.IPAddress = *ipAddress
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
