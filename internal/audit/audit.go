// Package audit records privileged actions to the append-only audit log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/store"
)

// Recorder appends entries to an audit store, assigning entry ids and
// timestamps. Recorders are cheap; services construct one per transaction
// when the entry must commit atomically with the mutation it describes.
type Recorder struct {
	audits store.AuditStore
	now    func() time.Time
}

// NewRecorder constructs a Recorder. A nil clock defaults to time.Now.
func NewRecorder(audits store.AuditStore, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{audits: audits, now: now}
}

// Record fills in the entry id and timestamp and appends the entry.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.EntryID == uuid.Nil {
		entry.EntryID = newEntryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	return r.audits.Append(ctx, entry)
}

// RecordBestEffort appends the entry, logging instead of failing when the
// write does not land. Used on read-side events such as failed logins where
// the caller's outcome must not depend on audit availability.
func (r *Recorder) RecordBestEffort(ctx context.Context, entry *models.AuditEntry) {
	if err := r.Record(ctx, entry); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("action", entry.Action).
			Str("venue_id", entry.VenueID.String()).
			Msg("audit write failed")
	}
}

// Query returns a page of audit entries, newest first.
func (r *Recorder) Query(ctx context.Context, q store.AuditQuery) ([]*models.AuditEntry, error) {
	return r.audits.Query(ctx, q)
}

// Snapshot serializes an entity state for the Before/After fields. Marshal
// failures return nil rather than blocking the audited action.
func Snapshot(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func newEntryID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
