package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/session"
	"github.com/venuekit/venued/internal/store"
)

func subUserView(subUserID, venueID uuid.UUID, username string, role permissions.Role, perms permissions.Permission, active, founder bool) map[string]any {
	return map[string]any{
		"subUserId":      subUserID.String(),
		"venueId":        venueID.String(),
		"username":       username,
		"role":           string(role),
		"permissions":    perms.Encode(),
		"active":         active,
		"isFounderAdmin": founder,
	}
}

func loginResultView(result *session.LoginResult) map[string]any {
	return map[string]any{
		"accessToken":        result.AccessToken,
		"accessExpiresAt":    result.AccessExpiresAt.Format(time.RFC3339),
		"refreshToken":       result.RefreshToken,
		"refreshExpiresAt":   result.RefreshExpiresAt.Format(time.RFC3339),
		"sessionId":          result.SessionID.String(),
		"mustChangePassword": result.MustChangePassword,
		"subUser": subUserView(
			result.SubUser.SubUserID,
			result.SubUser.VenueID,
			result.SubUser.Username,
			result.SubUser.Role,
			result.SubUser.Permissions,
			result.SubUser.Active,
			result.SubUser.IsFounderAdmin,
		),
	}
}

func auditEntryView(entry *models.AuditEntry) map[string]any {
	view := map[string]any{
		"entryId":   entry.EntryID.String(),
		"venueId":   entry.VenueID.String(),
		"action":    entry.Action,
		"createdAt": entry.CreatedAt.Format(time.RFC3339),
	}
	if entry.ActorID != nil {
		view["actorId"] = entry.ActorID.String()
	}
	if entry.TargetID != nil {
		view["targetId"] = entry.TargetID.String()
		view["targetType"] = entry.TargetType
	}
	if entry.IPAddress != "" {
		view["ipAddress"] = entry.IPAddress
	}
	return view
}

// auditQueryFrom builds the store filter from query parameters, scoped to the
// caller's venue.
func auditQueryFrom(r *http.Request, venueID uuid.UUID) (store.AuditQuery, error) {
	q := store.AuditQuery{VenueID: venueID}
	params := r.URL.Query()

	if raw := params.Get("actorId"); raw != "" {
		actorID, err := uuid.Parse(raw)
		if err != nil {
			return q, fmt.Errorf("invalid actorId: %w", err)
		}
		q.ActorID = &actorID
	}
	q.Action = params.Get("action")

	if raw := params.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("invalid from: %w", err)
		}
		q.From = &from
	}
	if raw := params.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("invalid to: %w", err)
		}
		q.To = &to
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = limit
	}
	if raw := params.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return q, fmt.Errorf("invalid offset %q", raw)
		}
		q.Offset = offset
	}
	return q, nil
}
