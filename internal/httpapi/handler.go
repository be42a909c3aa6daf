// Package httpapi exposes the authorization subsystem's operations over a
// minimal JSON HTTP API. Transport only: every decision lives in the
// services, and the handlers translate between HTTP and service calls.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/audit"
	"github.com/venuekit/venued/internal/authz"
	"github.com/venuekit/venued/internal/models"
	"github.com/venuekit/venued/internal/permissions"
	"github.com/venuekit/venued/internal/session"
	"github.com/venuekit/venued/internal/store"
	"github.com/venuekit/venued/internal/subuser"
	"github.com/venuekit/venued/internal/token"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	sessions *session.Service
	subusers *subuser.Service
	issuer   *token.Issuer
	authz    *authz.Cached
	store    store.Store
	recorder *audit.Recorder
}

// New constructs the HTTP handler set.
func New(sessions *session.Service, subusers *subuser.Service, issuer *token.Issuer, az *authz.Cached, st store.Store) *Handler {
	return &Handler{
		sessions: sessions,
		subusers: subusers,
		issuer:   issuer,
		authz:    az,
		store:    st,
		recorder: audit.NewRecorder(st.Audit(), nil),
	}
}

// Register wires every route onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/venues/{venueID}/login", h.venueLogin)
	mux.HandleFunc("POST /v1/venues/{venueID}/founder", h.requireGateway(h.createFounder))
	mux.HandleFunc("POST /v1/venues/{venueID}/subusers/login", h.requireGateway(h.subUserLogin))

	mux.HandleFunc("POST /v1/tokens/refresh", h.refresh)

	mux.HandleFunc("GET /v1/subusers", h.requireOperational(h.listSubUsers))
	mux.HandleFunc("POST /v1/subusers", h.requireOperational(h.createSubUser))
	mux.HandleFunc("GET /v1/subusers/{subUserID}", h.requireOperational(h.getSubUser))
	mux.HandleFunc("PATCH /v1/subusers/{subUserID}", h.requireOperational(h.updateSubUser))
	mux.HandleFunc("DELETE /v1/subusers/{subUserID}", h.requireOperational(h.deleteSubUser))
	mux.HandleFunc("POST /v1/subusers/{subUserID}/logout", h.requireOperational(h.logout))
	mux.HandleFunc("POST /v1/subusers/{subUserID}/reset-password", h.requireOperational(h.resetPassword))
	mux.HandleFunc("GET /v1/subusers/{subUserID}/permissions/check", h.requireOperational(h.checkPermission))

	mux.HandleFunc("POST /v1/password", h.requireOperational(h.changePassword))

	mux.HandleFunc("GET /v1/audit", h.requireOperational(h.queryAudit))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h *Handler) venueLogin(w http.ResponseWriter, r *http.Request) {
	venueID, err := uuid.Parse(r.PathValue("venueID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue id")
		return
	}
	var req struct {
		OwnerPassword string `json:"ownerPassword"`
	}
	if !decode(w, r, &req) {
		return
	}

	login, err := h.sessions.VenueLogin(r.Context(), venueID, req.OwnerPassword, metaFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gatewayToken": login.Token,
		"expiresAt":    login.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) createFounder(w http.ResponseWriter, r *http.Request, claims *token.GatewayClaims) {
	venueID, ok := gatewayVenue(w, r, claims)
	if !ok {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	founder, err := h.subusers.CreateFounderAdmin(r.Context(), venueID, req.Username, req.Password, metaFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subUserView(founder.SubUserID, founder.VenueID, founder.Username, founder.Role, founder.Permissions, founder.Active, founder.IsFounderAdmin))
}

func (h *Handler) subUserLogin(w http.ResponseWriter, r *http.Request, claims *token.GatewayClaims) {
	venueID, ok := gatewayVenue(w, r, claims)
	if !ok {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	result, err := h.sessions.LoginSubUser(r.Context(), venueID, req.Username, req.Password, metaFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResultView(result))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}

	result, err := h.sessions.Refresh(r.Context(), req.RefreshToken, metaFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResultView(result))
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	targetID, err := uuid.Parse(r.PathValue("subUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub-user id")
		return
	}

	if targetID == principal.SubUserID {
		if err := h.sessions.Logout(r.Context(), targetID, metaFrom(r)); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Ending someone else's sessions is a management action.
	actor, target, err := h.loadPair(r, principal.SubUserID, targetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if d := h.authz.CanManageSubUser(actor, target, authz.OpUpdate); !d.Allowed {
		writeError(w, http.StatusForbidden, d.Reason)
		return
	}
	actorID := principal.SubUserID
	if err := h.sessions.ForceLogout(r.Context(), targetID, models.LogoutReasonForced, &actorID, metaFrom(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listSubUsers(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	subUsers, err := h.subusers.List(r.Context(), principal.SubUserID, principal.VenueID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(subUsers))
	for _, su := range subUsers {
		views = append(views, subUserView(su.SubUserID, su.VenueID, su.Username, su.Role, su.Permissions, su.Active, su.IsFounderAdmin))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subUsers": views})
}

func (h *Handler) getSubUser(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	targetID, err := uuid.Parse(r.PathValue("subUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub-user id")
		return
	}
	su, err := h.subusers.Get(r.Context(), principal.SubUserID, targetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subUserView(su.SubUserID, su.VenueID, su.Username, su.Role, su.Permissions, su.Active, su.IsFounderAdmin))
}

func (h *Handler) createSubUser(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	var req struct {
		Username           string `json:"username"`
		Password           string `json:"password"`
		Role               string `json:"role"`
		Permissions        string `json:"permissions"`
		MustChangePassword bool   `json:"mustChangePassword"`
	}
	if !decode(w, r, &req) {
		return
	}

	role, err := permissions.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perms, err := permissions.Decode(req.Permissions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.subusers.Create(r.Context(), principal.SubUserID, principal.VenueID, subuser.CreateInput{
		Username:           req.Username,
		Password:           req.Password,
		Role:               role,
		Permissions:        perms,
		MustChangePassword: req.MustChangePassword,
	}, metaFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subUserView(created.SubUserID, created.VenueID, created.Username, created.Role, created.Permissions, created.Active, created.IsFounderAdmin))
}

func (h *Handler) updateSubUser(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	targetID, err := uuid.Parse(r.PathValue("subUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub-user id")
		return
	}
	var req struct {
		Role        *string `json:"role"`
		Permissions *string `json:"permissions"`
		Active      *bool   `json:"active"`
	}
	if !decode(w, r, &req) {
		return
	}

	var in subuser.UpdateInput
	if req.Role != nil {
		role, err := permissions.ParseRole(*req.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Role = &role
	}
	if req.Permissions != nil {
		perms, err := permissions.Decode(*req.Permissions)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Permissions = &perms
	}
	in.Active = req.Active

	updated, err := h.subusers.Update(r.Context(), principal.SubUserID, targetID, in, metaFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subUserView(updated.SubUserID, updated.VenueID, updated.Username, updated.Role, updated.Permissions, updated.Active, updated.IsFounderAdmin))
}

func (h *Handler) deleteSubUser(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	targetID, err := uuid.Parse(r.PathValue("subUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub-user id")
		return
	}
	if err := h.subusers.Delete(r.Context(), principal.SubUserID, targetID, metaFrom(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.subusers.ChangePassword(r.Context(), principal.SubUserID, req.CurrentPassword, req.NewPassword, metaFrom(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	targetID, err := uuid.Parse(r.PathValue("subUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub-user id")
		return
	}
	var req struct {
		TemporaryPassword string `json:"temporaryPassword"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.subusers.ResetPassword(r.Context(), principal.SubUserID, targetID, req.TemporaryPassword, metaFrom(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkPermission answers whether the subject may exercise a capability. The
// caller asks about themselves, or about another sub-user they can view.
func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	targetID, err := uuid.Parse(r.PathValue("subUserID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sub-user id")
		return
	}
	required, err := permissions.Decode(r.URL.Query().Get("permission"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := h.subusers.Get(r.Context(), principal.SubUserID, targetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	decision := h.authz.CheckPermission(r.Context(), target, required)
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request, principal *token.Principal) {
	// Reading the audit log is itself a reportable capability.
	actor, err := h.store.SubUsers().Get(r.Context(), principal.SubUserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if d := h.authz.CheckPermission(r.Context(), actor, permissions.ViewReports); !d.Allowed {
		writeError(w, http.StatusForbidden, d.Reason)
		return
	}

	q, err := auditQueryFrom(r, principal.VenueID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.recorder.Query(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		views = append(views, auditEntryView(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"limit":   q.Limit,
		"offset":  q.Offset,
	})
}

func (h *Handler) loadPair(r *http.Request, actorID, targetID uuid.UUID) (actor, target *models.SubUser, err error) {
	if actor, err = h.store.SubUsers().Get(r.Context(), actorID); err != nil {
		return nil, nil, err
	}
	if target, err = h.store.SubUsers().Get(r.Context(), targetID); err != nil {
		return nil, nil, err
	}
	return actor, target, nil
}

func metaFrom(r *http.Request) session.RequestMeta {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return session.RequestMeta{
		UserAgent: r.UserAgent(),
		IPAddress: host,
	}
}

func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service-level failures onto HTTP statuses. The
// login failures stay as coarse as the services report them.
func writeServiceError(w http.ResponseWriter, err error) {
	var permErr *subuser.PermissionError
	var valErr *subuser.ValidationError

	switch {
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrTokenInvalid),
		errors.Is(err, token.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, session.ErrAccountLocked),
		errors.Is(err, session.ErrAccountInactive),
		errors.Is(err, subuser.ErrWrongPassword):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &permErr):
		writeError(w, http.StatusForbidden, permErr.Reason)
	case errors.As(err, &valErr):
		writeError(w, http.StatusUnprocessableEntity, valErr.Error())
	case errors.Is(err, store.ErrDuplicateUsername),
		errors.Is(err, store.ErrFounderExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrVenueNotFound),
		errors.Is(err, store.ErrSubUserNotFound),
		errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, subuser.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
