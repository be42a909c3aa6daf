package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/venuekit/venued/internal/token"
)

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// requireGateway gates a route on a valid venue-gateway token.
func (h *Handler) requireGateway(next func(http.ResponseWriter, *http.Request, *token.GatewayClaims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		claims, err := h.issuer.VerifyGateway(credential)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "token invalid")
			return
		}
		next(w, r, claims)
	}
}

// requireOperational gates a route on a valid, non-revoked operational token.
// When the caller identifies its session, the session's activity timestamp is
// touched as a side effect.
func (h *Handler) requireOperational(next func(http.ResponseWriter, *http.Request, *token.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		principal, err := h.issuer.VerifyOperational(r.Context(), credential)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "token invalid")
			return
		}

		if sessionID, err := uuid.Parse(r.Header.Get("X-Session-ID")); err == nil {
			h.sessions.TouchSession(r.Context(), principal.SubUserID, sessionID)
		}

		next(w, r, principal)
	}
}

// gatewayVenue checks the path venue against the gateway token's scope. A
// gateway token authorizes actions only for the venue it was minted for.
func gatewayVenue(w http.ResponseWriter, r *http.Request, claims *token.GatewayClaims) (uuid.UUID, bool) {
	venueID, err := uuid.Parse(r.PathValue("venueID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid venue id")
		return uuid.Nil, false
	}
	if claims.VenueID != venueID.String() {
		writeError(w, http.StatusForbidden, "token not scoped to this venue")
		return uuid.Nil, false
	}
	return venueID, true
}
