package httpapi

import (
	"net/http"
	"strings"
	"time"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
)

type tokenRequest struct {
	User string `json:"user" validate:"required,max=128"`
	Name string `json:"name" validate:"max=200"`
	Role string `json:"role" validate:"required"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Actor     auth.Actor `json:"actor"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}

	var req tokenRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := auth.Actor{
		ID:   strings.TrimSpace(req.User),
		Name: strings.TrimSpace(req.Name),
		Role: role,
	}

	token, expiresAt, err := a.tokens.Generate(actor, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       actor.ID,
		"role":       string(actor.Role),
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Actor:     actor,
	})
}
