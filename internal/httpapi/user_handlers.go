package httpapi

import (
	"errors"
	"net/http"
	"time"

	"usermanage.org/internal/auth"
	"usermanage.org/internal/obs"
)

type meResponse struct {
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	TokenID   string   `json:"tokenId,omitempty"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	resp := meResponse{
		Username: claims.Subject,
		Roles:    claims.Roles,
		TokenID:  claims.ID,
	}
	if resp.Roles == nil {
		resp.Roles = []string{}
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		if errors.Is(err, auth.ErrNotImplemented) {
			writeError(w, r, http.StatusNotImplemented, "user listing is not available")
			return
		}
		obs.Logger().Sugar().Errorw("list users failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
