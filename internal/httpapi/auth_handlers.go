package httpapi

import (
	"errors"
	"net/http"
	"time"

	"usermanage.org/internal/audit"
	"usermanage.org/internal/auth"
	"usermanage.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string    `json:"accessToken"`
	Expiration   time.Time `json:"expiration"`
	RefreshToken string    `json:"refreshToken"`
}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.Access.Token,
		Expiration:   pair.Access.ExpiresAt.UTC(),
		RefreshToken: pair.Refresh.Value,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req, a.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, auth.MsgInvalidLogin)
		return
	}

	pair, identity, err := a.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		result := "invalid"
		if errors.Is(err, auth.ErrAccountLocked) {
			result = "locked"
		}
		if !isCredentialError(err) {
			result = "error"
		}
		obs.LoginTotal.WithLabelValues(result).Inc()
		a.publish(r.Context(), audit.EventLoginFailed, auth.NormalizeUsername(req.Username), map[string]any{
			"reason":    result,
			"remote_ip": clientIP(r),
		})
		if result == "error" {
			obs.Logger().Sugar().Errorw("login failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, r, http.StatusBadRequest, auth.MsgInvalidLogin)
		return
	}

	obs.LoginTotal.WithLabelValues("success").Inc()
	a.publish(r.Context(), audit.EventLoginSucceeded, identity.Username, map[string]any{
		"user_id":    identity.ID,
		"roles":      identity.Roles,
		"expires_at": pair.Access.ExpiresAt.UTC().Format(time.RFC3339),
		"remote_ip":  clientIP(r),
	})
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req, a.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, auth.MsgInvalidRefresh)
		return
	}

	pair, err := a.svc.Refresh(r.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			obs.RefreshTotal.WithLabelValues("error").Inc()
			obs.Logger().Sugar().Errorw("refresh failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		obs.RefreshTotal.WithLabelValues("invalid").Inc()
		a.publish(r.Context(), audit.EventRefreshFailed, "", map[string]any{
			"remote_ip": clientIP(r),
		})
		writeError(w, r, http.StatusBadRequest, auth.MsgInvalidRefresh)
		return
	}

	obs.RefreshTotal.WithLabelValues("success").Inc()
	a.publish(r.Context(), audit.EventRefreshSucceeded, "", map[string]any{
		"expires_at": pair.Access.ExpiresAt.UTC().Format(time.RFC3339),
		"remote_ip":  clientIP(r),
	})
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.svc.Revoke(r.Context(), claims.Subject); err != nil {
		obs.Logger().Sugar().Errorw("revoke failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.publish(r.Context(), audit.EventTokenRevoked, claims.Subject, map[string]any{
		"token_id": claims.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrInvalidCredentials) ||
		errors.Is(err, auth.ErrNotFound) ||
		errors.Is(err, auth.ErrAccountLocked)
}
