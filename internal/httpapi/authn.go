package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"usermanage.org/internal/audit"
	"usermanage.org/internal/auth"
	"usermanage.org/internal/obs"
)

const (
	authHeader       = "Authorization"
	bearer           = "Bearer "
	accessTokenParam = "access_token"
)

var errInvalidScheme = errors.New("invalid authorization scheme")

// protect authenticates the caller and runs the permission evaluator for op
// before handing the request to next.
func (a *API) protect(op auth.Operation, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := requestToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		var claims *auth.Claims
		if token != "" {
			claims, err = a.svc.Authenticate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidToken) {
					writeError(w, r, http.StatusInternalServerError, "authentication error")
					return
				}
				desc := auth.TokenErrorDescription(err)
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, desc))
				writeError(w, r, http.StatusUnauthorized, desc)
				return
			}
		}

		verdict := a.svc.Authorize(r.Context(), auth.Request{
			Principal: claims,
			Resource:  &auth.Resource{Operation: op, Transport: r},
		})
		if !verdict.Allowed() {
			a.deny(w, r, op, claims, verdict)
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, op auth.Operation, claims *auth.Claims, v auth.Verdict) {
	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	switch {
	case errors.Is(v.Err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	case errors.Is(v.Err, auth.ErrPermissionDenied),
		errors.Is(v.Err, auth.ErrStaleSecurityStamp),
		errors.Is(v.Err, auth.ErrAccountLocked),
		errors.Is(v.Err, auth.ErrResourceContextUnavailable):
		a.publish(r.Context(), audit.EventAccessDenied, subject, map[string]any{
			"operation": op.Name,
			"step":      v.Step,
			"reason":    v.Err.Error(),
		})
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		obs.Logger().Sugar().Errorw("authorization failed",
			"request_id", RequestIDFromContext(r.Context()),
			"operation", op.Name,
			"step", v.Step,
			"error", v.Err)
		writeError(w, r, http.StatusInternalServerError, "authorization error")
	}
}

// requestToken reads the bearer token from the Authorization header, falling
// back to the access_token query parameter. An empty token with a nil error
// means the caller is anonymous.
func requestToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header != "" {
		return extractBearerToken(header)
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenParam)), nil
}

func extractBearerToken(header string) (string, error) {
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errInvalidScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
