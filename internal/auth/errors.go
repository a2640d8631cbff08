package auth

import (
	"errors"
	"fmt"
)

// ErrInvalidToken is the parent of every token verification failure.
var ErrInvalidToken = errors.New("auth: invalid token")

var (
	ErrNotFound                   = errors.New("auth: not found")
	ErrInvalidCredentials         = errors.New("auth: invalid credentials")
	ErrAccountLocked              = errors.New("auth: account locked")
	ErrStaleSecurityStamp         = errors.New("auth: stale security stamp")
	ErrPermissionDenied           = errors.New("auth: permission denied")
	ErrResourceContextUnavailable = errors.New("auth: resource context unavailable")
	ErrUnauthenticated            = errors.New("auth: unauthenticated")
	ErrRefreshConflict            = errors.New("auth: refresh token changed concurrently")
	ErrInvalidInput               = errors.New("auth: invalid input")
	ErrNotImplemented             = errors.New("auth: not implemented")
)

// Token verification failures. Each one matches ErrInvalidToken via errors.Is.
var (
	ErrMalformedToken           = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrBadSignature             = fmt.Errorf("%w: bad signature", ErrInvalidToken)
	ErrWrongAlgorithm           = fmt.Errorf("%w: unexpected signing algorithm", ErrInvalidToken)
	ErrExpired                  = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrUnknownIssuerAudience    = fmt.Errorf("%w: unknown issuer or audience", ErrInvalidToken)
	ErrRefreshMismatchOrExpired = fmt.Errorf("%w: refresh token mismatch or expired", ErrInvalidToken)
)

// Boundary messages. Credential and refresh failures are never distinguished
// for the caller.
const (
	MsgInvalidLogin   = "Invalid username or password"
	MsgInvalidRefresh = "Invalid access token or refresh token"
)

// TokenErrorDescription returns a short description of a token failure kind
// suitable for a WWW-Authenticate error_description.
func TokenErrorDescription(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "token expired"
	case errors.Is(err, ErrBadSignature):
		return "invalid token signature"
	case errors.Is(err, ErrWrongAlgorithm):
		return "unexpected signing algorithm"
	case errors.Is(err, ErrUnknownIssuerAudience):
		return "unknown issuer or audience"
	case errors.Is(err, ErrMalformedToken):
		return "malformed token"
	default:
		return "invalid token"
	}
}
