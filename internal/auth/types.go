package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the administrative role. Holders bypass per-operation
// permission checks.
const RoleAdmin = "Admin"

// Seeded role names.
const (
	RoleUser = "User"
	RoleHR   = "HR"
)

// Identity is a user account as read from the credential store.
type Identity struct {
	ID                 string
	Username           string
	NormalizedUsername string
	PasswordHash       string
	SecurityStamp      string
	// LockoutEnd is nil when the account is not locked.
	LockoutEnd *time.Time
	Roles      []string
}

// LockedAt reports whether the lockout is still active at t.
func (i *Identity) LockedAt(t time.Time) bool {
	return i.LockoutEnd != nil && i.LockoutEnd.After(t)
}

// Role groups permission claims.
type Role struct {
	ID          string
	Name        string
	Permissions []string
}

// Claims is the signed claim set carried by access tokens.
type Claims struct {
	Roles []string `json:"role,omitempty"`
	// Stamp is a fingerprint of the identity's security stamp at issuance.
	Stamp string `json:"sstamp,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claim set carries role (case-insensitive).
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// AccessToken is a signed token with its expiry instant.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// RefreshToken is the opaque value handed to the client.
type RefreshToken struct {
	Value     string
	ExpiresAt time.Time
}

// StoredRefreshToken is what the store keeps for an identity. Hash is the
// hex SHA-256 digest of the value; empty means no active token.
type StoredRefreshToken struct {
	Hash      string
	ExpiresAt time.Time
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	Access  AccessToken
	Refresh RefreshToken
}

// NormalizeUsername returns the lookup key for a username.
func NormalizeUsername(username string) string {
	return strings.ToUpper(strings.TrimSpace(username))
}
