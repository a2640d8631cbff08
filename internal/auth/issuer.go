package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultAccessTTL = 3 * time.Hour

// Issuer builds and signs access tokens for identities.
type Issuer struct {
	codec *Codec
	ttl   time.Duration
}

// NewIssuer returns an Issuer signing with codec. A non-positive ttl falls
// back to three hours.
func NewIssuer(codec *Codec, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &Issuer{codec: codec, ttl: ttl}
}

// TTL returns the access token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the identity's current role snapshot. Later role
// changes only show up in tokens issued after them.
func (i *Issuer) Issue(identity *Identity) (AccessToken, error) {
	if identity == nil {
		return AccessToken{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	roles := make([]string, len(identity.Roles))
	copy(roles, identity.Roles)
	return i.sign(Claims{
		Roles: roles,
		Stamp: StampFingerprint(identity.SecurityStamp),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: identity.Username,
		},
	})
}

// Reissue signs a fresh token (new id, issued-at and expiry) carrying the
// subject, roles and stamp of prior.
func (i *Issuer) Reissue(prior *Claims) (AccessToken, error) {
	if prior == nil {
		return AccessToken{}, fmt.Errorf("%w: claims are required", ErrInvalidInput)
	}
	roles := make([]string, len(prior.Roles))
	copy(roles, prior.Roles)
	return i.sign(Claims{
		Roles: roles,
		Stamp: prior.Stamp,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: prior.Subject,
		},
	})
}

func (i *Issuer) sign(claims Claims) (AccessToken, error) {
	claims.ID = uuid.NewString()
	token, exp, err := i.codec.Sign(claims, i.ttl)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: token, ExpiresAt: exp}, nil
}

// StampFingerprint derives the value embedded in tokens from a security
// stamp, so the raw stamp never leaves the store.
func StampFingerprint(stamp string) string {
	if stamp == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(stamp))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// stampMatches compares a token fingerprint with the stored stamp.
func stampMatches(fingerprint, stamp string) bool {
	want := StampFingerprint(stamp)
	if fingerprint == "" || want == "" || len(fingerprint) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(fingerprint), []byte(want)) == 1
}
