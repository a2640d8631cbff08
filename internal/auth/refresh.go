package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	refreshTokenBytes = 64
)

// RefreshManager issues opaque refresh tokens and rotates them.
type RefreshManager struct {
	codec  *Codec
	issuer *Issuer
	store  Store
	ttl    time.Duration
	now    func() time.Time
}

// NewRefreshManager wires a RefreshManager. A non-positive ttl falls back to
// seven days.
func NewRefreshManager(codec *Codec, issuer *Issuer, store Store, ttl time.Duration, now func() time.Time) *RefreshManager {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RefreshManager{codec: codec, issuer: issuer, store: store, ttl: ttl, now: now}
}

// Issue generates a refresh token for identity and stores it, replacing any
// previous one.
func (m *RefreshManager) Issue(ctx context.Context, identity *Identity) (RefreshToken, error) {
	tok, stored, err := m.generate()
	if err != nil {
		return RefreshToken{}, err
	}
	if err := m.store.RefreshTokens(ctx).SetRefreshToken(ctx, identity.ID, stored); err != nil {
		return RefreshToken{}, fmt.Errorf("store refresh token: %w", err)
	}
	return tok, nil
}

// Rotate exchanges a (possibly expired) access token and the matching refresh
// token for a new pair. The presented refresh token is consumed: a second
// rotation with it fails. Every rejection is ErrRefreshMismatchOrExpired;
// only infrastructure failures surface as other errors.
func (m *RefreshManager) Rotate(ctx context.Context, accessToken, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshMismatchOrExpired
	}
	claims, err := m.codec.Verify(ctx, accessToken, VerifyOptions{IgnoreExpiry: true})
	if err != nil {
		return TokenPair{}, ErrRefreshMismatchOrExpired
	}

	identity, err := m.store.Identities(ctx).FindByUsername(ctx, NormalizeUsername(claims.Subject))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrRefreshMismatchOrExpired
		}
		return TokenPair{}, fmt.Errorf("load identity: %w", err)
	}

	tokens := m.store.RefreshTokens(ctx)
	stored, err := tokens.RefreshToken(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrRefreshMismatchOrExpired
		}
		return TokenPair{}, fmt.Errorf("load refresh token: %w", err)
	}
	now := m.now()
	if !hashesEqual(stored.Hash, HashRefreshToken(refreshToken)) || !now.Before(stored.ExpiresAt) {
		return TokenPair{}, ErrRefreshMismatchOrExpired
	}
	// A credential change or lockout since issuance ends the session too.
	if !stampMatches(claims.Stamp, identity.SecurityStamp) || identity.LockedAt(now) {
		return TokenPair{}, ErrRefreshMismatchOrExpired
	}

	access, err := m.issuer.Reissue(claims)
	if err != nil {
		return TokenPair{}, err
	}
	next, nextStored, err := m.generate()
	if err != nil {
		return TokenPair{}, err
	}
	if err := tokens.SwapRefreshToken(ctx, identity.ID, stored.Hash, nextStored); err != nil {
		if errors.Is(err, ErrRefreshConflict) {
			return TokenPair{}, ErrRefreshMismatchOrExpired
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return TokenPair{Access: access, Refresh: next}, nil
}

// Revoke clears the identity's refresh token.
func (m *RefreshManager) Revoke(ctx context.Context, identity *Identity) error {
	if err := m.store.RefreshTokens(ctx).SetRefreshToken(ctx, identity.ID, StoredRefreshToken{}); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (m *RefreshManager) generate() (RefreshToken, StoredRefreshToken, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return RefreshToken{}, StoredRefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	value := base64.StdEncoding.EncodeToString(buf)
	exp := m.now().UTC().Add(m.ttl)
	return RefreshToken{Value: value, ExpiresAt: exp},
		StoredRefreshToken{Hash: HashRefreshToken(value), ExpiresAt: exp},
		nil
}

// HashRefreshToken returns the hex SHA-256 digest under which a refresh
// token is stored.
func HashRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func hashesEqual(a, b string) bool {
	if a == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
