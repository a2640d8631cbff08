package auth

import "context"

// Store hands out request-scoped repositories used by the auth subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// IdentityStore reads identities and their role permission claims.
type IdentityStore interface {
	// FindByUsername looks an identity up by normalized username and returns
	// ErrNotFound when absent.
	FindByUsername(ctx context.Context, normalizedUsername string) (*Identity, error)
	// FindRoleClaims returns the distinct permission claim values carried by
	// any role assigned to the identity.
	FindRoleClaims(ctx context.Context, userID string) ([]string, error)
}

// RefreshTokenStore persists the single active refresh token of an identity.
type RefreshTokenStore interface {
	RefreshToken(ctx context.Context, userID string) (StoredRefreshToken, error)
	// SetRefreshToken overwrites whatever is stored.
	SetRefreshToken(ctx context.Context, userID string, tok StoredRefreshToken) error
	// SwapRefreshToken replaces the stored token only if its hash still equals
	// expectedHash, returning ErrRefreshConflict otherwise.
	SwapRefreshToken(ctx context.Context, userID, expectedHash string, next StoredRefreshToken) error
}

// UserDirectory lists account names. Optional; used by the user listing operation.
type UserDirectory interface {
	ListUsernames(ctx context.Context) ([]string, error)
}

// SplitStore returns a Store that reads identities from base and keeps
// refresh tokens in tokens. The user listing of base stays available.
func SplitStore(base Store, tokens RefreshTokenStore) Store {
	return &splitStore{base: base, tokens: tokens}
}

type splitStore struct {
	base   Store
	tokens RefreshTokenStore
}

func (s *splitStore) Identities(ctx context.Context) IdentityStore { return s.base.Identities(ctx) }

func (s *splitStore) RefreshTokens(context.Context) RefreshTokenStore { return s.tokens }

func (s *splitStore) ListUsernames(ctx context.Context) ([]string, error) {
	d, ok := s.base.(UserDirectory)
	if !ok {
		return nil, ErrNotImplemented
	}
	return d.ListUsernames(ctx)
}
