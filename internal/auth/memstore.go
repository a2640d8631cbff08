package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"usermanage.org/internal/ids"
)

// MemoryStore is an in-process Store. It backs local runs without a
// database and the tests.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity // by id
	byName     map[string]string    // normalized username -> id
	rolePerms  map[string][]string  // role name -> permission claims
	tokens     map[string]StoredRefreshToken
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*Identity),
		byName:     make(map[string]string),
		rolePerms:  make(map[string][]string),
		tokens:     make(map[string]StoredRefreshToken),
	}
}

func (m *MemoryStore) Identities(context.Context) IdentityStore        { return m }
func (m *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return m }

// PutIdentity creates an account with a bcrypt hash of password and a fresh
// security stamp.
func (m *MemoryStore) PutIdentity(username, password string, roles ...string) (*Identity, error) {
	key := NormalizeUsername(username)
	if key == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	identity := &Identity{
		ID:                 ids.New(),
		Username:           strings.TrimSpace(username),
		NormalizedUsername: key,
		PasswordHash:       hash,
		SecurityStamp:      uuid.NewString(),
		Roles:              slices.Clone(roles),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[key]; exists {
		return nil, fmt.Errorf("%w: username %q already taken", ErrInvalidInput, username)
	}
	m.identities[identity.ID] = identity
	m.byName[key] = identity.ID
	return cloneIdentity(identity), nil
}

// RotateSecurityStamp replaces the identity's stamp, invalidating tokens
// issued before the call.
func (m *MemoryStore) RotateSecurityStamp(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[userID]
	if !ok {
		return "", ErrNotFound
	}
	identity.SecurityStamp = uuid.NewString()
	return identity.SecurityStamp, nil
}

// SetLockout sets or clears (nil) the lockout end of an identity.
func (m *MemoryStore) SetLockout(userID string, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[userID]
	if !ok {
		return ErrNotFound
	}
	if until == nil {
		identity.LockoutEnd = nil
		return nil
	}
	end := *until
	identity.LockoutEnd = &end
	return nil
}

// GrantPermission attaches a permission claim to a role.
func (m *MemoryStore) GrantPermission(role, permission string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.rolePerms[role], permission) {
		m.rolePerms[role] = append(m.rolePerms[role], permission)
	}
}

func (m *MemoryStore) FindByUsername(_ context.Context, normalizedUsername string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[normalizedUsername]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(m.identities[id]), nil
}

func (m *MemoryStore) FindRoleClaims(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[userID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []string
	for _, role := range identity.Roles {
		for _, p := range m.rolePerms[role] {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) RefreshToken(_ context.Context, userID string) (StoredRefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.identities[userID]; !ok {
		return StoredRefreshToken{}, ErrNotFound
	}
	return m.tokens[userID], nil
}

func (m *MemoryStore) SetRefreshToken(_ context.Context, userID string, tok StoredRefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[userID]; !ok {
		return ErrNotFound
	}
	m.tokens[userID] = tok
	return nil
}

func (m *MemoryStore) SwapRefreshToken(_ context.Context, userID, expectedHash string, next StoredRefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[userID]; !ok {
		return ErrNotFound
	}
	if m.tokens[userID].Hash != expectedHash {
		return ErrRefreshConflict
	}
	m.tokens[userID] = next
	return nil
}

// ListUsernames returns usernames in lexical order.
func (m *MemoryStore) ListUsernames(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.identities))
	for _, identity := range m.identities {
		out = append(out, identity.Username)
	}
	sort.Strings(out)
	return out, nil
}

func cloneIdentity(in *Identity) *Identity {
	out := *in
	out.Roles = slices.Clone(in.Roles)
	if in.LockoutEnd != nil {
		end := *in.LockoutEnd
		out.LockoutEnd = &end
	}
	return &out
}
