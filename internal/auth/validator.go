package auth

import (
	"context"
	"errors"
	"time"
)

// Validator checks username/password pairs against the credential store.
type Validator struct {
	store Store
	now   func() time.Time
}

// NewValidator returns a Validator reading from store.
func NewValidator(store Store, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{store: store, now: now}
}

// Validate returns the identity for a correct username/password pair. It
// fails with ErrNotFound, ErrAccountLocked or ErrInvalidCredentials, in that
// order of checks, and never writes to the store. An identity without a
// security stamp cannot sign in.
func (v *Validator) Validate(ctx context.Context, username, password string) (*Identity, error) {
	key := NormalizeUsername(username)
	if key == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	identity, err := v.store.Identities(ctx).FindByUsername(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnComparison(password)
		}
		return nil, err
	}
	if identity.LockedAt(v.now()) {
		return nil, ErrAccountLocked
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	// Tokens carry the stamp fingerprint; without a stamp none would verify.
	if identity.SecurityStamp == "" {
		return nil, ErrInvalidCredentials
	}
	return identity, nil
}
