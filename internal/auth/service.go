package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultIssuer   = "usermanage"
	defaultAudience = "usermanage-api"
)

// Service ties the credential validator, token issuer, refresh manager and
// permission evaluator together behind the operations exposed on the wire.
type Service struct {
	store     Store
	directory UserDirectory
	now       func() time.Time

	issuerName  string
	audience    string
	secret      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	defaultDeny bool
	observe     func(step, decision string)

	codec     *Codec
	issuer    *Issuer
	validator *Validator
	refresh   *RefreshManager
	evaluator *Evaluator
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSecret sets the HS256 signing secret. Required.
func WithSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.secret = secret
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuerName = v
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(audience string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(audience); v != "" {
			s.audience = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDefaultDeny denies operations that declare no permissions.
func WithDefaultDeny(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.defaultDeny = enabled
		return nil
	}
}

// WithDecisionObserver receives the deciding step and decision of every
// authorization.
func WithDecisionObserver(fn func(step, decision string)) ServiceOption {
	return func(s *Service) error {
		s.observe = fn
		return nil
	}
}

// WithUserDirectory sets the source of the user listing. By default the
// store is used when it implements UserDirectory.
func WithUserDirectory(d UserDirectory) ServiceOption {
	return func(s *Service) error {
		s.directory = d
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		issuerName: defaultIssuer,
		audience:   defaultAudience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	if d, ok := store.(UserDirectory); ok {
		svc.directory = d
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	codec, err := NewCodec(svc.issuerName, svc.audience, svc.secret, svc.now)
	if err != nil {
		return nil, err
	}
	svc.codec = codec
	svc.issuer = NewIssuer(codec, svc.accessTTL)
	svc.validator = NewValidator(store, svc.now)
	svc.refresh = NewRefreshManager(codec, svc.issuer, store, svc.refreshTTL, svc.now)
	svc.evaluator = NewEvaluator(store, EvaluatorConfig{
		DefaultDeny: svc.defaultDeny,
		Observe:     svc.observe,
		Now:         svc.now,
	})
	return svc, nil
}

// Login checks credentials and issues a fresh token pair, replacing any
// refresh token the identity held before.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, *Identity, error) {
	identity, err := s.validator.Validate(ctx, username, password)
	if err != nil {
		return TokenPair{}, nil, err
	}
	access, err := s.issuer.Issue(identity)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, err := s.refresh.Issue(ctx, identity)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return TokenPair{Access: access, Refresh: refresh}, identity, nil
}

// Refresh rotates a token pair. See RefreshManager.Rotate.
func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken string) (TokenPair, error) {
	return s.refresh.Rotate(ctx, accessToken, refreshToken)
}

// Authenticate verifies an access token strictly, expiry included.
func (s *Service) Authenticate(ctx context.Context, token string) (*Claims, error) {
	return s.codec.Verify(ctx, token, VerifyOptions{})
}

// Authorize runs the permission evaluator.
func (s *Service) Authorize(ctx context.Context, req Request) Verdict {
	return s.evaluator.Evaluate(ctx, req)
}

// Revoke clears the refresh token of username. Unknown users are not an
// error.
func (s *Service) Revoke(ctx context.Context, username string) error {
	identity, err := s.store.Identities(ctx).FindByUsername(ctx, NormalizeUsername(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.refresh.Revoke(ctx, identity)
}

// ListUsers returns all usernames known to the directory.
func (s *Service) ListUsers(ctx context.Context) ([]string, error) {
	if s.directory == nil {
		return nil, ErrNotImplemented
	}
	return s.directory.ListUsernames(ctx)
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }
