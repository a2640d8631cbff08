package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// minSecretLength is the shortest accepted HS256 secret (256 bits).
const minSecretLength = 32

var tracer = otel.Tracer("usermanage.org/internal/auth")

// VerifyOptions tunes token verification.
type VerifyOptions struct {
	// IgnoreExpiry skips only the expiry check. Signature, algorithm, issuer
	// and audience are still enforced. Used by the refresh flow, which
	// legitimately presents an access token that has already expired.
	IgnoreExpiry bool
}

// Codec signs and verifies HS256 access tokens.
type Codec struct {
	issuer   string
	audience string
	secret   []byte
	now      func() time.Time
	parser   *jwt.Parser
}

// NewCodec constructs a Codec. The secret is copied and never changes
// afterwards, so a Codec is safe for concurrent use.
func NewCodec(issuer, audience, secret string, now func() time.Time) (*Codec, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: issuer and audience are required", ErrInvalidInput)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: secret key must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		now:      now,
		// Registered claims are validated by hand so that every failure maps
		// onto exactly one error kind, with zero leeway.
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
	}, nil
}

// Sign stamps issuer, audience, issued-at and expiry onto claims and signs
// them. It returns the token together with its expiry instant.
func (c *Codec) Sign(claims Claims, lifetime time.Duration) (string, time.Time, error) {
	if lifetime <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: lifetime must be greater than zero", ErrInvalidInput)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(lifetime)

	claims.Issuer = c.issuer
	claims.Audience = jwt.ClaimStrings{c.audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.NotBefore = nil

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses token and returns its claims, or one of ErrMalformedToken,
// ErrBadSignature, ErrWrongAlgorithm, ErrExpired, ErrUnknownIssuerAudience.
// A failed verification never returns claims.
func (c *Codec) Verify(ctx context.Context, token string, opts VerifyOptions) (*Claims, error) {
	_, span := tracer.Start(ctx, "auth.codec.verify")
	defer span.End()
	span.SetAttributes(attribute.Bool("auth.ignore_expiry", opts.IgnoreExpiry))

	claims, err := c.verify(token, opts)
	if err != nil {
		span.SetStatus(codes.Error, TokenErrorDescription(err))
		return nil, err
	}
	return claims, nil
}

func (c *Codec) verify(token string, opts VerifyOptions) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}
	claims := &Claims{}
	if _, err := c.parser.ParseWithClaims(token, claims, c.key); err != nil {
		return nil, classifyParseError(err)
	}
	if claims.Issuer != c.issuer || !slices.Contains(claims.Audience, c.audience) {
		return nil, ErrUnknownIssuerAudience
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformedToken
	}
	if !opts.IgnoreExpiry && !c.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	return claims, nil
}

func (c *Codec) key(t *jwt.Token) (any, error) {
	if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, ErrWrongAlgorithm
	}
	return c.secret, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrWrongAlgorithm):
		return ErrWrongAlgorithm
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// alg header missing or naming an unregistered method
		return ErrWrongAlgorithm
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	default:
		return ErrMalformedToken
	}
}
