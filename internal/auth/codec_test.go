package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testEpoch = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodec(t *testing.T, clock *testClock) *Codec {
	t.Helper()
	codec, err := NewCodec("usermanage", "usermanage-api", testSecret, clock.Now)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestCodecRoundTrip(t *testing.T) {
	clock := &testClock{t: testEpoch}
	codec := newTestCodec(t, clock)

	in := Claims{
		Roles: []string{RoleAdmin, RoleUser},
		Stamp: StampFingerprint("stamp-1"),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "alice",
			ID:      "jti-1",
		},
	}
	token, exp, err := codec.Sign(in, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !exp.Equal(testEpoch.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", exp)
	}

	clock.Advance(59 * time.Minute)
	out, err := codec.Verify(context.Background(), token, VerifyOptions{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out.Subject != "alice" || out.ID != "jti-1" || out.Stamp != in.Stamp {
		t.Fatalf("claims not preserved: %+v", out)
	}
	if !slices.Equal(out.Roles, in.Roles) {
		t.Fatalf("roles not preserved: %v", out.Roles)
	}
	if out.Issuer != "usermanage" || !slices.Contains(out.Audience, "usermanage-api") {
		t.Fatalf("unexpected iss/aud: %s %v", out.Issuer, out.Audience)
	}
	if !out.IssuedAt.Time.Equal(testEpoch) {
		t.Fatalf("unexpected iat: %v", out.IssuedAt)
	}
}

func TestCodecExpiryBoundary(t *testing.T) {
	clock := &testClock{t: testEpoch}
	codec := newTestCodec(t, clock)
	token, _, err := codec.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	clock.t = testEpoch.Add(time.Hour - time.Second)
	if _, err := codec.Verify(context.Background(), token, VerifyOptions{}); err != nil {
		t.Fatalf("expected token valid one second before expiry: %v", err)
	}

	clock.t = testEpoch.Add(time.Hour)
	if _, err := codec.Verify(context.Background(), token, VerifyOptions{}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at exp, got %v", err)
	}

	clock.Advance(30 * 24 * time.Hour)
	claims, err := codec.Verify(context.Background(), token, VerifyOptions{IgnoreExpiry: true})
	if err != nil {
		t.Fatalf("relaxed verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestCodecRejects(t *testing.T) {
	clock := &testClock{t: testEpoch}
	codec := newTestCodec(t, clock)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}

	valid, _, err := codec.Sign(claims, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	parts := strings.Split(valid, ".")
	sig := []byte(parts[2])
	mid := len(sig) / 2
	if sig[mid] == 'A' {
		sig[mid] = 'B'
	} else {
		sig[mid] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	otherKey, err := NewCodec("usermanage", "usermanage-api", strings.Repeat("z", 32), clock.Now)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	wrongKey, _, _ := otherKey.Sign(claims, time.Hour)

	otherIssuer, _ := NewCodec("someone-else", "usermanage-api", testSecret, clock.Now)
	wrongIssuer, _, _ := otherIssuer.Sign(claims, time.Hour)

	otherAudience, _ := NewCodec("usermanage", "another-api", testSecret, clock.Now)
	wrongAudience, _, _ := otherAudience.Sign(claims, time.Hour)

	exp := jwt.NewNumericDate(testEpoch.Add(time.Hour))
	foreign := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "usermanage",
		Audience:  jwt.ClaimStrings{"usermanage-api"},
		ExpiresAt: exp,
	}}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &foreign).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign HS512: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &foreign).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMalformedToken},
		{"garbage", "not-a-token", ErrMalformedToken},
		{"tampered signature", tampered, ErrBadSignature},
		{"other secret", wrongKey, ErrBadSignature},
		{"hs512", hs512, ErrWrongAlgorithm},
		{"alg none", none, ErrWrongAlgorithm},
		{"wrong issuer", wrongIssuer, ErrUnknownIssuerAudience},
		{"wrong audience", wrongAudience, ErrUnknownIssuerAudience},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := codec.Verify(context.Background(), tc.token, VerifyOptions{IgnoreExpiry: true})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected error to wrap ErrInvalidToken: %v", err)
			}
			if got != nil {
				t.Fatalf("expected no claims on failure, got %+v", got)
			}
		})
	}
}

func TestNewCodecValidation(t *testing.T) {
	if _, err := NewCodec("usermanage", "usermanage-api", "short", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected short secret to be rejected, got %v", err)
	}
	if _, err := NewCodec("", "usermanage-api", testSecret, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing issuer to be rejected, got %v", err)
	}
}

func TestTokenErrorDescription(t *testing.T) {
	if got := TokenErrorDescription(ErrExpired); got != "token expired" {
		t.Fatalf("unexpected description %q", got)
	}
	if got := TokenErrorDescription(errors.New("boom")); got != "invalid token" {
		t.Fatalf("unexpected description %q", got)
	}
}
