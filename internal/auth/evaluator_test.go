package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type evaluatorFixture struct {
	clock *testClock
	store *MemoryStore
	users map[string]*Identity
}

func newEvaluatorFixture(t *testing.T) *evaluatorFixture {
	t.Helper()
	f := &evaluatorFixture{
		clock: &testClock{t: testEpoch},
		store: NewMemoryStore(),
		users: make(map[string]*Identity),
	}
	f.store.GrantPermission(RoleHR, PermUserGetAll)
	f.store.GrantPermission(RoleHR, "Report.Read")
	for name, role := range map[string]string{"alice": RoleUser, "root": RoleAdmin, "helen": RoleHR} {
		identity, err := f.store.PutIdentity(name, "pw-"+name, role)
		if err != nil {
			t.Fatalf("PutIdentity(%s): %v", name, err)
		}
		f.users[name] = identity
	}
	return f
}

func (f *evaluatorFixture) claims(name string) *Claims {
	identity := f.users[name]
	return &Claims{
		Roles: slices.Clone(identity.Roles),
		Stamp: StampFingerprint(identity.SecurityStamp),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: identity.Username,
			ID:      "jti-" + name,
		},
	}
}

func (f *evaluatorFixture) evaluator(cfg EvaluatorConfig) *Evaluator {
	cfg.Now = f.clock.Now
	return NewEvaluator(f.store, cfg)
}

func resource(perms ...string) *Resource {
	return &Resource{
		Operation: Operation{Name: "test.op", Permissions: perms},
		Transport: "test",
	}
}

func TestEvaluatorDecisions(t *testing.T) {
	f := newEvaluatorFixture(t)
	e := f.evaluator(EvaluatorConfig{})

	cases := []struct {
		name     string
		req      Request
		decision Decision
		step     string
		err      error
	}{
		{"no resource, authenticated", Request{Principal: f.claims("alice")}, Allow, StepNoResourceContext, nil},
		{"no resource, anonymous", Request{}, Deny, StepNoResourceContext, ErrUnauthenticated},
		{"missing transport", Request{Principal: f.claims("alice"), Resource: &Resource{}}, Deny, StepTransportContext, ErrResourceContextUnavailable},
		{"anonymous", Request{Resource: resource(PermUserGetAll)}, Deny, StepAuthenticated, ErrUnauthenticated},
		{"admin bypass", Request{Principal: f.claims("root"), Resource: resource("Nobody.Has.This")}, Allow, StepAdminBypass, nil},
		{"permission granted", Request{Principal: f.claims("helen"), Resource: resource(PermUserGetAll)}, Allow, StepPermissionLookup, nil},
		{"permission missing", Request{Principal: f.claims("alice"), Resource: resource(PermUserGetAll)}, Deny, StepPermissionLookup, ErrPermissionDenied},
		{"no metadata", Request{Principal: f.claims("alice"), Resource: resource()}, Allow, StepPermissionLookup, nil},
		{"or semantics across entries", Request{Principal: f.claims("helen"), Resource: resource("A", "Report.Read")}, Allow, StepPermissionLookup, nil},
		{"or semantics within entry", Request{Principal: f.claims("helen"), Resource: resource("A; B | Report.Read")}, Allow, StepPermissionLookup, nil},
		{"none of the alternatives", Request{Principal: f.claims("helen"), Resource: resource("A, B")}, Deny, StepPermissionLookup, ErrPermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := e.Evaluate(context.Background(), tc.req)
			if v.Decision != tc.decision || v.Step != tc.step {
				t.Fatalf("expected %s at %s, got %s at %s (%v)", tc.decision, tc.step, v.Decision, v.Step, v.Err)
			}
			if tc.err != nil && !errors.Is(v.Err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, v.Err)
			}
			if v.Allowed() != (tc.decision == Allow) {
				t.Fatalf("Allowed() disagrees with decision")
			}
		})
	}
}

func TestEvaluatorSecurityStampInvalidation(t *testing.T) {
	f := newEvaluatorFixture(t)
	e := f.evaluator(EvaluatorConfig{})
	ctx := context.Background()

	for _, name := range []string{"alice", "root", "helen"} {
		claims := f.claims(name)
		if _, err := f.store.RotateSecurityStamp(f.users[name].ID); err != nil {
			t.Fatalf("RotateSecurityStamp: %v", err)
		}
		v := e.Evaluate(ctx, Request{Principal: claims, Resource: resource()})
		if v.Allowed() || v.Step != StepSecurityStampCheck || !errors.Is(v.Err, ErrStaleSecurityStamp) {
			t.Fatalf("%s: expected stale stamp denial, got %+v", name, v)
		}
	}

	ghost := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ghost"}, Roles: []string{RoleAdmin}}
	if v := e.Evaluate(ctx, Request{Principal: ghost, Resource: resource()}); !errors.Is(v.Err, ErrStaleSecurityStamp) {
		t.Fatalf("unknown subject should fail the freshness check, got %+v", v)
	}
}

func TestEvaluatorLockout(t *testing.T) {
	f := newEvaluatorFixture(t)
	e := f.evaluator(EvaluatorConfig{})
	until := testEpoch.Add(time.Minute)
	if err := f.store.SetLockout(f.users["root"].ID, &until); err != nil {
		t.Fatalf("SetLockout: %v", err)
	}
	v := e.Evaluate(context.Background(), Request{Principal: f.claims("root"), Resource: resource()})
	if v.Allowed() || !errors.Is(v.Err, ErrAccountLocked) {
		t.Fatalf("locked admin must be denied, got %+v", v)
	}
	f.clock.Advance(time.Minute)
	if v := e.Evaluate(context.Background(), Request{Principal: f.claims("root"), Resource: resource()}); !v.Allowed() {
		t.Fatalf("expected allow once lockout ended, got %+v", v)
	}
}

func TestEvaluatorDefaultDeny(t *testing.T) {
	f := newEvaluatorFixture(t)
	e := f.evaluator(EvaluatorConfig{DefaultDeny: true})
	ctx := context.Background()

	if v := e.Evaluate(ctx, Request{Principal: f.claims("alice"), Resource: resource()}); v.Allowed() {
		t.Fatalf("expected deny without declared permissions")
	}
	if v := e.Evaluate(ctx, Request{Principal: f.claims("root"), Resource: resource()}); !v.Allowed() || v.Step != StepAdminBypass {
		t.Fatalf("admin bypass must still apply, got %+v", v)
	}
}

func TestEvaluatorObserverAndOrder(t *testing.T) {
	f := newEvaluatorFixture(t)
	var (
		mu   sync.Mutex
		seen []string
	)
	e := f.evaluator(EvaluatorConfig{Observe: func(step, decision string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, step+":"+decision)
	}})

	want := []string{StepTransportContext, StepAuthenticated, StepSecurityStampCheck, StepAdminBypass, StepPermissionLookup}
	if got := e.Steps(); !slices.Equal(got, want) {
		t.Fatalf("unexpected step order %v", got)
	}

	e.Evaluate(context.Background(), Request{Principal: f.claims("root"), Resource: resource(PermUserGetAll)})
	e.Evaluate(context.Background(), Request{Principal: f.claims("alice"), Resource: resource(PermUserGetAll)})
	if !slices.Equal(seen, []string{"AdminBypass:allow", "PermissionLookup:deny"}) {
		t.Fatalf("unexpected observations %v", seen)
	}
}

// gatedStore blocks identity lookups until release is closed. A lookup
// whose context ends first fails with the context error.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) Identities(context.Context) IdentityStore { return s }

func (s *gatedStore) FindByUsername(ctx context.Context, key string) (*Identity, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return s.MemoryStore.FindByUsername(ctx, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEvaluatorCancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newEvaluatorFixture(t)
	store := &gatedStore{MemoryStore: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEvaluator(store, EvaluatorConfig{Now: f.clock.Now})
	req := Request{Principal: f.claims("helen"), Resource: resource(PermUserGetAll)}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	first := make(chan Verdict, 1)
	go func() { first <- e.Evaluate(ctxA, req) }()
	<-store.entered

	second := make(chan Verdict, 1)
	go func() { second <- e.Evaluate(context.Background(), req) }()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case v := <-first:
		if v.Allowed() || !errors.Is(v.Err, context.Canceled) {
			t.Fatalf("cancelled caller: expected context.Canceled denial, got %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled caller did not return")
	}

	close(store.release)
	select {
	case v := <-second:
		if !v.Allowed() || v.Step != StepPermissionLookup {
			t.Fatalf("independent caller: expected allow at %s, got %+v", StepPermissionLookup, v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("independent caller did not return")
	}
}

func TestParseRequiredPermissions(t *testing.T) {
	got := ParseRequiredPermissions([]string{"User.GetAll, User.Edit", "User.Edit;Report.Read|Audit.Read", "  ", "Ops.Run\tOps.Stop"})
	want := []string{"User.GetAll", "User.Edit", "Report.Read", "Audit.Read", "Ops.Run", "Ops.Stop"}
	if !slices.Equal(got, want) {
		t.Fatalf("ParseRequiredPermissions=%v, want %v", got, want)
	}
	if got := ParseRequiredPermissions(nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ClaimsFromContext(ctx); ok {
		t.Fatalf("unexpected claims in empty context")
	}
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
	ctx = ContextWithToken(ContextWithClaims(ctx, claims), "tok")
	got, ok := ClaimsFromContext(ctx)
	if !ok || got.Subject != "alice" {
		t.Fatalf("unexpected claims: %+v, ok=%v", got, ok)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token %q", tok)
	}
}
