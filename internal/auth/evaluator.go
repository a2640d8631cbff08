package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// Decision is the outcome of a single policy step.
type Decision int

const (
	Continue Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// Policy step names, in evaluation order.
const (
	StepNoResourceContext  = "NoResourceContext"
	StepTransportContext   = "TransportContext"
	StepAuthenticated      = "Authenticated"
	StepSecurityStampCheck = "SecurityStampCheck"
	StepAdminBypass        = "AdminBypass"
	StepPermissionLookup   = "PermissionLookup"
	// StepExhausted is reported when no step reached a decision.
	StepExhausted = "Exhausted"
)

// Resource describes the protected operation being invoked and the transport
// context it was invoked through (an *http.Request, gRPC method info, ...).
type Resource struct {
	Operation Operation
	Transport any
}

// Request is the input of one authorization decision. Principal is nil for
// anonymous callers; Resource is nil when the caller supplied no
// operation-specific context.
type Request struct {
	Principal *Claims
	Resource  *Resource
}

// Verdict is the final decision and the step that produced it.
type Verdict struct {
	Decision Decision
	Step     string
	Err      error
}

// Allowed reports whether the request may proceed.
func (v Verdict) Allowed() bool { return v.Decision == Allow }

type evaluation struct {
	req      Request
	identity *Identity
}

type policyStep struct {
	name string
	run  func(ctx context.Context, ev *evaluation) (Decision, error)
}

// EvaluatorConfig tunes an Evaluator.
type EvaluatorConfig struct {
	// DefaultDeny makes operations without declared permissions deny
	// everyone but administrators.
	DefaultDeny bool
	// Observe, when set, is called once per verdict.
	Observe func(step, decision string)
	Now     func() time.Time
}

// Evaluator decides whether an authenticated caller may invoke an operation.
// It runs a fixed sequence of policy steps and stops at the first one that
// allows or denies. Running out of steps is a denial.
type Evaluator struct {
	store       Store
	now         func() time.Time
	defaultDeny bool
	observe     func(step, decision string)
	lookups     singleflight.Group
	steps       []policyStep
}

// NewEvaluator builds an Evaluator reading identities from store.
func NewEvaluator(store Store, cfg EvaluatorConfig) *Evaluator {
	e := &Evaluator{store: store, now: cfg.Now, defaultDeny: cfg.DefaultDeny, observe: cfg.Observe}
	if e.now == nil {
		e.now = time.Now
	}
	// Admin bypass must stay ahead of the permission lookup.
	e.steps = []policyStep{
		{StepTransportContext, e.transportContext},
		{StepAuthenticated, e.authenticated},
		{StepSecurityStampCheck, e.securityStamp},
		{StepAdminBypass, e.adminBypass},
		{StepPermissionLookup, e.permissionLookup},
	}
	return e
}

// Steps returns the step names in evaluation order.
func (e *Evaluator) Steps() []string {
	names := make([]string, len(e.steps))
	for i, s := range e.steps {
		names[i] = s.name
	}
	return names
}

// Evaluate runs the policy against req.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Verdict {
	ctx, span := tracer.Start(ctx, "auth.evaluate")
	defer span.End()
	if req.Resource != nil {
		span.SetAttributes(attribute.String("auth.operation", req.Resource.Operation.Name))
	}

	v := e.evaluate(ctx, req)

	span.SetAttributes(
		attribute.String("auth.step", v.Step),
		attribute.String("auth.decision", v.Decision.String()),
	)
	if v.Err != nil {
		span.SetStatus(codes.Error, v.Err.Error())
	}
	if e.observe != nil {
		e.observe(v.Step, v.Decision.String())
	}
	return v
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) Verdict {
	if req.Resource == nil {
		if authenticated(req.Principal) {
			return Verdict{Decision: Allow, Step: StepNoResourceContext}
		}
		return Verdict{Decision: Deny, Step: StepNoResourceContext, Err: ErrUnauthenticated}
	}
	ev := &evaluation{req: req}
	for _, s := range e.steps {
		d, err := s.run(ctx, ev)
		switch d {
		case Allow:
			return Verdict{Decision: Allow, Step: s.name}
		case Deny:
			if err == nil {
				err = ErrPermissionDenied
			}
			return Verdict{Decision: Deny, Step: s.name, Err: err}
		}
	}
	return Verdict{Decision: Deny, Step: StepExhausted, Err: ErrPermissionDenied}
}

func (e *Evaluator) transportContext(_ context.Context, ev *evaluation) (Decision, error) {
	if ev.req.Resource.Transport == nil {
		return Deny, ErrResourceContextUnavailable
	}
	return Continue, nil
}

func (e *Evaluator) authenticated(_ context.Context, ev *evaluation) (Decision, error) {
	if !authenticated(ev.req.Principal) {
		return Deny, ErrUnauthenticated
	}
	return Continue, nil
}

func (e *Evaluator) securityStamp(ctx context.Context, ev *evaluation) (Decision, error) {
	identity, err := e.lookup(ctx, ev.req.Principal.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Deny, ErrStaleSecurityStamp
		}
		return Deny, fmt.Errorf("load identity: %w", err)
	}
	if !stampMatches(ev.req.Principal.Stamp, identity.SecurityStamp) {
		return Deny, ErrStaleSecurityStamp
	}
	if identity.LockedAt(e.now()) {
		return Deny, ErrAccountLocked
	}
	ev.identity = identity
	return Continue, nil
}

func (e *Evaluator) adminBypass(_ context.Context, ev *evaluation) (Decision, error) {
	if ev.req.Principal.HasRole(RoleAdmin) {
		return Allow, nil
	}
	return Continue, nil
}

func (e *Evaluator) permissionLookup(ctx context.Context, ev *evaluation) (Decision, error) {
	required := ParseRequiredPermissions(ev.req.Resource.Operation.Permissions)
	if len(required) == 0 {
		if e.defaultDeny {
			return Deny, ErrPermissionDenied
		}
		return Allow, nil
	}
	granted, err := e.store.Identities(ctx).FindRoleClaims(ctx, ev.identity.ID)
	if err != nil {
		return Deny, fmt.Errorf("load role claims: %w", err)
	}
	want := make(map[string]struct{}, len(required))
	for _, p := range required {
		want[p] = struct{}{}
	}
	for _, p := range granted {
		if _, ok := want[p]; ok {
			return Allow, nil
		}
	}
	return Deny, ErrPermissionDenied
}

// lookup coalesces concurrent lookups of the same username. The shared
// call is detached from any single caller's cancellation; each caller
// stops waiting when its own context ends.
func (e *Evaluator) lookup(ctx context.Context, username string) (*Identity, error) {
	key := NormalizeUsername(username)
	if key == "" {
		return nil, ErrNotFound
	}
	shared := context.WithoutCancel(ctx)
	ch := e.lookups.DoChan(key, func() (any, error) {
		return e.store.Identities(shared).FindByUsername(shared, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Identity), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func authenticated(c *Claims) bool {
	return c != nil && c.Subject != ""
}
