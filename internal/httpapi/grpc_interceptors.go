package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"usermanage.org/internal/auth"
)

const (
	authorizationKey = "authorization"
	accessTokenKey   = "access_token"
	bearerPrefix     = "bearer "
)

// GRPCAuthOptions fine-tunes GRPCAuthInterceptor.
type GRPCAuthOptions struct {
	// Operations maps full method names to the operation they invoke.
	// Methods without an entry are served without authentication.
	Operations map[string]auth.Operation
	Logger     *zap.Logger
}

// GRPCAuthInterceptor authenticates bearer tokens from metadata and runs the
// permission evaluator for guarded methods.
type GRPCAuthInterceptor struct {
	svc    *auth.Service
	ops    map[string]auth.Operation
	logger *zap.Logger
}

func NewGRPCAuthInterceptor(svc *auth.Service, opts GRPCAuthOptions) *GRPCAuthInterceptor {
	ops := make(map[string]auth.Operation, len(opts.Operations))
	for method, op := range opts.Operations {
		if method = strings.TrimSpace(method); method != "" {
			ops[method] = op
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCAuthInterceptor{svc: svc, ops: ops, logger: logger}
}

// Unary returns the unary server interceptor.
func (ai *GRPCAuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := ai.authorize(ctx, info.FullMethod, info)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (ai *GRPCAuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := ai.authorize(ss.Context(), info.FullMethod, info)
		if err != nil {
			return err
		}
		return handler(srv, &authorizedStream{ServerStream: ss, ctx: ctx})
	}
}

func (ai *GRPCAuthInterceptor) authorize(ctx context.Context, method string, transport any) (context.Context, error) {
	op, guarded := ai.ops[method]
	if !guarded || ai.svc == nil {
		return ctx, nil
	}

	token, err := tokenFromMetadata(ctx)
	if err != nil {
		ai.logger.Warn("gRPC authentication failed", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	claims, err := ai.svc.Authenticate(ctx, token)
	if err != nil {
		ai.logger.Warn("gRPC token validation failed", zap.String("method", method), zap.Error(err))
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, status.Error(codes.Unauthenticated, auth.TokenErrorDescription(err))
		}
		return nil, status.Error(codes.Internal, "failed to validate access token")
	}

	verdict := ai.svc.Authorize(ctx, auth.Request{
		Principal: claims,
		Resource:  &auth.Resource{Operation: op, Transport: transport},
	})
	if !verdict.Allowed() {
		ai.logger.Info("gRPC request denied",
			zap.String("method", method),
			zap.String("subject", claims.Subject),
			zap.String("step", verdict.Step),
			zap.Error(verdict.Err))
		return nil, verdictStatus(verdict)
	}

	ctx = auth.ContextWithClaims(ctx, claims)
	return auth.ContextWithToken(ctx, token), nil
}

func verdictStatus(v auth.Verdict) error {
	switch {
	case errors.Is(v.Err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(v.Err, auth.ErrPermissionDenied),
		errors.Is(v.Err, auth.ErrStaleSecurityStamp),
		errors.Is(v.Err, auth.ErrAccountLocked),
		errors.Is(v.Err, auth.ErrResourceContextUnavailable):
		return status.Error(codes.PermissionDenied, "permission denied")
	default:
		return status.Error(codes.Internal, "authorization error")
	}
}

type authorizedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authorizedStream) Context() context.Context { return s.ctx }

// tokenFromMetadata reads "authorization: Bearer <token>", falling back to a
// bare "access_token" entry.
func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}

	if values := md.Get(authorizationKey); len(values) > 0 && strings.TrimSpace(values[0]) != "" {
		value := strings.TrimSpace(values[0])
		if len(value) < len(bearerPrefix) || !strings.HasPrefix(strings.ToLower(value), bearerPrefix) {
			return "", errors.New("invalid authorization header")
		}
		token := strings.TrimSpace(value[len(bearerPrefix):])
		if token == "" {
			return "", errors.New("authorization token required")
		}
		return token, nil
	}

	if values := md.Get(accessTokenKey); len(values) > 0 {
		if token := strings.TrimSpace(values[0]); token != "" {
			return token, nil
		}
	}
	return "", errors.New("authorization token required")
}

// GRPCLoggingUnary logs one entry per unary call.
func GRPCLoggingUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc_request_complete",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}
