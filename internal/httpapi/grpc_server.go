package httpapi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"usermanage.org/internal/auth"
)

const (
	serviceName     = "usermanage-api"
	userServiceName = "usermanage.v1.UserService"
)

// Full gRPC method names of the user service.
const (
	MethodGetInfo   = "/" + userServiceName + "/GetInfo"
	MethodWhoAmI    = "/" + userServiceName + "/WhoAmI"
	MethodListUsers = "/" + userServiceName + "/ListUsers"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer serves the user service and the standard health service.
type GRPCServer struct {
	grpc_health_v1.UnimplementedHealthServer

	svc       *auth.Service
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(svc *auth.Service, r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		svc:       svc,
		readiness: r,
		version:   version,
	}
}

// userServiceServer is the handler type of the user service descriptor.
type userServiceServer interface {
	GetInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListUsers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func unaryMethod(name string, call func(userServiceServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + userServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(userServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(userServiceServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var userServiceDesc = grpc.ServiceDesc{
	ServiceName: userServiceName,
	HandlerType: (*userServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetInfo", userServiceServer.GetInfo),
		unaryMethod("WhoAmI", userServiceServer.WhoAmI),
		unaryMethod("ListUsers", userServiceServer.ListUsers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "usermanage/v1/user.proto",
}

// Register attaches the user and health services to server.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&userServiceDesc, s)
	grpc_health_v1.RegisterHealthServer(server, s)
}

// GetInfo returns service metadata.
func (s *GRPCServer) GetInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"name":    serviceName,
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// WhoAmI describes the authenticated caller.
func (s *GRPCServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	roles := make([]any, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, r)
	}
	fields := map[string]any{
		"username": claims.Subject,
		"roles":    roles,
		"tokenId":  claims.ID,
	}
	if claims.ExpiresAt != nil {
		fields["expiresAt"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(fields)
}

// ListUsers returns every known username.
func (s *GRPCServer) ListUsers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	users, err := s.svc.ListUsers(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotImplemented) {
			return nil, status.Error(codes.Unimplemented, "user listing is not available")
		}
		return nil, status.Error(codes.Internal, "list users failed")
	}
	list := make([]any, 0, len(users))
	for _, u := range users {
		list = append(list, u)
	}
	return structpb.NewStruct(map[string]any{"users": list})
}

// Check reports NOT_SERVING while a dependency is unreachable.
func (s *GRPCServer) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// GRPCOptions configures NewGRPCService.
type GRPCOptions struct {
	Version string
	Logger  *zap.Logger
}

// Operations guarded on the gRPC surface. Methods missing from the map are
// public.
var grpcOperations = map[string]auth.Operation{
	MethodWhoAmI:    opMe,
	MethodListUsers: opGetUsers,
}

// NewGRPCService builds a grpc.Server with logging and authorization
// interceptors and every service registered.
func NewGRPCService(svc *auth.Service, r readinessChecker, opts GRPCOptions) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authz := NewGRPCAuthInterceptor(svc, GRPCAuthOptions{
		Operations: grpcOperations,
		Logger:     logger,
	})
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(GRPCLoggingUnary(logger), authz.Unary()),
		grpc.ChainStreamInterceptor(authz.Stream()),
	)
	// No reflection: the user service descriptor has no registered proto file.
	NewGRPCServer(svc, r, opts.Version).Register(server)
	return server
}
