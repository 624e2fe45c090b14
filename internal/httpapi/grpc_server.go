package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/fault"
	"tessera.org/internal/obs"
)

// AuthorizationServiceName is the fully qualified gRPC service name.
const AuthorizationServiceName = "tessera.authz.v1.Authorization"

// AuthorizationServer answers ability questions over gRPC. Requests and
// responses are google.protobuf.Struct documents shaped like the HTTP bodies.
type AuthorizationServer interface {
	Can(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RulesFor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var authorizationServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthorizationServiceName,
	HandlerType: (*AuthorizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Can", Handler: unaryHandler("Can", AuthorizationServer.Can)},
		{MethodName: "RulesFor", Handler: unaryHandler("RulesFor", AuthorizationServer.RulesFor)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tessera/authz/v1/authorization.proto",
}

func unaryHandler(method string, call func(AuthorizationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + AuthorizationServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthorizationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthorizationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements AuthorizationServer and drives the standard health
// service from the readiness probe.
type GRPCServer struct {
	sessions  *auth.Service
	authz     *ability.Evaluator
	readiness readinessChecker
	health    *health.Server
}

var _ AuthorizationServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, sessions *auth.Service, authz *ability.Evaluator) *GRPCServer {
	return &GRPCServer{
		sessions:  sessions,
		authz:     authz,
		readiness: r,
		health:    health.NewServer(),
	}
}

// Register attaches the authorization and health services to gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	gs.RegisterService(&authorizationServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// RefreshHealth evaluates readiness and publishes the serving status.
func (s *GRPCServer) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(AuthorizationServiceName, st)
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

func (s *GRPCServer) Can(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	req := in.AsMap()
	action, subject := stringField(req, "action"), stringField(req, "subject")
	if action == "" || subject == "" {
		return nil, status.Error(codes.InvalidArgument, "action and subject are required")
	}
	record, _ := req["record"].(map[string]any)

	var allowed bool
	if fields := stringList(req["fields"]); len(fields) > 0 {
		allowed, err = s.authz.CanFields(ctx, actor, ability.Action(action), subject, record, fields)
	} else {
		allowed, err = s.authz.Can(ctx, actor, ability.Action(action), subject, record, stringField(req, "field"))
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"allowed": allowed})
}

func (s *GRPCServer) RulesFor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	req := in.AsMap()
	action, subject := stringField(req, "action"), stringField(req, "subject")
	if action == "" || subject == "" {
		return nil, status.Error(codes.InvalidArgument, "action and subject are required")
	}
	conds, err := s.authz.RulesFor(ctx, actor, ability.Action(action), subject)
	if err != nil {
		return nil, grpcError(err)
	}
	// Resolved trees may hold named map types structpb cannot take directly.
	raw, err := json.Marshal(conds)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode conditions")
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, status.Error(codes.Internal, "encode conditions")
	}
	return structpb.NewStruct(map[string]any{"conditions": list})
}

func (s *GRPCServer) actor(ctx context.Context) (ability.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(strings.ToLower(authHeader))
	if len(values) == 0 {
		return ability.Actor{}, fault.Authentication(fault.ReasonInvalidToken)
	}
	token, err := extractBearerToken(values[0])
	if err != nil {
		return ability.Actor{}, err
	}
	return s.sessions.Actor(ctx, token)
}

func grpcError(err error) error {
	reason := string(fault.ReasonOf(err))
	switch {
	case errors.Is(err, fault.ErrAuthentication):
		return status.Error(codes.Unauthenticated, reason)
	case errors.Is(err, fault.ErrAuthorization):
		return status.Error(codes.PermissionDenied, reason)
	case errors.Is(err, fault.ErrValidation):
		return status.Error(codes.InvalidArgument, reason)
	case errors.Is(err, fault.ErrConflict):
		return status.Error(codes.AlreadyExists, reason)
	}
	log := obs.Logger()
	log.Error().Err(err).Msg("grpc request failed")
	return status.Error(codes.Internal, "internal error")
}

// UnaryLogging logs one line per unary call.
func UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log := obs.Logger()
	log.Info().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("took", time.Since(start)).
		Msg("grpc_complete")
	return resp, err
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
