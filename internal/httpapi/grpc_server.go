package httpapi

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/expense/wire"
	"claimdesk.org/internal/feed"
	"claimdesk.org/internal/view"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer implements claimdesk.v1.ExpenseService and the standard health service.
type GRPCServer struct {
	grpc_health_v1.UnimplementedHealthServer

	readiness readinessChecker
	expenses  *expense.Service
	feed      *feed.Hub
	tokens    *auth.Tokens
}

var _ wire.ExpenseServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, deps Deps) *GRPCServer {
	return &GRPCServer{
		readiness: r,
		expenses:  deps.Expenses,
		feed:      deps.Feed,
		tokens:    deps.Tokens,
	}
}

// NewServer builds a grpc.Server with authentication interceptors and both services registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	server := grpc.NewServer(opts...)
	wire.RegisterExpenseServiceServer(server, s)
	grpc_health_v1.RegisterHealthServer(server, s)
	return server
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *GRPCServer) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
		}
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (s *GRPCServer) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.unaryExpense(ctx, func(actor auth.Actor) (expense.Expense, error) {
		return s.expenses.Get(ctx, wire.Field(in, "id"), actor)
	})
}

func (s *GRPCServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.unaryExpense(ctx, func(actor auth.Actor) (expense.Expense, error) {
		return s.expenses.Submit(ctx, wire.Field(in, "id"), actor)
	})
}

func (s *GRPCServer) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.unaryExpense(ctx, func(actor auth.Actor) (expense.Expense, error) {
		return s.expenses.Approve(ctx, wire.Field(in, "id"), actor)
	})
}

func (s *GRPCServer) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.unaryExpense(ctx, func(actor auth.Actor) (expense.Expense, error) {
		return s.expenses.Reject(ctx, wire.Field(in, "id"), actor, wire.Field(in, "reason"))
	})
}

func (s *GRPCServer) MarkPaid(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.unaryExpense(ctx, func(actor auth.Actor) (expense.Expense, error) {
		return s.expenses.MarkPaid(ctx, wire.Field(in, "id"), actor)
	})
}

// Subscribe streams snapshots for the query carried in the request fields (the same names
// as the REST query parameters) until the client goes away.
func (s *GRPCServer) Subscribe(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if s.feed == nil {
		return status.Error(codes.Unavailable, "streaming disabled")
	}
	params := url.Values{}
	for key := range in.GetFields() {
		if v := wire.Field(in, key); v != "" {
			params.Set(key, v)
		}
	}
	q, err := view.ParseValues(params)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub, err := s.feed.Subscribe(ctx, actor, q)
	if err != nil {
		return grpcError(err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					return grpcError(err)
				}
				return nil
			}
			msg, err := wire.Encode(snap)
			if err != nil {
				return status.Errorf(codes.Internal, "encode snapshot: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (s *GRPCServer) unaryExpense(ctx context.Context, call func(auth.Actor) (expense.Expense, error)) (*structpb.Struct, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	e, err := call(actor)
	if err != nil {
		return nil, grpcError(err)
	}
	msg, err := wire.Encode(e)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode expense: %v", err)
	}
	return msg, nil
}

func (s *GRPCServer) authenticate(ctx context.Context) (context.Context, error) {
	if s.tokens == nil {
		return ctx, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(strings.ToLower(authHeader))
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	token, err := extractBearerToken(values[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	actor, err := s.tokens.Parse(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	ctx = auth.ContextWithActor(ctx, actor)
	return auth.ContextWithToken(ctx, token), nil
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

func (s *GRPCServer) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if isHealthMethod(info.FullMethod) {
		return handler(ctx, req)
	}
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s authedStream) Context() context.Context { return s.ctx }

func (s *GRPCServer) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if isHealthMethod(info.FullMethod) {
		return handler(srv, ss)
	}
	ctx, err := s.authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, authedStream{ServerStream: ss, ctx: ctx})
}

func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, expense.ErrValidation), errors.Is(err, view.ErrInvalidQuery):
		code = codes.InvalidArgument
	case errors.Is(err, expense.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, expense.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, expense.ErrStaleState):
		code = codes.FailedPrecondition
	case errors.Is(err, expense.ErrAttachmentUpload):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
