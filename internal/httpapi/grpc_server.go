package httpapi

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tokengate.org/internal/auth"
	"tokengate.org/internal/auth/remote"
	"tokengate.org/internal/obs"
)

var _ remote.RevocationServer = (*GRPCServer)(nil)

// GRPCServer serves the revocation registry to relying services and reports
// health through the standard grpc.health.v1 service.
type GRPCServer struct {
	svc       *auth.Service
	readiness readinessChecker
	health    *health.Server
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(svc *auth.Service, r readinessChecker) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		svc:       svc,
		readiness: r,
		health:    health.NewServer(),
	}
}

// Register attaches the revocation and health services to s.
func (s *GRPCServer) Register(gs *grpc.Server) {
	remote.Register(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// RefreshHealth runs the readiness probe and publishes the result.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(remote.ServiceName, st)
	return err
}

// Shutdown flips every service to NOT_SERVING.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

func (s *GRPCServer) IsRevoked(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	revoked, err := s.svc.IsRevoked(ctx, in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "revocation lookup: %v", err)
	}
	return wrapperspb.Bool(revoked), nil
}

func (s *GRPCServer) Revoke(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.svc.Revoke(ctx, in.GetValue()); err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			return nil, status.Error(codes.InvalidArgument, "token is required")
		}
		return nil, status.Errorf(codes.Unavailable, "revoke: %v", err)
	}
	return &emptypb.Empty{}, nil
}
