// Package server builds the gRPC server that exposes the standard health service.
package server

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	healthhandler "identity-onboarding/backend/internal/health/handler"
)

// Deps holds the services exposed over gRPC.
type Deps struct {
	// Health answers grpc.health.v1.Health/Check. Required.
	Health *healthhandler.Server
	// Logger logs failed RPCs. May be nil.
	Logger *zap.Logger
}

// NewGRPCServer returns a server with OTel instrumentation and request logging, with every service in deps registered.
func NewGRPCServer(deps Deps) *grpc.Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(LoggingUnary(logger.Named("grpc"))),
	)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services with the given registrar.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	health := deps.Health
	if health == nil {
		health = healthhandler.NewServer(nil, nil)
	}
	healthpb.RegisterHealthServer(s, health)
}

// LoggingUnary logs every RPC that fails with a server-side status at Error and other failures at Debug.
func LoggingUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		}
		switch status.Code(err) {
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
			logger.Error("rpc failed", fields...)
		default:
			logger.Debug("rpc failed", fields...)
		}
		return resp, err
	}
}
