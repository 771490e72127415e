package server

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	healthhandler "identity-onboarding/backend/internal/health/handler"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
	impls    []any
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
	m.impls = append(m.impls, impl)
}

func TestRegisterServices_Health(t *testing.T) {
	reg := &mockServiceRegistrar{}
	health := healthhandler.NewServer(nil, nil)
	RegisterServices(reg, Deps{Health: health})

	if len(reg.services) != 1 || reg.services[0] != healthpb.Health_ServiceDesc.ServiceName {
		t.Fatalf("services = %v", reg.services)
	}
	if reg.impls[0] != health {
		t.Error("registered a different health implementation")
	}
}

func TestRegisterServices_NilHealthUsesDefault(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{})
	if len(reg.services) != 1 {
		t.Fatalf("services = %v", reg.services)
	}
}

func TestNewGRPCServer_RegistersHealth(t *testing.T) {
	s := NewGRPCServer(Deps{Health: healthhandler.NewServer(nil, nil)})
	defer s.Stop()
	if _, ok := s.GetServiceInfo()[healthpb.Health_ServiceDesc.ServiceName]; !ok {
		t.Error("health service not registered")
	}
}

func TestLoggingUnary(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := LoggingUnary(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	ctx := context.Background()

	ok := func(ctx context.Context, req any) (any, error) { return "resp", nil }
	if resp, err := interceptor(ctx, nil, info, ok); err != nil || resp != "resp" {
		t.Fatalf("ok handler: %v, %v", resp, err)
	}
	if logs.Len() != 0 {
		t.Errorf("logged %d entries for a successful RPC", logs.Len())
	}

	internal := func(ctx context.Context, req any) (any, error) { return nil, status.Error(codes.Internal, "boom") }
	_, _ = interceptor(ctx, nil, info, internal)
	notFound := func(ctx context.Context, req any) (any, error) { return nil, status.Error(codes.NotFound, "nope") }
	_, _ = interceptor(ctx, nil, info, notFound)
	plain := func(ctx context.Context, req any) (any, error) { return nil, errors.New("plain") }
	_, _ = interceptor(ctx, nil, info, plain)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel || entries[1].Level != zapcore.DebugLevel || entries[2].Level != zapcore.ErrorLevel {
		t.Errorf("levels = %v %v %v", entries[0].Level, entries[1].Level, entries[2].Level)
	}
}
