package handler

import (
	"context"
	"errors"
	"strings"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func check(t *testing.T, srv *Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check must not return a gRPC error: %v", err)
	}
	return resp.GetStatus()
}

func TestCheck_NoDependencies(t *testing.T) {
	if got := check(t, NewServer(nil, nil)); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}
}

func TestCheck_AllHealthy(t *testing.T) {
	if got := check(t, NewServer(&mockPinger{}, &mockPolicyChecker{})); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}
}

func TestCheck_PingerFailure(t *testing.T) {
	srv := NewServer(&mockPinger{pingErr: errors.New("connection refused")}, nil)
	if got := check(t, srv); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", got)
	}
}

func TestCheck_PolicyCheckerFailure(t *testing.T) {
	srv := NewServer(nil, &mockPolicyChecker{healthErr: errors.New("rego compile failed")})
	if got := check(t, srv); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", got)
	}
}

func TestReady_NamesFailingDependencies(t *testing.T) {
	srv := NewServer(&mockPinger{pingErr: errors.New("down")}, &mockPolicyChecker{healthErr: errors.New("bad")})
	err := srv.Ready(context.Background())
	if err == nil {
		t.Fatal("Ready: want error")
	}
	if msg := err.Error(); !strings.Contains(msg, "database: down") || !strings.Contains(msg, "policy: bad") {
		t.Errorf("err = %q", msg)
	}
}
