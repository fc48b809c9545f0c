package server

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startGRPC(t *testing.T, authToken string) (*health.Server, healthpb.HealthClient) {
	t.Helper()
	hs := health.NewServer()
	srv := NewGRPCServer(authToken, hs, slog.New(slog.DiscardHandler))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return hs, healthpb.NewHealthClient(conn)
}

func checkHealth(t *testing.T, client healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return resp.GetStatus()
}

func TestGRPCHealth_StartsNotServing(t *testing.T) {
	_, client := startGRPC(t, "secret")

	// The health service is exempt from auth, so no token is needed.
	if got := checkHealth(t, client); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}

func TestWatchHealth_FollowsBus(t *testing.T) {
	srv, b, _ := newTestServer(t, "")
	hs, client := startGRPC(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.WatchHealth(ctx, hs, 10*time.Millisecond)
		close(done)
	}()

	waitStatus := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for checkHealth(t, client) != want {
			if time.Now().After(deadline) {
				t.Fatalf("status never became %v", want)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitStatus(healthpb.HealthCheckResponse_SERVING)

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitStatus(healthpb.HealthCheckResponse_NOT_SERVING)

	cancel()
	<-done
	if got := checkHealth(t, client); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after stop = %v, want NOT_SERVING", got)
	}
}
