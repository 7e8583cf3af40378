// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package healthsrv

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/siderolabs/talos-xenguest/internal/util"
)

func TestHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := New(util.Discard())

	done := make(chan error, 1)

	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}

	defer conn.Close() //nolint:errcheck

	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()

		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}

		return resp.GetStatus()
	}

	if got := check(ServiceXenstore); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status %v", got)
	}

	srv.SetServing(ServiceXenstore, true)

	if got := check(ServiceXenstore); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after update %v", got)
	}

	if got := check(ServiceNetfront); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("netfront status %v", got)
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
