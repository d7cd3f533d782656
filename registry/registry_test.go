package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap/zaptest"
)

var (
	inst1 = Instance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 = Instance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
)

// testRegistry exercises the behaviour common to every Registry.
func testRegistry(t *testing.T, reg Registry, service string) {
	t.Helper()
	ctx := t.Context()

	wctx, stop := context.WithCancel(ctx)
	defer stop()
	watch, err := reg.Watch(wctx, service)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	expectWatch(t, watch, nil)

	for _, inst := range []Instance{inst2, inst1} {
		if err := reg.Register(ctx, service, inst, 10*time.Second); err != nil {
			t.Fatalf("Register %s: %v", inst.Addr, err)
		}
	}
	got, err := reg.Discover(ctx, service)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if diff := cmp.Diff([]Instance{inst1, inst2}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Discover (-want, +got):\n%s", diff)
	}
	expectWatch(t, watch, []Instance{inst1, inst2})

	if err := reg.Deregister(ctx, service, inst1.Addr); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	expectWatch(t, watch, []Instance{inst2})

	got, err = reg.Discover(ctx, service)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if diff := cmp.Diff([]Instance{inst2}, got); diff != "" {
		t.Errorf("Discover after deregister (-want, +got):\n%s", diff)
	}

	if err := reg.Deregister(ctx, service, inst2.Addr); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	stop()
	for range watch {
		// drain until the watch closes
	}
}

// expectWatch reads from watch until it reports want or a deadline passes.
// Intermediate states are allowed because updates coalesce.
func expectWatch(t *testing.T, watch <-chan []Instance, want []Instance) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got, ok := <-watch:
			if !ok {
				t.Fatal("Watch closed unexpectedly")
			}
			if cmp.Equal(want, got, cmpopts.EquateEmpty()) {
				return
			}
		case <-timeout:
			t.Fatalf("Watch did not report %v", want)
		}
	}
}

func TestMemory(t *testing.T) {
	reg := NewMemory()
	testRegistry(t, reg, "Arith")

	t.Run("Unknown", func(t *testing.T) {
		got, err := reg.Discover(t.Context(), "nonesuch")
		if err != nil || len(got) != 0 {
			t.Errorf("Discover unknown: got (%v, %v), want empty", got, err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		watch, err := reg.Watch(t.Context(), "Arith")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		if err := reg.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		for range watch {
		}
		if err := reg.Register(t.Context(), "Arith", inst1, 0); err != ErrClosed {
			t.Errorf("Register after Close: got %v, want %v", err, ErrClosed)
		}
	})
}

// TestEtcd runs against a live etcd cluster named by RPCD_TEST_ETCD, a
// comma-separated list of endpoints.
func TestEtcd(t *testing.T) {
	eps := os.Getenv("RPCD_TEST_ETCD")
	if eps == "" {
		t.Skip("RPCD_TEST_ETCD is not set")
	}
	reg, err := NewEtcd(EtcdConfig{
		Endpoints: strings.Split(eps, ","),
		Prefix:    "/unary-rpc-test/",
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewEtcd: %v", err)
	}
	defer reg.Close()
	testRegistry(t, reg, "Arith")
}

func TestTTLSeconds(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int64
	}{
		{0, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{10 * time.Second, 10},
	}
	for _, tc := range tests {
		if got := ttlSeconds(tc.ttl); got != tc.want {
			t.Errorf("ttlSeconds(%v): got %d, want %d", tc.ttl, got, tc.want)
		}
	}
}
