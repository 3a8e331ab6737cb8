package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// newEtcdStore connects to the etcd named by IPC_RPC_ETCD_ENDPOINTS
// (comma separated), or skips the test.
func newEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoints := os.Getenv("IPC_RPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("IPC_RPC_ETCD_ENDPOINTS not set")
	}
	s, err := DialEtcd(strings.Split(endpoints, ","), 2*time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newEtcdStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := "etcd-test-" + time.Now().Format("150405.000000")
	inst1 := ServiceInstance{IP: "127.0.0.1", Port: 8001, Tag: "10"}
	inst2 := ServiceInstance{IP: "127.0.0.1", Port: 8002}

	if err := reg.Register(ctx, service, inst1, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, service, inst2, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := reg.Deregister(ctx, service, inst1); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0] != inst2 {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	// Cleanup
	_ = reg.Deregister(ctx, service, inst2)
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcdStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := "etcd-watch-" + time.Now().Format("150405.000000")
	ch := reg.Watch(ctx, service)

	if first := <-ch; len(first) != 0 {
		t.Fatalf("expect empty initial list, got %v", first)
	}

	inst := ServiceInstance{IP: "127.0.0.1", Port: 9001}
	if err := reg.Register(ctx, service, inst, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if len(got) != 1 || got[0] != inst {
			t.Fatalf("expect [%+v], got %v", inst, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no update after register")
	}
	_ = reg.Deregister(ctx, service, inst)
}
