package meshkv

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTwoNodeConvergence(t *testing.T) {
	a, err := New(
		WithNodeID("node_a"),
		WithBindAddr("127.0.0.1:0"),
		WithHeartbeatInterval(100*time.Millisecond),
		WithSyncInterval(100*time.Millisecond),
		WithDiscoveryInterval(100*time.Millisecond),
		WithPeerTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	defer a.Stop()

	b, err := New(
		WithNodeID("node_b"),
		WithBindAddr("127.0.0.1:0"),
		WithSeeds([]string{a.LocalAddr().String()}),
		WithHeartbeatInterval(100*time.Millisecond),
		WithSyncInterval(100*time.Millisecond),
		WithDiscoveryInterval(100*time.Millisecond),
		WithPeerTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	defer b.Stop()

	ctx := context.Background()
	if err := a.Set(ctx, "k", "v-from-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		value, err := b.Get(ctx, "k")
		if err == nil {
			if unmarshalErr := json.Unmarshal(value, &got); unmarshalErr != nil {
				t.Fatalf("unmarshal: %v", unmarshalErr)
			}
			if got == "v-from-a" {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("node b did not converge to v-from-a within the deadline, last value %q", got)
}

func TestDeleteConvergesAcrossPeers(t *testing.T) {
	a, err := New(
		WithNodeID("node_a"),
		WithBindAddr("127.0.0.1:0"),
		WithSyncInterval(100*time.Millisecond),
		WithPeerTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	defer a.Stop()

	b, err := New(
		WithNodeID("node_b"),
		WithBindAddr("127.0.0.1:0"),
		WithSeeds([]string{a.LocalAddr().String()}),
		WithSyncInterval(100*time.Millisecond),
		WithPeerTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	defer b.Stop()

	ctx := context.Background()
	if err := a.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Get(ctx, "k"); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := a.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Get(ctx, "k"); err == ErrNotFound {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("delete never converged to node b")
}

func TestStopIsIdempotent(t *testing.T) {
	n, err := New(WithBindAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestOperationsFailAfterStop(t *testing.T) {
	n, err := New(WithBindAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ctx := context.Background()
	if err := n.Set(ctx, "k", "v"); err != ErrClosed {
		t.Fatalf("Set after Stop = %v, want ErrClosed", err)
	}
	if _, err := n.Get(ctx, "k"); err != ErrClosed {
		t.Fatalf("Get after Stop = %v, want ErrClosed", err)
	}
}

func TestSetRejectsUnmarshalableValue(t *testing.T) {
	n, err := New(WithBindAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	if err := n.Set(context.Background(), "k", make(chan int)); err == nil {
		t.Fatal("expected Set to reject an unmarshalable value")
	}
}
