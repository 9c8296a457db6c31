package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/meshdb/meshkv/internal/wire"
	"github.com/meshdb/meshkv/internal/xlog"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	ep, err := New("127.0.0.1:0", xlog.Discard, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ep.Stop)
	return ep
}

// sendRaw fires an already-encoded packet at dest from a fresh ephemeral
// socket, bypassing SendReliable's sequence allocation. Each call uses a new
// source port, so repeated calls arrive from different peer addresses.
func sendRaw(data []byte, dest *net.UDPAddr) error {
	conn, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}

func TestSendReliableDeliversAndAcks(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	var mu sync.Mutex
	var got []byte
	received := make(chan struct{}, 1)
	b.RegisterHandler(wire.TypeHeartbeat, func(payload []byte, from *net.UDPAddr) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
		received <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	if err := a.SendReliable(b.LocalAddr(), wire.TypeHeartbeat, []byte(`{"node_id":"a"}`)); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	payload := string(got)
	mu.Unlock()
	if payload != `{"node_id":"a"}` {
		t.Fatalf("got payload %q", payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.PendingCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pending send was never acknowledged, PendingCount=%d", a.PendingCount())
}

func TestDuplicateDeliveryAppliesOnce(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	var mu sync.Mutex
	count := 0
	b.RegisterHandler(wire.TypeData, func(payload []byte, from *net.UDPAddr) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	packet := wire.Packet{Type: wire.TypeData, Seq: 5, Payload: []byte(`{"from":"a"}`)}
	data, err := wire.Encode(packet)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Replay from one socket so every copy comes from the same peer address.
	conn, err := net.DialUDP("udp", nil, b.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 3; i++ {
		if _, err := conn.Write(data); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Fatalf("handler invoked %d times, want 1", got)
	}

	_ = a
}

func TestChecksumMismatchDropsSilently(t *testing.T) {
	b := newTestEndpoint(t)

	called := false
	b.RegisterHandler(wire.TypeData, func(payload []byte, from *net.UDPAddr) {
		called = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	packet := wire.Packet{Type: wire.TypeData, Seq: 1, Payload: []byte(`{"from":"a"}`)}
	data, err := wire.Encode(packet)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[len(data)-1] ^= 0xFF

	if err := sendRaw(data, b.LocalAddr()); err != nil {
		t.Fatalf("sendRaw: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if called {
		t.Fatal("handler should not fire for a packet with a bad checksum")
	}
}
