package registry

import (
	"net"
	"testing"
	"time"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

func TestObserveFirstSightingFiresDiscovered(t *testing.T) {
	var discovered []string
	r := New("self", time.Minute, time.Minute, time.Minute, func(p PeerInfo) {
		discovered = append(discovered, p.NodeID)
	}, nil)

	first := r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 1)
	second := r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 2)

	if !first {
		t.Fatal("expected first Observe to report a new sighting")
	}
	if second {
		t.Fatal("expected second Observe to report a known peer")
	}
	if len(discovered) != 1 || discovered[0] != "b" {
		t.Fatalf("onDiscovered fired for %v, want exactly [b]", discovered)
	}
}

func TestObserveIgnoresSelf(t *testing.T) {
	fired := false
	r := New("self", time.Minute, time.Minute, time.Minute, func(PeerInfo) { fired = true }, nil)

	if r.Observe("self", mustAddr(t, "127.0.0.1:9000"), 1) {
		t.Fatal("Observe should never report self as a new sighting")
	}
	if fired {
		t.Fatal("onDiscovered should not fire for self")
	}
	if _, known := r.Peer("self"); known {
		t.Fatal("self should never be tracked as a peer")
	}
}

func TestObserveKeepsHighestStateVersion(t *testing.T) {
	r := New("self", time.Minute, time.Minute, time.Minute, nil, nil)
	r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 5)
	r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 2)

	peer, ok := r.Peer("b")
	if !ok {
		t.Fatal("expected peer b to be known")
	}
	if peer.StateVersion != 5 {
		t.Fatalf("state version = %d, want 5 (should not regress)", peer.StateVersion)
	}
}

func TestScanLivenessMarksDeadAfterTimeout(t *testing.T) {
	var failed []string
	r := New("self", time.Minute, 10*time.Millisecond, time.Minute, nil, func(nodeID string) {
		failed = append(failed, nodeID)
	})
	r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 1)

	time.Sleep(30 * time.Millisecond)
	r.ScanLiveness()

	if len(failed) != 1 || failed[0] != "b" {
		t.Fatalf("onFailed fired for %v, want exactly [b]", failed)
	}
	peer, _ := r.Peer("b")
	if peer.Alive {
		t.Fatal("expected peer b to be marked dead")
	}
	alive, total := r.Count()
	if alive != 0 || total != 1 {
		t.Fatalf("Count() = (%d, %d), want (0, 1)", alive, total)
	}
}

func TestObserveRevivesDeadPeer(t *testing.T) {
	r := New("self", time.Minute, 10*time.Millisecond, time.Minute, nil, nil)
	r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 1)
	time.Sleep(30 * time.Millisecond)
	r.ScanLiveness()

	r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 1)
	peer, _ := r.Peer("b")
	if !peer.Alive {
		t.Fatal("expected Observe to revive a dead peer")
	}
}

func TestPeersNeedingSyncExcludesRecentlySynced(t *testing.T) {
	r := New("self", time.Minute, time.Minute, 20*time.Millisecond, nil, nil)
	r.Observe("b", mustAddr(t, "127.0.0.1:9000"), 1)
	r.Observe("c", mustAddr(t, "127.0.0.1:9001"), 1)
	r.MarkSynced("b")

	time.Sleep(30 * time.Millisecond)

	needing := r.PeersNeedingSync()
	foundC := false
	for _, p := range needing {
		if p.NodeID == "c" {
			foundC = true
		}
		if p.NodeID == "b" {
			t.Fatal("b was just synced and should not be due yet")
		}
	}
	if !foundC {
		t.Fatal("expected c to need sync")
	}
}

func TestBootstrapAddresses(t *testing.T) {
	r := New("self", time.Minute, time.Minute, time.Minute, nil, nil)
	r.AddBootstrap(mustAddr(t, "127.0.0.1:9000"))
	r.AddBootstrap(mustAddr(t, "127.0.0.1:9001"))
	r.AddBootstrap(mustAddr(t, "127.0.0.1:9000"))

	addrs := r.BootstrapAddresses()
	if len(addrs) != 2 {
		t.Fatalf("got %d bootstrap addresses, want 2 (dedup by address)", len(addrs))
	}
}
