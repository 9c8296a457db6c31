// Package registry tracks the set of known mesh peers: their addresses,
// liveness, and sync bookkeeping.
package registry

import (
	"net"
	"sync"
	"time"
)

// PeerInfo is one node's known state about a remote peer.
type PeerInfo struct {
	NodeID       string
	Address      *net.UDPAddr
	LastSeen     time.Time
	LastSync     time.Time
	StateVersion int64
	Alive        bool
}

// DiscoveredFunc is invoked, outside the registry's lock, when a
// previously-unknown peer is observed.
type DiscoveredFunc func(peer PeerInfo)

// FailedFunc is invoked, outside the registry's lock, when a peer transitions
// from alive to dead.
type FailedFunc func(nodeID string)

// Registry holds the local node's view of the mesh membership.
type Registry struct {
	selfID        string
	heartbeatEvery time.Duration
	peerTimeout   time.Duration
	syncEvery     time.Duration

	onDiscovered DiscoveredFunc
	onFailed     FailedFunc

	mu        sync.Mutex
	peers     map[string]*PeerInfo
	bootstrap map[string]*net.UDPAddr
}

// New constructs a Registry for selfID. heartbeatEvery, peerTimeout, and
// syncEvery default to 5s, 15s, and 10s respectively when zero.
func New(selfID string, heartbeatEvery, peerTimeout, syncEvery time.Duration, onDiscovered DiscoveredFunc, onFailed FailedFunc) *Registry {
	if heartbeatEvery == 0 {
		heartbeatEvery = 5 * time.Second
	}
	if peerTimeout == 0 {
		peerTimeout = 15 * time.Second
	}
	if syncEvery == 0 {
		syncEvery = 10 * time.Second
	}
	return &Registry{
		selfID:         selfID,
		heartbeatEvery: heartbeatEvery,
		peerTimeout:    peerTimeout,
		syncEvery:      syncEvery,
		onDiscovered:   onDiscovered,
		onFailed:       onFailed,
		peers:          make(map[string]*PeerInfo),
		bootstrap:      make(map[string]*net.UDPAddr),
	}
}

// HeartbeatInterval returns the configured heartbeat period.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeatEvery }

// PeerTimeout returns the configured dead-peer threshold.
func (r *Registry) PeerTimeout() time.Duration { return r.peerTimeout }

// SyncInterval returns the configured anti-entropy period.
func (r *Registry) SyncInterval() time.Duration { return r.syncEvery }

// AddBootstrap records a seed address to dial at startup and to offer up
// during gossip discovery.
func (r *Registry) AddBootstrap(addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bootstrap[addr.String()] = addr
}

// BootstrapAddresses returns the configured seed addresses.
func (r *Registry) BootstrapAddresses() []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*net.UDPAddr, 0, len(r.bootstrap))
	for _, a := range r.bootstrap {
		out = append(out, a)
	}
	return out
}

// Observe records that nodeID was seen alive at addr with stateVersion,
// refreshing LastSeen and reviving the peer if it had been marked dead. It
// reports whether this is the first time nodeID has been observed; callers
// should not call Observe for selfID.
func (r *Registry) Observe(nodeID string, addr *net.UDPAddr, stateVersion int64) bool {
	if nodeID == r.selfID {
		return false
	}

	now := time.Now()
	r.mu.Lock()
	peer, known := r.peers[nodeID]
	if !known {
		peer = &PeerInfo{
			NodeID:       nodeID,
			Address:      addr,
			LastSeen:     now,
			StateVersion: stateVersion,
			Alive:        true,
		}
		r.peers[nodeID] = peer
	} else {
		peer.Address = addr
		peer.LastSeen = now
		peer.Alive = true
		if stateVersion > peer.StateVersion {
			peer.StateVersion = stateVersion
		}
	}
	snapshot := *peer
	r.mu.Unlock()

	if !known && r.onDiscovered != nil {
		r.onDiscovered(snapshot)
	}
	return !known
}

// MarkSynced records that the local node just completed an anti-entropy
// exchange with nodeID.
func (r *Registry) MarkSynced(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[nodeID]; ok {
		peer.LastSync = time.Now()
	}
}

// Peer returns a copy of the known state for nodeID.
func (r *Registry) Peer(nodeID string) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	return *peer, true
}

// AlivePeers returns a snapshot of every peer currently considered alive.
func (r *Registry) AlivePeers() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Alive {
			out = append(out, *p)
		}
	}
	return out
}

// AllPeers returns a snapshot of every known peer, alive or dead.
func (r *Registry) AllPeers() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// PeerByAddress returns the peer known at addr, if any.
func (r *Registry) PeerByAddress(addr *net.UDPAddr) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Address != nil && p.Address.String() == addr.String() {
			return *p, true
		}
	}
	return PeerInfo{}, false
}

// PeersNeedingSync returns alive peers whose last anti-entropy exchange is
// older than the configured sync interval.
func (r *Registry) PeersNeedingSync() []PeerInfo {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PeerInfo
	for _, p := range r.peers {
		if p.Alive && now.Sub(p.LastSync) > r.syncEvery {
			out = append(out, *p)
		}
	}
	return out
}

// ScanLiveness transitions any alive peer whose LastSeen is older than
// peerTimeout directly to dead. Callers should invoke this on a ticker at
// roughly heartbeatEvery.
func (r *Registry) ScanLiveness() {
	now := time.Now()

	var failed []string
	r.mu.Lock()
	for nodeID, p := range r.peers {
		if p.Alive && now.Sub(p.LastSeen) > r.peerTimeout {
			p.Alive = false
			failed = append(failed, nodeID)
		}
	}
	r.mu.Unlock()

	if r.onFailed != nil {
		for _, nodeID := range failed {
			r.onFailed(nodeID)
		}
	}
}

// Count returns (alive, total) peer counts.
func (r *Registry) Count() (alive int, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.peers)
	for _, p := range r.peers {
		if p.Alive {
			alive++
		}
	}
	return alive, total
}
