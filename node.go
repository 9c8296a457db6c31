// Package meshkv implements a multi-master, eventually-consistent key/value
// replica synchronized across a mesh of peers over an unreliable datagram
// transport. See doc.go for the package overview.
package meshkv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshdb/meshkv/internal/crdt"
	"github.com/meshdb/meshkv/internal/discovery"
	"github.com/meshdb/meshkv/internal/metrics"
	"github.com/meshdb/meshkv/internal/registry"
	"github.com/meshdb/meshkv/internal/transport"
	"github.com/meshdb/meshkv/internal/wire"
	"github.com/meshdb/meshkv/internal/xlog"
)

// MeshNode is a running meshkv replica. It is safe for concurrent use.
type MeshNode struct {
	cfg Config
	log xlog.Logger

	store    *crdt.Store
	peers    *registry.Registry
	endpoint *transport.Endpoint
	mdns     *discovery.MDNS

	selfAddr *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// New constructs and starts a MeshNode. On success the node is already
// bound, serving, and has emitted its initial discovery round to every
// bootstrap address.
func New(opts ...Option) (*MeshNode, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	node := &MeshNode{cfg: cfg, log: cfg.logger}

	endpoint, err := transport.New(cfg.BindAddr, cfg.logger, node.onRetryExhausted)
	if err != nil {
		return nil, fmt.Errorf("meshkv: bind: %w", err)
	}
	node.endpoint = endpoint
	node.selfAddr = endpoint.LocalAddr()

	node.peers = registry.New(cfg.NodeID, cfg.HeartbeatInterval, cfg.PeerTimeout, cfg.SyncInterval, node.onPeerDiscovered, node.onPeerFailed)
	node.store = crdt.New(cfg.NodeID, nil, node.onStoreChange)

	for _, seed := range cfg.Seeds {
		addr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			endpoint.Stop()
			return nil, fmt.Errorf("meshkv: invalid seed %q: %w", seed, err)
		}
		node.peers.AddBootstrap(addr)
	}

	endpoint.RegisterHandler(wire.TypeHeartbeat, node.handleHeartbeat)
	endpoint.RegisterHandler(wire.TypeDiscovery, node.handleDiscovery)
	endpoint.RegisterHandler(wire.TypeSyncRequest, node.handleSyncRequest)
	endpoint.RegisterHandler(wire.TypeSyncResponse, node.handleSyncResponse)

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	node.ctx = egCtx
	node.cancel = cancel
	node.eg = eg

	endpoint.Start(ctx)

	if cfg.LANDiscovery {
		mdns, err := discovery.New(cfg.NodeID, cfg.BindAddr, node.onLANPeer)
		if err != nil {
			node.log.Warnf("meshkv: lan discovery disabled: %v", err)
		} else {
			node.mdns = mdns
		}
	}

	node.emitInitialDiscovery()

	eg.Go(func() error { node.syncLoop(ctx); return nil })
	eg.Go(func() error { node.heartbeatLoop(ctx); return nil })
	eg.Go(func() error { node.discoveryLoop(ctx); return nil })
	eg.Go(func() error { node.livenessLoop(ctx); return nil })

	node.log.Infof("meshkv: node %s listening on %s", cfg.NodeID, node.selfAddr)
	return node, nil
}

// NodeID returns this node's identifier.
func (n *MeshNode) NodeID() string { return n.cfg.NodeID }

// LocalAddr returns the node's bound UDP address.
func (n *MeshNode) LocalAddr() *net.UDPAddr { return n.selfAddr }

// Set writes key=value to local state and propagates it on the next sync
// tick. value must be JSON-marshalable.
func (n *MeshNode) Set(ctx context.Context, key string, value any) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	n.store.Set(key, raw)
	return nil
}

// SetRaw writes key=value, where value is already-encoded JSON.
func (n *MeshNode) SetRaw(ctx context.Context, key string, value json.RawMessage) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	n.store.Set(key, value)
	return nil
}

// Get returns the live value for key, or ErrNotFound.
func (n *MeshNode) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	value, ok := n.store.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Delete tombstones key.
func (n *MeshNode) Delete(ctx context.Context, key string) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	n.store.Delete(key)
	return nil
}

// List returns every live key.
func (n *MeshNode) List(ctx context.Context) ([]string, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	return n.store.Keys(), nil
}

// AddBootstrapPeer registers an additional seed address at runtime.
func (n *MeshNode) AddBootstrapPeer(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("meshkv: invalid bootstrap address: %w", err)
	}
	n.peers.AddBootstrap(addr)
	return nil
}

// Status returns a point-in-time snapshot of node and mesh state.
func (n *MeshNode) Status() Status {
	alive, total := n.peers.Count()
	all := n.peers.AllPeers()
	peerStatuses := make([]PeerStatus, 0, len(all))
	for _, p := range all {
		addr := ""
		if p.Address != nil {
			addr = p.Address.String()
		}
		peerStatuses = append(peerStatuses, PeerStatus{
			NodeID:       p.NodeID,
			Address:      addr,
			Alive:        p.Alive,
			LastSeen:     p.LastSeen,
			LastSync:     p.LastSync,
			StateVersion: p.StateVersion,
		})
	}

	metrics.PeersAlive.Set(float64(alive))
	metrics.PeersTotal.Set(float64(total))
	metrics.StateVersion.Set(float64(n.store.Version()))
	metrics.PendingAcks.Set(float64(n.endpoint.PendingCount()))

	return Status{
		NodeID:       n.cfg.NodeID,
		Port:         n.selfAddr.Port,
		StateVersion: n.store.Version(),
		DataKeys:     len(n.store.Keys()),
		Peers:        PeerCounts{Alive: alive, Total: total},
		PendingAcks:  n.endpoint.PendingCount(),
		PeerDetails:  peerStatuses,
	}
}

// Stop shuts down every background worker, closes the socket, and waits for
// drain. Idempotent.
func (n *MeshNode) Stop() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	if n.mdns != nil {
		n.mdns.Stop()
	}
	n.endpoint.Stop()
	_ = n.eg.Wait()
	n.log.Infof("meshkv: node %s stopped", n.cfg.NodeID)
	return nil
}

func (n *MeshNode) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ErrTimeout
	case context.Canceled:
		return ErrCanceled
	default:
		return nil
	}
}

// --- background loops ---

func (n *MeshNode) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.syncDuePeers()
		}
	}
}

func (n *MeshNode) syncDuePeers() {
	for _, p := range n.peers.PeersNeedingSync() {
		n.sendSyncRequest(p.Address)
	}
}

func (n *MeshNode) sendSyncRequest(addr *net.UDPAddr) {
	payload, err := json.Marshal(wire.SyncRequestPayload{NodeID: n.cfg.NodeID, StateVersion: n.store.Version()})
	if err != nil {
		return
	}
	if err := n.endpoint.SendReliable(addr, wire.TypeSyncRequest, payload); err != nil {
		n.log.Debugf("meshkv: sync request to %s: %v", addr, err)
	}
}

func (n *MeshNode) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastHeartbeat()
		}
	}
}

func (n *MeshNode) broadcastHeartbeat() {
	payload, err := json.Marshal(wire.HeartbeatPayload{
		NodeID:       n.cfg.NodeID,
		Address:      wire.Address{Host: n.selfAddr.IP.String(), Port: uint16(n.selfAddr.Port)},
		StateVersion: n.store.Version(),
	})
	if err != nil {
		return
	}
	for _, p := range n.peers.AllPeers() {
		if err := n.endpoint.SendReliable(p.Address, wire.TypeHeartbeat, payload); err != nil {
			n.log.Debugf("meshkv: heartbeat to %s: %v", p.Address, err)
		}
	}
}

func (n *MeshNode) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.emitDiscoveryToBootstrap()
		}
	}
}

func (n *MeshNode) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.peers.ScanLiveness()
		}
	}
}

func (n *MeshNode) emitInitialDiscovery() {
	n.emitDiscoveryToBootstrap()
}

func (n *MeshNode) emitDiscoveryToBootstrap() {
	payload := n.discoveryPayload()
	for _, addr := range n.peers.BootstrapAddresses() {
		if err := n.endpoint.SendReliable(addr, wire.TypeDiscovery, payload); err != nil {
			n.log.Debugf("meshkv: discovery to %s: %v", addr, err)
		}
	}
}

func (n *MeshNode) discoveryPayload() []byte {
	known := make([]wire.PeerInfo, 0)
	for _, p := range n.peers.AllPeers() {
		known = append(known, wire.PeerInfo{
			NodeID:  p.NodeID,
			Address: wire.Address{Host: p.Address.IP.String(), Port: uint16(p.Address.Port)},
			Alive:   p.Alive,
		})
	}
	payload, err := json.Marshal(wire.DiscoveryPayload{
		NodeID:     n.cfg.NodeID,
		Address:    wire.Address{Host: n.selfAddr.IP.String(), Port: uint16(n.selfAddr.Port)},
		KnownPeers: known,
	})
	if err != nil {
		return nil
	}
	return payload
}

// --- inbound dispatch, per the HEARTBEAT/DISCOVERY/SYNC_REQUEST/SYNC_RESPONSE table ---

func (n *MeshNode) handleHeartbeat(payload []byte, from *net.UDPAddr) {
	var hb wire.HeartbeatPayload
	if err := json.Unmarshal(payload, &hb); err != nil {
		n.log.Debugf("meshkv: malformed heartbeat from %s: %v", from, err)
		return
	}
	n.peers.Observe(hb.NodeID, addrFromPayload(hb.Address, from), hb.StateVersion)
	if hb.StateVersion > n.store.Version() {
		n.sendSyncRequest(addrFromPayload(hb.Address, from))
	}
}

func (n *MeshNode) handleDiscovery(payload []byte, from *net.UDPAddr) {
	var disc wire.DiscoveryPayload
	if err := json.Unmarshal(payload, &disc); err != nil {
		n.log.Debugf("meshkv: malformed discovery from %s: %v", from, err)
		return
	}
	n.peers.Observe(disc.NodeID, addrFromPayload(disc.Address, from), 0)

	for _, peerInfo := range disc.KnownPeers {
		if peerInfo.NodeID == n.cfg.NodeID {
			continue
		}
		if _, known := n.peers.Peer(peerInfo.NodeID); known {
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(peerInfo.Address.Host), Port: int(peerInfo.Address.Port)}
		n.peers.Observe(peerInfo.NodeID, addr, 0)
	}

	reply := n.discoveryPayload()
	if err := n.endpoint.SendReliable(from, wire.TypeDiscovery, reply); err != nil {
		n.log.Debugf("meshkv: discovery reply to %s: %v", from, err)
	}
}

func (n *MeshNode) handleSyncRequest(payload []byte, from *net.UDPAddr) {
	var req wire.SyncRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		n.log.Debugf("meshkv: malformed sync request from %s: %v", from, err)
		return
	}
	n.peers.Observe(req.NodeID, from, req.StateVersion)

	snapshot := n.store.Snapshot()
	reply, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := n.endpoint.SendReliable(from, wire.TypeSyncResponse, reply); err != nil {
		n.log.Debugf("meshkv: sync response to %s: %v", from, err)
	}
}

func (n *MeshNode) handleSyncResponse(payload []byte, from *net.UDPAddr) {
	var snapshot wire.SyncResponsePayload
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		n.log.Debugf("meshkv: malformed sync response from %s: %v", from, err)
		return
	}
	n.peers.Observe(snapshot.NodeID, from, 0)

	changed := n.store.Merge(snapshot)
	metrics.MergesTotal.Inc()
	metrics.MergeChangesTotal.Add(float64(changed))
	n.peers.MarkSynced(snapshot.NodeID)
}

func addrFromPayload(addr wire.Address, fallback *net.UDPAddr) *net.UDPAddr {
	ip := net.ParseIP(addr.Host)
	if ip == nil {
		return fallback
	}
	return &net.UDPAddr{IP: ip, Port: int(addr.Port)}
}

// --- hook plumbing ---

func (n *MeshNode) onStoreChange(key string, value json.RawMessage, op crdt.ChangeOp) {
	if n.cfg.onStateChange == nil {
		return
	}
	kind := ChangeSet
	if op == crdt.OpDelete || (op == crdt.OpMerge && value == nil) {
		kind = ChangeDelete
	}
	n.cfg.onStateChange(key, value, kind)
}

func (n *MeshNode) onPeerDiscovered(peer registry.PeerInfo) {
	if n.cfg.onPeerDiscovered == nil {
		return
	}
	addr := ""
	if peer.Address != nil {
		addr = peer.Address.String()
	}
	n.cfg.onPeerDiscovered(peer.NodeID, addr)
}

func (n *MeshNode) onPeerFailed(nodeID string) {
	if n.cfg.onPeerFailed == nil {
		return
	}
	n.cfg.onPeerFailed(nodeID)
}

func (n *MeshNode) onRetryExhausted(dest *net.UDPAddr, packetType wire.Type, attempts int) {
	metrics.RetriesExhausted.WithLabelValues(packetType.String()).Inc()
	n.log.Debugf("meshkv: retry exhausted for %s to %s after %d attempts", packetType, dest, attempts)
}

func (n *MeshNode) onLANPeer(addr *net.UDPAddr) {
	n.peers.AddBootstrap(addr)
}
