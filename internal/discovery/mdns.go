// Package discovery provides LAN peer auto-discovery via mDNS, supplemental
// to the usual bootstrap/gossip discovery path: addresses found here are
// fed into the peer registry's bootstrap set, never Observe'd directly, so
// mesh formation still flows through the normal heartbeat/discovery
// exchange.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceName = "_meshkv._udp"
	rebrowseEvery = 30 * time.Second
)

// MDNS announces the local node over mDNS and repeatedly browses for other
// meshkv instances on the LAN. A single zeroconf.Browse call only surfaces
// entries that answer before its internal query timer expires, so MDNS
// restarts the browse on a ticker to keep picking up nodes that join later.
type MDNS struct {
	nodeID string
	server *zeroconf.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New announces nodeID on bindAddr and browses for other meshkv instances.
// onPeer fires at most once per distinct address per rebrowse cycle; it never
// fires for the node's own advertisement.
func New(nodeID, bindAddr string, onPeer func(addr *net.UDPAddr)) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}

	server, err := zeroconf.Register(nodeID, serviceName, "local.", port, []string{
		"node=" + nodeID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{
		nodeID: nodeID,
		server: server,
		cancel: cancel,
		seen:   make(map[string]time.Time),
	}

	m.wg.Add(1)
	go m.loop(ctx, onPeer)

	return m, nil
}

// loop restarts a browse pass every rebrowseEvery until Stop is called.
func (m *MDNS) loop(ctx context.Context, onPeer func(addr *net.UDPAddr)) {
	defer m.wg.Done()

	ticker := time.NewTicker(rebrowseEvery)
	defer ticker.Stop()

	m.browseOnce(ctx, onPeer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.browseOnce(ctx, onPeer)
		}
	}
}

// browseOnce runs a single bounded mDNS query and reports freshly seen peers.
func (m *MDNS) browseOnce(ctx context.Context, onPeer func(addr *net.UDPAddr)) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return
	}

	browseCtx, cancel := context.WithTimeout(ctx, rebrowseEvery-time.Second)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if m.isSelf(entry) {
				continue
			}
			for _, ip := range entry.AddrIPv4 {
				m.report(&net.UDPAddr{IP: ip, Port: entry.Port}, onPeer)
			}
			for _, ip := range entry.AddrIPv6 {
				m.report(&net.UDPAddr{IP: ip, Port: entry.Port}, onPeer)
			}
		}
	}()

	if err := resolver.Browse(browseCtx, serviceName, "local.", entries); err != nil {
		cancel()
	}
	wg.Wait()
}

// report fires onPeer the first time addr is seen, and again when addr
// reappears after going unseen for more than two rebrowse windows, so a peer
// that drops off and later rejoins is reported again. Every sighting
// refreshes addr's last-seen time.
func (m *MDNS) report(addr *net.UDPAddr, onPeer func(addr *net.UDPAddr)) {
	key := addr.String()
	now := time.Now()

	m.seenMu.Lock()
	last, known := m.seen[key]
	stale := known && now.Sub(last) > 2*rebrowseEvery
	if !known || stale {
		m.seen[key] = now
	} else {
		m.seen[key] = now
		m.seenMu.Unlock()
		return
	}
	m.seenMu.Unlock()

	onPeer(addr)
}

// isSelf returns true if the discovered service entry belongs to this node.
func (m *MDNS) isSelf(entry *zeroconf.ServiceEntry) bool {
	return slices.Contains(entry.Text, "node="+m.nodeID)
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
