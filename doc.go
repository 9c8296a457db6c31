// Package meshkv implements a multi-master, eventually-consistent key/value
// replica that synchronizes state across a mesh of peers over an
// unreliable UDP datagram transport. Each node is both client and server:
// it accepts local writes, periodically reconciles state with peers,
// detects failed peers, and converges under packet loss, latency, and
// restarts.
//
// # Subsystems
//
// Three subsystems compose the core:
//
//   - internal/transport: a reliable-datagram endpoint layering
//     sequencing, acknowledgements, exponential-backoff retransmission,
//     duplicate suppression, and checksum integrity on top of UDP.
//   - internal/crdt: a Last-Write-Wins register with tombstone-based
//     deletion, vector-clock causality tracking, and a deterministic,
//     commutative merge.
//   - This package: the mesh orchestrator driving anti-entropy sync,
//     heartbeat-based failure detection, and gossip peer discovery.
//
// # Non-goals
//
// No Byzantine fault tolerance, authentication, or encryption. No
// persistence; state is ephemeral per process. No delta/Merkle sync — full
// snapshots are exchanged on every anti-entropy round. No strong
// consistency or leadership.
//
// # Example
//
//	node, err := meshkv.New(
//		meshkv.WithNodeID("a"),
//		meshkv.WithBindAddr("127.0.0.1:9001"),
//		meshkv.WithSeeds([]string{"127.0.0.1:9002"}),
//	)
//	if err != nil {
//		// handle error
//	}
//	defer node.Stop()
//	_ = node.Set(context.Background(), "key", "value")
//	_, _ = node.Get(context.Background(), "key")
package meshkv
