package meshkv

import "encoding/json"

// ChangeKind identifies why a StateChangeFunc hook fired.
type ChangeKind string

const (
	// ChangeSet means the key's value was written, locally or via merge.
	ChangeSet ChangeKind = "set"
	// ChangeDelete means the key was deleted, locally or via merge.
	ChangeDelete ChangeKind = "delete"
)

// StateChangeFunc is called once per key whose live value changed, after
// the change has already been applied to local state. value is nil when
// kind is ChangeDelete. Hooks run outside the node's internal locks but are
// invoked synchronously from the goroutine that produced the change; a slow
// hook delays that goroutine's next step.
type StateChangeFunc func(key string, value json.RawMessage, kind ChangeKind)

// PeerDiscoveredFunc is called the first time a peer is observed, either
// from an incoming packet or from LAN discovery feeding a successful
// bootstrap contact.
type PeerDiscoveredFunc func(nodeID string, addr string)

// PeerFailedFunc is called when a previously-alive peer is marked dead
// after exceeding the configured peer timeout.
type PeerFailedFunc func(nodeID string)
