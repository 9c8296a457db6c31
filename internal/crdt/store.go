// Package crdt implements the replicated key/value state: an LWW register
// with tombstone-based deletion, vector-clock causality tracking, and a
// deterministic, commutative merge.
package crdt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/meshdb/meshkv/internal/wire"
)

// Entry is a register value together with the (timestamp, origin) pair
// that determines its place in the LWW order.
type Entry struct {
	Value     json.RawMessage
	Timestamp float64
	Origin    string
}

// dominates reports whether (ts1, origin1) should win over (ts2, origin2)
// under the LWW order:
// greater timestamp wins; on a tie, the lexicographically greater origin
// node id wins. Equal (timestamp, origin) pairs never dominate each other.
func dominates(ts1 float64, origin1 string, ts2 float64, origin2 string) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	return origin1 > origin2
}

// Tombstone records that a key was deleted at (Timestamp, Origin).
type Tombstone struct {
	Timestamp float64
	Origin    string
}

// ChangeOp identifies why a change callback fired.
type ChangeOp string

const (
	OpSet    ChangeOp = "set"
	OpDelete ChangeOp = "delete"
	OpMerge  ChangeOp = "merge"
)

// ChangeFunc is invoked after the store's lock is released, per key that
// actually changed. value is nil for delete.
type ChangeFunc func(key string, value json.RawMessage, op ChangeOp)

// Clock returns the current time in fractional seconds, matching the
// spec's "floating wall-clock seconds" timestamp model. It is a field
// (not a direct time.Now call) so tests can freeze it.
type Clock func() float64

func WallClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Store holds one node's view of the replicated register and tombstone
// sets, plus its vector clock and state version.
type Store struct {
	mu sync.Mutex

	selfID string
	clock  Clock

	data        map[string]Entry
	tombstones  map[string]Tombstone
	vectorClock map[string]int64
	version     int64

	onChange ChangeFunc
}

// New creates a store for node selfID. onChange may be nil.
func New(selfID string, clock Clock, onChange ChangeFunc) *Store {
	if clock == nil {
		clock = WallClock
	}
	return &Store{
		selfID:      selfID,
		clock:       clock,
		data:        make(map[string]Entry),
		tombstones:  make(map[string]Tombstone),
		vectorClock: make(map[string]int64),
		onChange:    onChange,
	}
}

// Set writes key=value as a new entry stamped with the current time and
// this node's id, bumps the node's vector-clock counter and the state
// version, and clears any tombstone the new write supersedes.
func (s *Store) Set(key string, value json.RawMessage) {
	ts := s.clock()

	s.mu.Lock()
	s.data[key] = Entry{Value: value, Timestamp: ts, Origin: s.selfID}
	s.vectorClock[s.selfID]++
	s.version++
	if tomb, ok := s.tombstones[key]; ok && dominates(ts, s.selfID, tomb.Timestamp, tomb.Origin) {
		delete(s.tombstones, key)
	}
	s.mu.Unlock()

	s.fire(key, value, OpSet)
}

// Delete records a tombstone for key, stamped with the current time and
// this node's id, and removes any live register entry.
func (s *Store) Delete(key string) {
	ts := s.clock()

	s.mu.Lock()
	s.tombstones[key] = Tombstone{Timestamp: ts, Origin: s.selfID}
	delete(s.data, key)
	s.vectorClock[s.selfID]++
	s.version++
	s.mu.Unlock()

	s.fire(key, nil, OpDelete)
}

// Get returns the live value for key, or ok=false if the key is absent or
// shadowed by a tombstone.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, tombstoned := s.tombstones[key]; tombstoned {
		return nil, false
	}
	entry, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Keys returns every key with a live (non-tombstoned) register entry.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if _, tombstoned := s.tombstones[key]; tombstoned {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Version returns the current state version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns a wire-ready copy of the register, tombstones, and
// vector clock for a SYNC_RESPONSE.
func (s *Store) Snapshot() wire.SyncResponsePayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]wire.RegisterEntryWire, len(s.data))
	for key, entry := range s.data {
		data[key] = wire.RegisterEntryWire{Value: entry.Value, Timestamp: entry.Timestamp, Origin: entry.Origin}
	}
	tombstones := make(map[string]wire.TombstoneWire, len(s.tombstones))
	for key, tomb := range s.tombstones {
		tombstones[key] = wire.TombstoneWire{Timestamp: tomb.Timestamp, Origin: tomb.Origin}
	}
	vc := make(map[string]int64, len(s.vectorClock))
	for node, seq := range s.vectorClock {
		vc[node] = seq
	}

	return wire.SyncResponsePayload{
		NodeID:      s.selfID,
		Data:        data,
		Tombstones:  tombstones,
		VectorClock: vc,
	}
}

func (s *Store) fire(key string, value json.RawMessage, op ChangeOp) {
	if s.onChange != nil {
		s.onChange(key, value, op)
	}
}

// Merge applies a remote snapshot using the LWW rule per key and merges
// the vector clock component-wise by max. It returns the number of keys
// whose local state actually changed; merge is idempotent and commutative.
func (s *Store) Merge(remote wire.SyncResponsePayload) int {
	type change struct {
		key   string
		value json.RawMessage
		op    ChangeOp
	}
	var changes []change

	s.mu.Lock()

	keys := make(map[string]struct{}, len(remote.Data)+len(remote.Tombstones))
	for key := range remote.Data {
		keys[key] = struct{}{}
	}
	for key := range remote.Tombstones {
		keys[key] = struct{}{}
	}

	for key := range keys {
		remoteWrite, hasWrite := remote.Data[key]
		remoteTomb, hasTomb := remote.Tombstones[key]
		localWrite, hasLocalWrite := s.data[key]
		localTomb, hasLocalTomb := s.tombstones[key]

		// Among the (up to) four candidates for this key, find the winner
		// under the LWW order. A tombstone and a write with an identical
		// (timestamp, origin) pair never occur from the same origin in
		// practice, but ties are broken consistently by origin id.
		type candidate struct {
			ts     float64
			origin string
			isTomb bool
			value  json.RawMessage
		}
		var winner *candidate
		consider := func(c candidate) {
			if winner == nil || dominates(c.ts, c.origin, winner.ts, winner.origin) {
				cc := c
				winner = &cc
			}
		}
		if hasLocalWrite {
			consider(candidate{ts: localWrite.Timestamp, origin: localWrite.Origin, value: localWrite.Value})
		}
		if hasLocalTomb {
			consider(candidate{ts: localTomb.Timestamp, origin: localTomb.Origin, isTomb: true})
		}
		if hasWrite {
			consider(candidate{ts: remoteWrite.Timestamp, origin: remoteWrite.Origin, value: remoteWrite.Value})
		}
		if hasTomb {
			consider(candidate{ts: remoteTomb.Timestamp, origin: remoteTomb.Origin, isTomb: true})
		}
		if winner == nil {
			continue
		}

		if winner.isTomb {
			already := hasLocalTomb && localTomb.Timestamp == winner.ts && localTomb.Origin == winner.origin
			dataDominated := hasLocalWrite && dominates(winner.ts, winner.origin, localWrite.Timestamp, localWrite.Origin)
			if !already {
				s.tombstones[key] = Tombstone{Timestamp: winner.ts, Origin: winner.origin}
				changes = append(changes, change{key: key, value: nil, op: OpMerge})
			}
			if hasLocalWrite && dataDominated {
				delete(s.data, key)
			}
		} else {
			already := hasLocalWrite && localWrite.Timestamp == winner.ts && localWrite.Origin == winner.origin
			tombDominated := hasLocalTomb && dominates(winner.ts, winner.origin, localTomb.Timestamp, localTomb.Origin)
			if !already {
				s.data[key] = Entry{Value: winner.value, Timestamp: winner.ts, Origin: winner.origin}
				changes = append(changes, change{key: key, value: winner.value, op: OpMerge})
			}
			if hasLocalTomb && tombDominated {
				delete(s.tombstones, key)
			}
		}
	}

	for node, seq := range remote.VectorClock {
		if seq > s.vectorClock[node] {
			s.vectorClock[node] = seq
		}
	}

	if len(changes) > 0 {
		s.version++
	}
	s.mu.Unlock()

	for _, c := range changes {
		if s.onChange != nil {
			s.onChange(c.key, c.value, c.op)
		}
	}
	return len(changes)
}
