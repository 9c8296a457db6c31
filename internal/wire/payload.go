package wire

import (
	"encoding/json"
	"fmt"
)

// Address is a transport endpoint, serialized as {host, port} on the wire.
type Address struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// AckPayload acknowledges a single sequence number. ACK packets are never
// themselves acknowledged.
type AckPayload struct {
	AckSeq uint32 `json:"ack_seq"`
}

// HeartbeatPayload announces liveness and the sender's current state version.
type HeartbeatPayload struct {
	NodeID       string  `json:"node_id"`
	Address      Address `json:"address"`
	StateVersion int64   `json:"state_version"`
}

// PeerInfo describes one peer inside a DISCOVERY payload.
type PeerInfo struct {
	NodeID  string  `json:"node_id"`
	Address Address `json:"address"`
	Alive   bool    `json:"alive"`
}

// DiscoveryPayload carries the sender's identity and known-peer list.
type DiscoveryPayload struct {
	NodeID     string     `json:"node_id"`
	Address    Address    `json:"address"`
	KnownPeers []PeerInfo `json:"known_peers"`
}

// SyncRequestPayload asks the receiver for a full state snapshot.
type SyncRequestPayload struct {
	NodeID       string `json:"node_id"`
	StateVersion int64  `json:"state_version"`
}

// RegisterEntryWire is the wire form of a register entry, encoded as the
// JSON array [value, timestamp, origin] rather than an object, to keep the
// SYNC_RESPONSE payload compact.
type RegisterEntryWire struct {
	Value     json.RawMessage
	Timestamp float64
	Origin    string
}

func (e RegisterEntryWire) MarshalJSON() ([]byte, error) {
	value := e.Value
	if value == nil {
		value = json.RawMessage("null")
	}
	return json.Marshal([]any{value, e.Timestamp, e.Origin})
}

func (e *RegisterEntryWire) UnmarshalJSON(data []byte) error {
	var arr [3]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("wire: decode register entry: %w", err)
	}
	e.Value = arr[0]
	if err := json.Unmarshal(arr[1], &e.Timestamp); err != nil {
		return fmt.Errorf("wire: decode register entry timestamp: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Origin); err != nil {
		return fmt.Errorf("wire: decode register entry origin: %w", err)
	}
	return nil
}

// TombstoneWire is the wire form of a tombstone: [timestamp, origin].
type TombstoneWire struct {
	Timestamp float64
	Origin    string
}

func (t TombstoneWire) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.Timestamp, t.Origin})
}

func (t *TombstoneWire) UnmarshalJSON(data []byte) error {
	var arr [2]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("wire: decode tombstone: %w", err)
	}
	if err := json.Unmarshal(arr[0], &t.Timestamp); err != nil {
		return fmt.Errorf("wire: decode tombstone timestamp: %w", err)
	}
	if err := json.Unmarshal(arr[1], &t.Origin); err != nil {
		return fmt.Errorf("wire: decode tombstone origin: %w", err)
	}
	return nil
}

// SyncResponsePayload carries a full CRDT state snapshot.
type SyncResponsePayload struct {
	NodeID      string                       `json:"node_id"`
	Data        map[string]RegisterEntryWire `json:"data"`
	Tombstones  map[string]TombstoneWire     `json:"tombstones"`
	VectorClock map[string]int64             `json:"vector_clock"`
}

// DataPayload is reserved for application-defined payloads; the core does
// not interpret it beyond the `from` field.
type DataPayload struct {
	From string `json:"from"`
}

// EncodeAck marshals an AckPayload for the given sequence number.
func EncodeAck(ackSeq uint32) ([]byte, error) {
	return json.Marshal(AckPayload{AckSeq: ackSeq})
}

// DecodeAck unmarshals an AckPayload and returns its AckSeq.
func DecodeAck(payload []byte) (uint32, error) {
	var p AckPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("wire: decode ack: %w", err)
	}
	return p.AckSeq, nil
}
