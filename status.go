package meshkv

import "time"

// PeerStatus summarizes one known peer, included in a Status snapshot's
// peer_details for callers that want more than the alive/total counts.
type PeerStatus struct {
	NodeID       string    `json:"node_id"`
	Address      string    `json:"address"`
	Alive        bool      `json:"alive"`
	LastSeen     time.Time `json:"last_seen"`
	LastSync     time.Time `json:"last_sync"`
	StateVersion int64     `json:"state_version"`
}

// PeerCounts is the peers field of a Status snapshot.
type PeerCounts struct {
	Alive int `json:"alive"`
	Total int `json:"total"`
}

// Status is a point-in-time snapshot of a MeshNode's state and membership.
type Status struct {
	NodeID       string       `json:"node_id"`
	Port         int          `json:"port"`
	StateVersion int64        `json:"state_version"`
	DataKeys     int          `json:"data_keys"`
	Peers        PeerCounts   `json:"peers"`
	PendingAcks  int          `json:"pending_acks"`
	PeerDetails  []PeerStatus `json:"peer_details,omitempty"`
}
