package p2p

import (
	"time"
)

// PeerRecord describes one connected peer at the time GetPeerInfo was called.
type PeerRecord struct {
	NodeID          int64         `json:"node_id"`
	PeerID          string        `json:"peer_id"`
	Address         string        `json:"address"`
	Hostname        string        `json:"hostname"`
	LocalAddress    string        `json:"local_address"`
	StartingHeight  int32         `json:"starting_height"`
	SyncedHeight    int32         `json:"synced_height"`
	TimeConnected   time.Time     `json:"time_connected"`
	PingTime        time.Duration `json:"ping_time"`
	LastSend        time.Time     `json:"last_send,omitempty"`
	LastRecv        time.Time     `json:"last_recv,omitempty"`
	BytesSent       int64         `json:"bytes_sent"`
	BytesReceived   int64         `json:"bytes_received"`
	UserAgent       string        `json:"user_agent"`
	ProtocolVersion string        `json:"protocol_version"`
	Inbound         bool          `json:"inbound"`
	Static          bool          `json:"static"`
	Misbehavior     int           `json:"misbehavior"`
}

// BanReason explains why an address ended up on the ban list.
type BanReason string

const (
	BanReasonManuallyAdded   BanReason = "manually added"
	BanReasonNodeMisbehaving BanReason = "node misbehaving"
)

// BannedPeerRecord is one entry of the ban list.
type BannedPeerRecord struct {
	Address   string    `json:"address"`
	BanUntil  time.Time `json:"ban_until"`
	CreatedAt time.Time `json:"created_at"`
	Reason    BanReason `json:"reason"`
}
