package p2p

import (
	"sync/atomic"
	"time"
)

// Handle identifies a Backend instance. Zero is never a valid handle.
type Handle uint64

// handleSeq hands out node handles; the first one is 1
var handleSeq atomic.Uint64

func nextHandle() Handle {
	return Handle(handleSeq.Add(1))
}

// Backend is the networking implementation a Controller forwards to.
//
// Implementations report asynchronous state changes (network on/off,
// connection count, byte totals) through the registered NetworkListener only;
// none of the commands below return a confirmation.
type Backend interface {
	SetListener(listener NetworkListener)
	DisableNetwork()
	EnableNetwork()
	GetPeerInfo() []PeerRecord

	ListBannedPeers() []BannedPeerRecord
	BanPeer(address string, banTime time.Duration) bool
	UnbanPeer(address string) bool
	DisconnectPeer(nodeID int64) bool
	ClearBanned() bool

	// Release tears down the instance identified by h. A Controller calls it at most once.
	Release(h Handle) error
}

// Ensure Node implements the interface
var _ Backend = (*Node)(nil)
