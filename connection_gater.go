package p2p

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// banEntry is a single ban on a subnet
type banEntry struct {
	subnet    *net.IPNet
	banUntil  time.Time
	createdAt time.Time
	reason    BanReason
}

// ConnectionGater decides which connections the node accepts or dials. It
// refuses everything while networking is disabled, and otherwise refuses
// blocked peers, banned subnets and peers over the per-peer connection limit.
type ConnectionGater struct {
	mu              sync.RWMutex
	active          atomic.Bool
	blockedPeers    map[peer.ID]time.Time
	bans            map[string]banEntry // keyed by subnet.String()
	maxConnsPerPeer int
	peerConns       map[peer.ID]int
	logger          Logger
	now             func() time.Time
}

// NewConnectionGater creates a new connection gater with specified configuration.
// The gater starts with networking enabled.
func NewConnectionGater(logger Logger, maxConnsPerPeer int) *ConnectionGater {
	cg := &ConnectionGater{
		blockedPeers:    make(map[peer.ID]time.Time),
		bans:            make(map[string]banEntry),
		maxConnsPerPeer: maxConnsPerPeer,
		peerConns:       make(map[peer.ID]int),
		logger:          logger,
		now:             time.Now,
	}
	cg.active.Store(true)

	return cg
}

// SetActive switches networking on or off and reports whether the state changed.
func (cg *ConnectionGater) SetActive(active bool) bool {
	return cg.active.CompareAndSwap(!active, active)
}

// Active reports whether networking is enabled.
func (cg *ConnectionGater) Active() bool {
	return cg.active.Load()
}

// BlockPeer blocks a specific peer for a duration
func (cg *ConnectionGater) BlockPeer(p peer.ID, duration time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedPeers[p] = cg.now().Add(duration)
}

// UnblockPeer removes a peer from the blocklist
func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	delete(cg.blockedPeers, p)
}

// Ban adds or extends a ban on subnet until banUntil.
func (cg *ConnectionGater) Ban(subnet *net.IPNet, banUntil time.Time, reason BanReason) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	key := subnet.String()
	createdAt := cg.now()

	if existing, ok := cg.bans[key]; ok {
		if existing.banUntil.After(banUntil) {
			return
		}

		createdAt = existing.createdAt
	}

	cg.bans[key] = banEntry{
		subnet:    subnet,
		banUntil:  banUntil,
		createdAt: createdAt,
		reason:    reason,
	}
}

// Unban lifts the ban on exactly subnet and reports whether one existed.
func (cg *ConnectionGater) Unban(subnet *net.IPNet) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	key := subnet.String()
	if _, ok := cg.bans[key]; !ok {
		return false
	}

	delete(cg.bans, key)

	return true
}

// ClearBans removes every ban.
func (cg *ConnectionGater) ClearBans() {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.bans = make(map[string]banEntry)
}

// Bans returns the live bans sorted by address, dropping expired ones.
func (cg *ConnectionGater) Bans() []BannedPeerRecord {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	now := cg.now()
	records := make([]BannedPeerRecord, 0, len(cg.bans))

	for key, entry := range cg.bans {
		if !now.Before(entry.banUntil) {
			delete(cg.bans, key)
			continue
		}

		records = append(records, BannedPeerRecord{
			Address:   key,
			BanUntil:  entry.banUntil,
			CreatedAt: entry.createdAt,
			Reason:    entry.reason,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})

	return records
}

// IsBanned reports whether ip falls inside a live ban.
func (cg *ConnectionGater) IsBanned(ip net.IP) bool {
	cg.mu.RLock()
	defer cg.mu.RUnlock()

	return cg.isBannedLocked(ip)
}

func (cg *ConnectionGater) isBannedLocked(ip net.IP) bool {
	now := cg.now()

	for _, entry := range cg.bans {
		if now.Before(entry.banUntil) && entry.subnet.Contains(ip) {
			return true
		}
	}

	return false
}

func (cg *ConnectionGater) isAddrBanned(addr multiaddr.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	return cg.IsBanned(ip)
}

// isPeerBlocked checks if a peer is currently blocked
func (cg *ConnectionGater) isPeerBlocked(p peer.ID) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if expiry, exists := cg.blockedPeers[p]; exists {
		if cg.now().Before(expiry) {
			return true
		}
		// Clean up expired block
		delete(cg.blockedPeers, p)
	}

	return false
}

// connClosed releases one connection slot of peer p
func (cg *ConnectionGater) connClosed(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.peerConns[p] <= 1 {
		delete(cg.peerConns, p)
		return
	}

	cg.peerConns[p]--
}

// InterceptPeerDial is called before dialing a peer
func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) (allow bool) {
	if !cg.Active() {
		cg.logger.Debugf("[ConnectionGater] Network disabled, refusing dial to peer: %s", p)
		return false
	}

	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] Blocked dial to peer: %s", p)
		return false
	}

	return true
}

// InterceptAddrDial is called before dialing an address
func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) (allow bool) {
	if !cg.InterceptPeerDial(p) {
		return false
	}

	if cg.isAddrBanned(addr) {
		cg.logger.Debugf("[ConnectionGater] Blocked dial to banned address %s for peer: %s", addr, p)
		return false
	}

	return true
}

// InterceptAccept is called before accepting a connection
func (cg *ConnectionGater) InterceptAccept(connAddr network.ConnMultiaddrs) (allow bool) {
	remoteAddr := connAddr.RemoteMultiaddr()

	if !cg.Active() {
		cg.logger.Debugf("[ConnectionGater] Network disabled, refusing accept from: %s", remoteAddr)
		return false
	}

	if cg.isAddrBanned(remoteAddr) {
		cg.logger.Debugf("[ConnectionGater] Blocked accept from banned address: %s", remoteAddr)
		return false
	}

	return true
}

// InterceptSecured is called after the handshake
func (cg *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) (allow bool) {
	if !cg.Active() {
		return false
	}

	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] Blocked secured connection from peer: %s", p)
		return false
	}

	if cg.maxConnsPerPeer > 0 {
		cg.mu.Lock()
		defer cg.mu.Unlock()

		if cg.peerConns[p] >= cg.maxConnsPerPeer {
			cg.logger.Debugf("[ConnectionGater] Peer %s exceeded max connections (%d)", p, cg.maxConnsPerPeer)
			return false
		}

		cg.peerConns[p]++
	}

	return true
}

// InterceptUpgraded is called after protocol negotiation
func (cg *ConnectionGater) InterceptUpgraded(_ network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

// Ensure ConnectionGater implements the interface
var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
