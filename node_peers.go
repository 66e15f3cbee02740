package p2p

import (
	"net"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	manet "github.com/multiformats/go-multiaddr/net"
)

// peerConnected is called by the swarm for every new connection. The first
// connection to a peer assigns its node id and changes the connection count.
func (s *Node) peerConnected(conn network.Conn) {
	peerID := conn.RemotePeer()

	s.peersMu.Lock()
	cp, known := s.peers[peerID]
	if !known {
		s.nextNodeID++
		cp = &connectedPeer{
			nodeID:   s.nextNodeID,
			connTime: time.Now(),
		}
		s.peers[peerID] = cp
		// emitted under the lock so count events keep their order
		s.events.connectionCountChanged(len(s.peers))
	}
	cp.conns++
	s.peersMu.Unlock()

	if known {
		return
	}

	s.logger.Debugf("[Node] Peer connected: %s (node id %d)", peerID.String(), cp.nodeID)

	if s.peerCache != nil {
		s.peerCache.RecordSuccess(peerID, []string{conn.RemoteMultiaddr().String()})
	}
}

// peerDisconnected is called by the swarm for every closed connection
func (s *Node) peerDisconnected(conn network.Conn) {
	peerID := conn.RemotePeer()

	s.gater.connClosed(peerID)

	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	cp, ok := s.peers[peerID]
	if !ok {
		return
	}

	cp.conns--
	if cp.conns > 0 {
		return
	}

	delete(s.peers, peerID)
	s.events.connectionCountChanged(len(s.peers))

	s.logger.Debugf("[Node] Peer disconnected: %s (node id %d)", peerID.String(), cp.nodeID)
}

// ConnectionCount returns the number of distinct connected peers.
func (s *Node) ConnectionCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	return len(s.peers)
}

// GetPeerInfo returns a record for every connected peer, ordered by node id.
func (s *Node) GetPeerInfo() []PeerRecord {
	records := make([]PeerRecord, 0)
	if s.closed.Load() {
		return records
	}

	type tracked struct {
		id   peer.ID
		peer connectedPeer
	}

	s.peersMu.RLock()
	snapshot := make([]tracked, 0, len(s.peers))
	for id, cp := range s.peers {
		snapshot = append(snapshot, tracked{id: id, peer: *cp})
	}
	s.peersMu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].peer.nodeID < snapshot[j].peer.nodeID
	})

	for _, t := range snapshot {
		conns := s.host.Network().ConnsToPeer(t.id)
		if len(conns) == 0 {
			// disconnected since the snapshot
			continue
		}

		records = append(records, s.peerRecord(t.id, t.peer, conns[0]))
	}

	return records
}

func (s *Node) peerRecord(id peer.ID, cp connectedPeer, conn network.Conn) PeerRecord {
	remote := conn.RemoteMultiaddr()
	stats := s.bandwidth.GetBandwidthForPeer(id)

	rec := PeerRecord{
		NodeID:         cp.nodeID,
		PeerID:         id.String(),
		Address:        remote.String(),
		LocalAddress:   conn.LocalMultiaddr().String(),
		StartingHeight: cp.startingHeight,
		SyncedHeight:   cp.syncedHeight,
		TimeConnected:  cp.connTime,
		PingTime:       s.host.Peerstore().LatencyEWMA(id),
		LastSend:       cp.lastSend,
		LastRecv:       cp.lastRecv,
		BytesSent:      stats.TotalOut,
		BytesReceived:  stats.TotalIn,
		Inbound:        conn.Stat().Direction == network.DirInbound,
		Misbehavior:    cp.misbehavior,
	}

	if hostname, err := getIPFromMultiaddr(remote); err == nil {
		rec.Hostname = hostname
	}

	rec.Static = s.isStatic(id)

	rec.UserAgent = s.peerstoreString(id, "AgentVersion")
	rec.ProtocolVersion = s.peerstoreString(id, "ProtocolVersion")

	return rec
}

// peerstoreString reads a string value the identify protocol stored for a peer
func (s *Node) peerstoreString(id peer.ID, key string) string {
	v, err := s.host.Peerstore().Get(id, key)
	if err != nil {
		return ""
	}

	str, _ := v.(string)

	return str
}

const (
	// misbehaviorBanScore is the score at which a peer gets banned
	misbehaviorBanScore      = 100
	invalidAnnouncementScore = 20
)

// misbehaving adds score to a connected peer's misbehavior total. At
// misbehaviorBanScore the peer's addresses are banned for DefaultBanTime and
// its id is blocked for as long, so it cannot come back from a new address.
func (s *Node) misbehaving(id peer.ID, score int, reason string) {
	s.peersMu.Lock()
	cp, ok := s.peers[id]
	if ok {
		cp.misbehavior += score
		score = cp.misbehavior
	}
	s.peersMu.Unlock()

	if !ok {
		return
	}

	s.logger.Debugf("[Node] peer %s misbehaving (%s), score %d", id.ShortString(), reason, score)

	if score < misbehaviorBanScore {
		return
	}

	banUntil := time.Now().Add(DefaultBanTime)
	s.gater.BlockPeer(id, DefaultBanTime)

	for _, conn := range s.host.Network().ConnsToPeer(id) {
		if ip, err := manet.ToIP(conn.RemoteMultiaddr()); err == nil {
			s.gater.Ban(hostSubnet(ip), banUntil, BanReasonNodeMisbehaving)
		}
	}

	s.logger.Warnf("[Node] banned misbehaving peer %s until %s", id.String(), banUntil.Format(time.RFC3339))

	if err := s.host.Network().ClosePeer(id); err != nil {
		s.logger.Debugf("[Node] Error closing connection to misbehaving peer %s: %v", id.String(), err)
	}

	s.saveBanList()
}

// DisconnectPeer closes every connection to the peer with the given node id.
// It returns false if no connected peer has that id.
func (s *Node) DisconnectPeer(nodeID int64) bool {
	if s.closed.Load() {
		return false
	}

	var (
		target peer.ID
		found  bool
	)

	s.peersMu.RLock()
	for id, cp := range s.peers {
		if cp.nodeID == nodeID {
			target, found = id, true
			break
		}
	}
	s.peersMu.RUnlock()

	if !found {
		s.logger.Debugf("[Node] DisconnectPeer: no peer with node id %d", nodeID)
		return false
	}

	if err := s.host.Network().ClosePeer(target); err != nil {
		s.logger.Debugf("[Node] Error closing connection to %s: %v", target.String(), err)
	}

	return true
}

// BanPeer bans the host of address for banTime and drops any connection from
// it. address must be a numeric IP, optionally with a port. A non-positive
// banTime bans for DefaultBanTime.
func (s *Node) BanPeer(address string, banTime time.Duration) bool {
	if s.closed.Load() {
		return false
	}

	subnet, err := parseBanAddress(address)
	if err != nil {
		s.logger.Warnf("[Node] BanPeer: %v", err)
		return false
	}

	if banTime <= 0 {
		banTime = DefaultBanTime
	}

	s.gater.Ban(subnet, time.Now().Add(banTime), BanReasonManuallyAdded)
	s.logger.Infof("[Node] banned %s for %s", subnet.String(), banTime)

	s.disconnectSubnet(subnet)
	s.saveBanList()

	return true
}

// UnbanPeer lifts the ban on an IP or a CIDR subnet. It returns false only if
// address cannot be parsed.
func (s *Node) UnbanPeer(address string) bool {
	if s.closed.Load() {
		return false
	}

	subnet, err := parseUnbanAddress(address)
	if err != nil {
		s.logger.Warnf("[Node] UnbanPeer: %v", err)
		return false
	}

	if s.gater.Unban(subnet) {
		s.logger.Infof("[Node] unbanned %s", subnet.String())
		s.saveBanList()
	}

	return true
}

// ClearBanned removes every ban.
func (s *Node) ClearBanned() bool {
	if s.closed.Load() {
		return false
	}

	s.gater.ClearBans()
	s.saveBanList()

	return true
}

// ListBannedPeers returns the live bans sorted by address.
func (s *Node) ListBannedPeers() []BannedPeerRecord {
	return s.gater.Bans()
}

func (s *Node) disconnectSubnet(subnet *net.IPNet) {
	for _, conn := range s.host.Network().Conns() {
		ip, err := manet.ToIP(conn.RemoteMultiaddr())
		if err != nil || !subnet.Contains(ip) {
			continue
		}

		if err := s.host.Network().ClosePeer(conn.RemotePeer()); err != nil {
			s.logger.Debugf("[Node] Error closing connection to banned peer %s: %v", conn.RemotePeer().String(), err)
		}
	}
}
