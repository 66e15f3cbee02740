package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	// PeerCacheVersion defines the version of the peer cache format
	PeerCacheVersion = 1
	// DefaultCacheTTL defines the default time-to-live for cached peers
	DefaultCacheTTL = 30 * 24 * time.Hour // 30 days
	// DefaultMaxCachedPeers defines the default maximum number of peers to cache
	DefaultMaxCachedPeers = 100

	// peers at or above this many consecutive failures are not offered for reconnection
	maxReconnectFailures = 5
	// peers at or above this many consecutive failures are pruned
	maxCachedFailures = 10
)

// CachedPeer is what the cache knows about one peer
type CachedPeer struct {
	ID              string    `json:"id"`
	Addresses       []string  `json:"addresses"`
	LastSeen        time.Time `json:"last_seen"`
	LastConnected   time.Time `json:"last_connected"`
	ConnectionCount int       `json:"connection_count"`
	FailureCount    int       `json:"failure_count"`
}

func (p *CachedPeer) successRatio() float64 {
	return float64(p.ConnectionCount) / float64(p.ConnectionCount+p.FailureCount+1)
}

// betterThan ranks peers that ever connected first, then by success ratio,
// then by the most recent connection.
func (p *CachedPeer) betterThan(o *CachedPeer) bool {
	if (p.ConnectionCount > 0) != (o.ConnectionCount > 0) {
		return p.ConnectionCount > 0
	}

	if pr, qr := p.successRatio(), o.successRatio(); pr != qr {
		return pr > qr
	}

	return p.LastConnected.After(o.LastConnected)
}

type peerCacheFile struct {
	Version int          `json:"version"`
	Peers   []CachedPeer `json:"peers"`
}

// PeerCache remembers peers the node has talked to so it can dial them again
// after a restart or after networking is switched back on.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[string]*CachedPeer
	now   func() time.Time
}

// NewPeerCache creates an empty peer cache
func NewPeerCache() *PeerCache {
	return &PeerCache{
		peers: make(map[string]*CachedPeer),
		now:   time.Now,
	}
}

// LoadPeerCache reads a peer cache file. A missing file or an unknown version
// yields an empty cache.
func LoadPeerCache(path string) (*PeerCache, error) {
	var file peerCacheFile

	found, err := readJSONFile(path, &file)
	if err != nil {
		return nil, err
	}

	cache := NewPeerCache()
	if !found || file.Version != PeerCacheVersion {
		return cache, nil
	}

	for i := range file.Peers {
		p := file.Peers[i]
		cache.peers[p.ID] = &p
	}

	return cache, nil
}

// Save writes the cache to path, best peers first.
func (pc *PeerCache) Save(path string) error {
	pc.mu.RLock()
	file := peerCacheFile{Version: PeerCacheVersion, Peers: pc.rankedLocked(func(*CachedPeer) bool { return true })}
	pc.mu.RUnlock()

	return writeJSONFile(path, file)
}

// RecordSuccess notes a connection to id. addresses replace the known ones
// unless empty. A success resets the failure streak.
func (pc *PeerCache) RecordSuccess(id peer.ID, addresses []string) {
	pc.record(id, addresses, func(p *CachedPeer, now time.Time) {
		p.LastConnected = now
		p.ConnectionCount++
		p.FailureCount = 0
	})
}

// RecordFailure notes a failed dial to id
func (pc *PeerCache) RecordFailure(id peer.ID, addresses []string) {
	pc.record(id, addresses, func(p *CachedPeer, _ time.Time) {
		p.FailureCount++
	})
}

func (pc *PeerCache) record(id peer.ID, addresses []string, update func(*CachedPeer, time.Time)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	key := id.String()
	now := pc.now()

	p, ok := pc.peers[key]
	if !ok {
		p = &CachedPeer{ID: key}
		pc.peers[key] = p
	}

	p.LastSeen = now
	if len(addresses) > 0 {
		p.Addresses = addresses
	}

	update(p, now)
}

// rankedLocked returns copies of the peers accepted by keep, best first
func (pc *PeerCache) rankedLocked(keep func(*CachedPeer) bool) []CachedPeer {
	ranked := make([]*CachedPeer, 0, len(pc.peers))

	for _, p := range pc.peers {
		if keep(p) {
			ranked = append(ranked, p)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		switch {
		case ranked[i].betterThan(ranked[j]):
			return true
		case ranked[j].betterThan(ranked[i]):
			return false
		}

		return ranked[i].ID < ranked[j].ID
	})

	out := make([]CachedPeer, len(ranked))
	for i, p := range ranked {
		out[i] = *p
		out[i].Addresses = append([]string(nil), p.Addresses...)
	}

	return out
}

func (pc *PeerCache) fresh(ttl time.Duration) func(*CachedPeer) bool {
	cutoff := pc.now().Add(-ttl)

	return func(p *CachedPeer) bool {
		return p.LastSeen.After(cutoff)
	}
}

// Best returns at most limit peers seen within ttl that are below the
// reconnect failure limit, best first.
func (pc *PeerCache) Best(limit int, ttl time.Duration) []CachedPeer {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	fresh := pc.fresh(ttl)
	best := pc.rankedLocked(func(p *CachedPeer) bool {
		return fresh(p) && p.FailureCount < maxReconnectFailures
	})

	if limit < len(best) {
		best = best[:limit]
	}

	return best
}

// AddrInfos converts the best cached peers into dialable address infos,
// skipping entries whose id or addresses no longer parse.
func (pc *PeerCache) AddrInfos(limit int, ttl time.Duration) []peer.AddrInfo {
	best := pc.Best(limit, ttl)
	infos := make([]peer.AddrInfo, 0, len(best))

	for _, cp := range best {
		id, err := peer.Decode(cp.ID)
		if err != nil {
			continue
		}

		info := peer.AddrInfo{ID: id}

		for _, a := range cp.Addresses {
			if maddr, err := multiaddr.NewMultiaddr(a); err == nil {
				info.Addrs = append(info.Addrs, maddr)
			}
		}

		if len(info.Addrs) > 0 {
			infos = append(infos, info)
		}
	}

	return infos
}

// Prune drops peers not seen within ttl or at the prune failure limit, then
// keeps the best maxPeers of the rest.
func (pc *PeerCache) Prune(maxPeers int, ttl time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	fresh := pc.fresh(ttl)
	kept := pc.rankedLocked(func(p *CachedPeer) bool {
		return fresh(p) && p.FailureCount < maxCachedFailures
	})

	if maxPeers < len(kept) {
		kept = kept[:maxPeers]
	}

	pc.peers = make(map[string]*CachedPeer, len(kept))
	for i := range kept {
		pc.peers[kept[i].ID] = &kept[i]
	}
}

// Len returns the number of cached peers
func (pc *PeerCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return len(pc.peers)
}

// Remove forgets id
func (pc *PeerCache) Remove(id peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	delete(pc.peers, id.String())
}
