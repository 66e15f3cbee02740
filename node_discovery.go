package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	dRouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dUtil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"
)

const (
	staticPeerRetryDelay = 5 * time.Second
	staticPeerCheckDelay = 30 * time.Second
	discoveryRoundDelay  = 5 * time.Second
	reconnectTimeout     = 10 * time.Second
	bootstrapDialTimeout = 500 * time.Millisecond
	maxConcurrentDials   = 16
)

// where a dial target came from
const (
	sourceStatic    = "static"
	sourceCached    = "cached"
	sourceDiscovery = "discovered"
	sourceBootstrap = "bootstrap"
)

// peerIDMismatch appears in dial errors when the remote key differs from the dialed id
const peerIDMismatch = "peer id mismatch"

var (
	errNetworkDisabled = errors.New("[Node] network is disabled")
	errAllAddrsBanned  = errors.New("[Node] every address of the peer is banned")
)

// parsePeerAddrs turns /p2p/ multiaddrs into AddrInfos, merging addresses
// that name the same peer. Unusable entries are logged and skipped.
func parsePeerAddrs(logger Logger, kind string, addrs []string) []peer.AddrInfo {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	index := make(map[peer.ID]int, len(addrs))

	for _, addr := range addrs {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logger.Warnf("[Node] ignoring %s peer address %q: %v", kind, addr, err)
			continue
		}

		if i, ok := index[info.ID]; ok {
			infos[i].Addrs = append(infos[i].Addrs, info.Addrs...)
			continue
		}

		index[info.ID] = len(infos)
		infos = append(infos, *info)
	}

	return infos
}

func (s *Node) isStatic(id peer.ID) bool {
	for _, info := range s.staticPeers {
		if info.ID == id {
			return true
		}
	}

	return false
}

func (s *Node) isConnected(id peer.ID) bool {
	return s.host.Network().Connectedness(id) == network.Connected
}

// dialPeer connects to info unless it is this node or already connected.
// Banned addresses are dropped before dialing. Failures of non-bootstrap
// peers are recorded in the peer cache; successes are recorded when the
// connection notification arrives.
func (s *Node) dialPeer(ctx context.Context, info peer.AddrInfo, source string) error {
	if info.ID == s.host.ID() || s.isConnected(info.ID) {
		return nil
	}

	if !s.gater.Active() {
		return errNetworkDisabled
	}

	if len(info.Addrs) > 0 {
		allowed := make([]multiaddr.Multiaddr, 0, len(info.Addrs))
		for _, addr := range info.Addrs {
			if !s.gater.isAddrBanned(addr) {
				allowed = append(allowed, addr)
			}
		}

		if len(allowed) == 0 {
			return errAllAddrsBanned
		}

		info.Addrs = allowed
	}

	if err := s.host.Connect(ctx, info); err != nil {
		s.logger.Debugf("[Node] failed to connect to %s peer %s: %v", source, info.ID.String(), err)

		switch {
		case s.peerCache == nil || source == sourceBootstrap:
		case strings.Contains(err.Error(), peerIDMismatch):
			// the peer now runs with another key, so the cached identity is dead
			s.peerCache.Remove(info.ID)
		default:
			s.peerCache.RecordFailure(info.ID, multiaddrStrings(info.Addrs))
		}

		return err
	}

	s.logger.Infof("[Node] connected to %s peer %s after %s", source, info.ID.String(), time.Since(s.startTime).Round(time.Millisecond))

	return nil
}

// dialAll dials infos concurrently and waits for every attempt
func (s *Node) dialAll(ctx context.Context, infos []peer.AddrInfo, source string) {
	var g errgroup.Group

	g.SetLimit(maxConcurrentDials)

	for _, info := range infos {
		g.Go(func() error {
			_ = s.dialPeer(ctx, info, source)
			return nil
		})
	}

	_ = g.Wait()
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// startStaticPeerConnector keeps every static peer connected while the
// network is enabled, checking more often while some are missing.
func (s *Node) startStaticPeerConnector(ctx context.Context) {
	if len(s.staticPeers) == 0 {
		s.logger.Infof("[Node] no static peers configured")
		return
	}

	s.goRun(func() {
		var (
			delay        time.Duration
			allConnected bool
		)

		for sleep(ctx, delay) {
			if !s.gater.Active() {
				delay = staticPeerRetryDelay
				continue
			}

			missing := s.connectStaticPeers(ctx)
			if missing == 0 {
				if !allConnected {
					s.logger.Infof("[Node] all %d static peers connected", len(s.staticPeers))
				}

				allConnected = true
				delay = staticPeerCheckDelay

				continue
			}

			s.logger.Infof("[Node] %d of %d static peers not connected", missing, len(s.staticPeers))

			allConnected = false
			delay = staticPeerRetryDelay
		}
	})
}

// connectStaticPeers dials the static peers one by one and returns how many
// are still not connected
func (s *Node) connectStaticPeers(ctx context.Context) int {
	missing := 0

	for _, info := range s.staticPeers {
		if ctx.Err() != nil {
			return len(s.staticPeers)
		}

		if err := s.dialPeer(ctx, info, sourceStatic); err != nil {
			missing++
		}
	}

	return missing
}

// reconnect dials static peers and the best cached peers once, in the background
func (s *Node) reconnect() {
	ctx := s.runContext()
	if ctx == nil || s.closed.Load() {
		return
	}

	s.goRun(func() {
		dialCtx, cancel := context.WithTimeout(ctx, reconnectTimeout)
		defer cancel()

		s.dialAll(dialCtx, s.staticPeers, sourceStatic)

		if s.peerCache != nil {
			s.dialAll(dialCtx, s.peerCache.AddrInfos(s.config.MaxCachedPeers, s.config.PeerCacheTTL), sourceCached)
		}
	})
}

// discoverPeers advertises topics on the DHT and dials the peers found there,
// one round every discoveryRoundDelay until ctx ends. Rounds are skipped
// while the network is disabled.
func (s *Node) discoverPeers(ctx context.Context, topics []string) error {
	kad, err := s.newDHT(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := kad.Close(); err != nil {
			s.logger.Debugf("[Node] error closing DHT: %v", err)
		}
	}()

	routingDiscovery := dRouting.NewRoutingDiscovery(kad)

	if s.config.Advertise {
		for _, topic := range topics {
			s.logger.Infof("[Node] advertising topic: %s", topic)
			dUtil.Advertise(ctx, routingDiscovery, topic)
		}
	}

	// simultaneous connect lets hole punching work for discovered peers
	ctx = network.WithSimultaneousConnect(ctx, true, "hole punching")
	failures := newDialFailures()

	for round := 1; ; round++ {
		if s.gater.Active() {
			start := time.Now()

			dialed, err := s.discoveryRound(ctx, routingDiscovery, topics, failures)
			if err != nil && ctx.Err() == nil {
				return err
			}

			s.logger.Debugf("[Node] discovery round %d dialed %d peers in %v", round, dialed, time.Since(start))
		}

		if !sleep(ctx, discoveryRoundDelay) {
			s.logger.Infof("[Node] shutting down discovery")
			return ctx.Err()
		}
	}
}

// discoveryRound looks up every topic in parallel and dials each new peer at
// most once. It returns the number of peers dialed.
func (s *Node) discoveryRound(ctx context.Context, rd *dRouting.RoutingDiscovery, topics []string, failures *dialFailures) (int, error) {
	var (
		g      errgroup.Group
		seen   sync.Map
		dialed atomic.Int32
	)

	for _, topic := range topics {
		g.Go(func() error {
			found, err := rd.FindPeers(ctx, topic)
			if err != nil {
				return fmt.Errorf("[Node] error finding peers for %s: %w", topic, err)
			}

			var dials sync.WaitGroup

			for info := range found {
				if _, dup := seen.LoadOrStore(info.ID, struct{}{}); dup || s.skipDiscovered(info, failures) {
					continue
				}

				dialed.Add(1)
				dials.Add(1)

				go func() {
					defer dials.Done()
					failures.record(info.ID, s.dialPeer(ctx, info, sourceDiscovery))
				}()
			}

			dials.Wait()

			return nil
		})
	}

	err := g.Wait()

	return int(dialed.Load()), err
}

// skipDiscovered filters discovery results that cannot or need not be dialed
func (s *Node) skipDiscovered(info peer.AddrInfo, failures *dialFailures) bool {
	if info.ID == s.host.ID() || len(info.Addrs) == 0 || s.isConnected(info.ID) {
		return true
	}

	return s.config.OptimiseRetries && failures.hopeless(info)
}

// dialFailures keeps the last dial error per discovered peer across rounds
type dialFailures struct {
	mu   sync.Mutex
	last map[peer.ID]string
}

func newDialFailures() *dialFailures {
	return &dialFailures{last: make(map[peer.ID]string)}
}

// record stores err for id, or forgets id when err is nil
func (f *dialFailures) record(id peer.ID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.last, id)
		return
	}

	f.last[id] = err.Error()
}

// hopeless reports whether retrying info cannot fix its previous failure:
// the peer now runs with a different key, or it offers only the loopback
// address that already had nothing usable.
func (f *dialFailures) hopeless(info peer.AddrInfo) bool {
	f.mu.Lock()
	msg, ok := f.last[info.ID]
	f.mu.Unlock()

	if !ok {
		return false
	}

	switch {
	case strings.Contains(msg, peerIDMismatch):
		return true
	case strings.Contains(msg, "no good addresses"):
		return len(info.Addrs) == 1 && manet.IsIPLoopback(info.Addrs[0])
	}

	return false
}

func multiaddrStrings(addrs []multiaddr.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}

	return out
}

func (s *Node) newDHT(ctx context.Context) (*dht.IpfsDHT, error) {
	if s.config.UsePrivateDHT {
		return s.newPrivateDHT(ctx)
	}

	return s.newPublicDHT(ctx)
}

// newPublicDHT joins the public IPFS DHT. Each node keeps its own routing
// table, so discovery survives the bootstrap nodes going away.
func (s *Node) newPublicDHT(ctx context.Context) (*dht.IpfsDHT, error) {
	kad, err := dht.New(ctx, s.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return nil, fmt.Errorf(errorCreatingDhtMessage, err)
	}

	if err := bootstrapDHT(ctx, kad); err != nil {
		return nil, err
	}

	bootstrap := make([]peer.AddrInfo, 0, len(dht.DefaultBootstrapPeers))

	for _, addr := range dht.DefaultBootstrapPeers {
		if info, err := peer.AddrInfoFromP2pAddr(addr); err == nil {
			bootstrap = append(bootstrap, *info)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, bootstrapDialTimeout)
	defer cancel()

	s.dialAll(dialCtx, bootstrap, sourceBootstrap)

	return kad, nil
}

// newPrivateDHT joins a DHT under DHTProtocolID that is reachable only
// through the configured bootstrap addresses. At least one of them must
// accept a connection.
func (s *Node) newPrivateDHT(ctx context.Context) (*dht.IpfsDHT, error) {
	if s.config.DHTProtocolID == "" {
		return nil, errors.New("[Node] a private DHT needs a DHT protocol id")
	}

	bootstrap := parsePeerAddrs(s.logger, sourceBootstrap, s.config.BootstrapAddresses)
	if len(bootstrap) == 0 {
		return nil, errors.New("[Node] no usable bootstrap addresses configured")
	}

	s.dialAll(ctx, bootstrap, sourceBootstrap)

	connected := 0

	for _, info := range bootstrap {
		if s.isConnected(info.ID) {
			connected++
		}
	}

	if connected == 0 {
		return nil, errors.New("[Node] failed to connect to any bootstrap address")
	}

	s.logger.Infof("[Node] connected to %d of %d bootstrap peers", connected, len(bootstrap))

	kad, err := dht.New(ctx, s.host,
		dht.ProtocolPrefix(protocol.ID(s.config.DHTProtocolID)),
		dht.Mode(dht.ModeAuto),
		dht.BootstrapPeers(bootstrap...),
	)
	if err != nil {
		return nil, fmt.Errorf(errorCreatingDhtMessage, err)
	}

	if err := bootstrapDHT(ctx, kad); err != nil {
		return nil, err
	}

	return kad, nil
}

func bootstrapDHT(ctx context.Context, kad *dht.IpfsDHT) error {
	if err := kad.Bootstrap(ctx); err != nil {
		_ = kad.Close()
		return fmt.Errorf("[Node] error bootstrapping DHT: %w", err)
	}

	return nil
}
