package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// NewNode creates the libp2p host and everything around it: identity,
// connection gater (bans and the network switch), bandwidth accounting,
// optional connection manager and optional private network. Bans and cached
// peers are loaded from disk when configured.
//
// The node does not dial anyone until Start is called.
func NewNode(ctx context.Context, logger Logger, config Config) (*Node, error) {
	logger.Infof("[Node] Creating node")

	config = config.withDefaults()

	var (
		err error
		pk  *crypto.PrivKey // the private key for the node's identity
	)

	if config.PrivateKey == "" {
		pk, err = generatePrivateKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("[Node] error generating private key: %w", err)
		}
	} else {
		pk, err = decodeHexEd25519PrivateKey(config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("[Node] error decoding private key: %w", err)
		}
	}

	gater := NewConnectionGater(logger, config.MaxConnsPerPeer)
	if config.StartInactive {
		gater.SetActive(false)
	}

	if config.BanListFile != "" {
		bans, err := LoadBanList(config.BanListFile)
		if err != nil {
			return nil, fmt.Errorf("[Node] error loading ban list: %w", err)
		}

		logger.Infof("[Node] restored %d bans from %s", gater.restore(bans), config.BanListFile)
	}

	bandwidth := metrics.NewBandwidthCounter()

	opts, err := buildHostOptions(logger, config, pk)
	if err != nil {
		return nil, err
	}

	opts = append(opts,
		libp2p.ConnectionGater(gater),
		libp2p.BandwidthReporter(bandwidth),
	)

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating libp2p host: %w", err)
	}

	logger.Infof("[Node] peer ID: %s", h.ID().String())
	logger.Infof("[Node] Connect to me on:")

	for _, addr := range h.Addrs() {
		logger.Infof("[Node]   %s/p2p/%s", addr, h.ID().String())
	}

	node := &Node{
		config:      config,
		handle:      nextHandle(),
		host:        h,
		logger:      logger,
		gater:       gater,
		bandwidth:   bandwidth,
		events:      newListenerHub(logger),
		startTime:   time.Now(),
		staticPeers: parsePeerAddrs(logger, sourceStatic, config.StaticPeers),
		peers:       make(map[peer.ID]*connectedPeer),
	}

	if config.EnablePeerCache {
		node.peerCache, err = LoadPeerCache(config.PeerCacheFile)
		if err != nil {
			logger.Warnf("[Node] failed to load peer cache, starting empty: %v", err)
			node.peerCache = NewPeerCache()
		}

		logger.Infof("[Node] loaded %d cached peers", node.peerCache.Len())
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			node.peerConnected(conn)
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			node.peerDisconnected(conn)
		},
	})

	return node, nil
}

// buildHostOptions assembles the libp2p options shared by public and private networks
func buildHostOptions(logger Logger, config Config, pk *crypto.PrivKey) ([]libp2p.Option, error) {
	listenMultiAddresses := make([]string, 0, len(config.ListenAddresses))
	for _, addr := range config.ListenAddresses {
		listenMultiAddresses = append(listenMultiAddresses, fmt.Sprintf(multiAddrIPTemplate, addr, config.Port))
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listenMultiAddresses...),
		libp2p.Identity(*pk),
	}

	if config.UsePrivateDHT {
		psk, err := decodeSharedKey(config.SharedKey)
		if err != nil {
			return nil, fmt.Errorf("[Node] error setting up private network: %w", err)
		}

		opts = append(opts, libp2p.PrivateNetwork(psk))
	}

	if config.EnableConnManager {
		cm, err := connmgr.NewConnManager(config.ConnLowWater, config.ConnHighWater, connmgr.WithGracePeriod(config.ConnGracePeriod))
		if err != nil {
			return nil, fmt.Errorf("[Node] error creating connection manager: %w", err)
		}

		opts = append(opts, libp2p.ConnectionManager(cm))
	}

	natOpts, err := natOptions(config)
	if err != nil {
		return nil, err
	}

	opts = append(opts, natOpts...)

	addrsToAdvertise := buildAdvertiseMultiAddrs(logger, config.AdvertiseAddresses, config.Port)

	switch {
	case len(addrsToAdvertise) > 0:
		opts = append(opts, libp2p.AddrsFactory(func(_ []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return addrsToAdvertise
		}))
	case !config.UsePrivateDHT && config.Advertise:
		// No explicit advertise addresses on the public network: hide private IPs
		// and fall back to the address ifconfig.me reports
		opts = append(opts, libp2p.AddrsFactory(publicAddrsFactory(logger, newPublicIPResolver(publicIPLookupURL), config.Port)))
	}

	return opts, nil
}

// natOptions maps the NAT traversal switches onto libp2p options. Relaying is
// off unless EnableRelay is set.
func natOptions(config Config) ([]libp2p.Option, error) {
	if config.EnableRelayService && !config.EnableRelay {
		return nil, errors.New("[Node] EnableRelayService requires EnableRelay")
	}

	var opts []libp2p.Option

	if config.EnableNATService {
		opts = append(opts, libp2p.EnableNATService())
	}

	if config.EnableNATPortMap {
		opts = append(opts, libp2p.NATPortMap())
	}

	if config.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	if config.EnableAutoNATv2 {
		opts = append(opts, libp2p.EnableAutoNATv2())
	}

	if !config.EnableRelay {
		return append(opts, libp2p.DisableRelay()), nil
	}

	opts = append(opts, libp2p.EnableRelay())

	if config.EnableRelayService {
		opts = append(opts, libp2p.EnableRelayService())
	}

	return opts, nil
}

func decodeSharedKey(sharedKey string) (pnet.PSK, error) {
	s := ""
	s += fmt.Sprintln("/key/swarm/psk/1.0.0/")
	s += fmt.Sprintln("/base16/")
	s += sharedKey

	psk, err := pnet.DecodeV1PSK(bytes.NewBufferString(s))
	if err != nil {
		return nil, fmt.Errorf("[Node] error decoding shared key: %w", err)
	}

	return psk, nil
}

// publicAddrsFactory hides private addresses from peers. When nothing public
// is left it advertises the address the resolver reports instead.
func publicAddrsFactory(logger Logger, resolver *publicIPResolver, port int) func([]multiaddr.Multiaddr) []multiaddr.Multiaddr {
	return func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
		var publicAddrs []multiaddr.Multiaddr

		for _, addr := range addrs {
			if !isPrivateIP(addr) {
				publicAddrs = append(publicAddrs, addr)
			}
		}

		if len(publicAddrs) > 0 {
			return publicAddrs
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ip, err := resolver.lookup(ctx)
		if err != nil {
			logger.Debugf("[Node] error getting public IP: %v", err)
			return nil
		}

		addr, err := manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: port})
		if err != nil {
			logger.Debugf("[Node] error creating public multiaddr: %v", err)
			return nil
		}

		return []multiaddr.Multiaddr{addr}
	}
}

// buildAdvertiseMultiAddrs constructs multiaddrs from host strings with optional ports.
func buildAdvertiseMultiAddrs(log Logger, addrs []string, defaultPort int) []multiaddr.Multiaddr {
	result := make([]multiaddr.Multiaddr, 0, len(addrs))

	for _, addr := range addrs {
		hostStr := addr
		portNum := defaultPort

		if h, p, err := net.SplitHostPort(addr); err == nil {
			hostStr = h

			var pi int
			pi, err = strconv.Atoi(p)
			if err != nil {
				log.Debugf("invalid port in advertise address: %s, error: %v", addr, err)
				continue
			}
			portNum = pi
		}

		var (
			maddr multiaddr.Multiaddr
			err   error
		)

		if net.ParseIP(hostStr) != nil {
			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, hostStr, portNum))
		} else {
			// If the host is not an IP address, assume it's a DNS name
			if strings.Contains(hostStr, ":") {
				log.Debugf("invalid DNS name in advertise address: %s", addr)
				continue
			}
			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%d", hostStr, portNum))
		}

		if err != nil {
			log.Debugf("invalid advertise address: %s, error: %v", addr, err)
			continue
		}

		result = append(result, maddr)
	}

	return result
}

// Start begins network operations: height gossip, the static peer connector,
// the byte total reporter, reconnection to cached peers and, unless disabled,
// DHT discovery. Everything started here stops when ctx is canceled or the
// node is stopped.
func (s *Node) Start(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("[Node] node is stopped")
	}

	s.logger.Infof("[%s] starting", s.config.ProcessName)

	s.runMu.Lock()
	if s.runCtx != nil {
		s.runMu.Unlock()
		return fmt.Errorf("[Node] node already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.runMu.Unlock()

	if err := s.initGossipSub(runCtx); err != nil {
		cancel()
		return fmt.Errorf("[Node] error starting gossipsub: %w", err)
	}

	s.startStaticPeerConnector(runCtx)

	s.goRun(func() { s.reportBytesLoop(runCtx) })
	s.goRun(func() { s.announceHeightLoop(runCtx) })

	if s.gater.Active() {
		s.reconnect()
	}

	if !s.config.DisableDiscovery {
		s.goRun(func() {
			if err := s.discoverPeers(runCtx, []string{s.config.HeightTopic}); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Errorf("[Node] error discovering peers: %v", err)
			}
		})
	}

	return nil
}

func (s *Node) goRun(fn func()) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Node) runContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	return s.runCtx
}

// Stop shuts the node down: it persists the peer cache and ban list, stops the
// background goroutines, closes the host and the listener dispatcher. Only the
// first call does the work; later calls return its result.
func (s *Node) Stop(_ context.Context) error {
	s.stopped.Do(func() {
		s.logger.Infof("[Node] stopping")
		s.closed.Store(true)

		s.savePeerCache()
		s.saveBanList()

		s.runMu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.runMu.Unlock()

		if err := s.host.Close(); err != nil {
			s.logger.Errorf("[Node] error closing host: %v", err)
			s.stopErr = err
		} else {
			s.logger.Infof("[Node] host closed")
		}

		s.wg.Wait()
		s.events.close()
	})

	return s.stopErr
}

// Release stops the node. h must be the node's own handle.
func (s *Node) Release(h Handle) error {
	if h != s.handle {
		s.logger.Warnf("[Node] release called with handle %d, node handle is %d", h, s.handle)
	}

	return s.Stop(context.Background())
}

// Handle returns the handle this node was created with.
func (s *Node) Handle() Handle {
	return s.handle
}

// HostID returns the peer ID of this node.
func (s *Node) HostID() peer.ID {
	return s.host.ID()
}

// AddrInfo returns the dialable address info of this node.
func (s *Node) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()}
}

// BytesSent returns the total number of bytes sent by this node.
func (s *Node) BytesSent() uint64 {
	return uint64(max(s.bandwidth.GetBandwidthTotals().TotalOut, 0)) //nolint:gosec // clamped above
}

// BytesReceived returns the total number of bytes received by this node.
func (s *Node) BytesReceived() uint64 {
	return uint64(max(s.bandwidth.GetBandwidthTotals().TotalIn, 0)) //nolint:gosec // clamped above
}

// SetListener registers the listener for networking events; nil removes it.
// A non-nil listener immediately receives the current byte totals.
func (s *Node) SetListener(listener NetworkListener) {
	s.events.set(listener)

	if listener != nil {
		s.reportBytes()
	}
}

// EnableNetwork turns p2p networking on.
func (s *Node) EnableNetwork() {
	s.SetNetworkActive(true)
}

// DisableNetwork turns p2p networking off.
func (s *Node) DisableNetwork() {
	s.SetNetworkActive(false)
}

// NetworkActive reports whether networking is enabled.
func (s *Node) NetworkActive() bool {
	return s.gater.Active()
}

// SetNetworkActive switches networking on or off. Switching off closes every
// connection and makes the gater refuse new ones; switching on dials static
// and cached peers again. The listener hears about actual changes only.
func (s *Node) SetNetworkActive(active bool) {
	if s.closed.Load() {
		return
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if !s.gater.SetActive(active) {
		return
	}

	s.logger.Infof("[Node] SetNetworkActive: %t", active)

	if active {
		s.reconnect()
	} else {
		for _, p := range s.host.Network().Peers() {
			if err := s.host.Network().ClosePeer(p); err != nil {
				s.logger.Debugf("[Node] error closing connection to %s: %v", p.String(), err)
			}
		}
	}

	s.events.networkActiveChanged(active)
}

func (s *Node) reportBytesLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.BytesReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.events.current() != nil {
				s.reportBytes()
			}
		}
	}
}

func (s *Node) reportBytes() {
	s.events.bytesChanged(s.BytesReceived(), s.BytesSent())
}

func (s *Node) savePeerCache() {
	if s.peerCache == nil {
		return
	}

	s.peerCache.Prune(s.config.MaxCachedPeers, s.config.PeerCacheTTL)

	if err := s.peerCache.Save(s.config.PeerCacheFile); err != nil {
		s.logger.Errorf("[Node] failed to save peer cache: %v", err)
	}
}

func (s *Node) saveBanList() {
	if s.config.BanListFile == "" {
		return
	}

	s.banSaveMu.Lock()
	defer s.banSaveMu.Unlock()

	if err := SaveBanList(s.config.BanListFile, s.gater.Bans()); err != nil {
		s.logger.Errorf("[Node] failed to save ban list: %v", err)
	}
}

// generatePrivateKey creates a new Ed25519 private key for P2P node identity.
func generatePrivateKey(_ context.Context) (*crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &priv, nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (*crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	privKey, err := crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	if err != nil {
		return nil, err
	}

	return &privKey, nil
}
