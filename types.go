package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	errorCreatingDhtMessage = "[Node] error creating DHT: %w"
	multiAddrIPTemplate     = "/ip4/%s/tcp/%d"

	// DefaultHeightTopic is the GossipSub topic nodes announce their chain height on
	DefaultHeightTopic = "p2pnet/height/1.0.0"
	// DefaultBytesReportInterval matches how often byte totals are pushed to the listener
	DefaultBytesReportInterval = 30 * time.Second
	// DefaultBanTime is applied when a ban is requested with a non-positive duration
	DefaultBanTime = 24 * time.Hour
	// DefaultHeightAnnounceInterval is how often the local height is re-published
	DefaultHeightAnnounceInterval = 30 * time.Second
	// DefaultMaxConnsPerPeer limits parallel connections from a single peer when the gater is enabled
	DefaultMaxConnsPerPeer = 3
)

// Node is the libp2p-backed networking implementation a Controller forwards to.
// It owns the host, tracks connected peers and their heights, enforces bans and
// the network on/off switch through its connection gater, and reports events to
// the registered NetworkListener.
//
// All exported methods are safe for concurrent use.
type Node struct {
	config      Config
	handle      Handle
	host        host.Host
	logger      Logger
	gater       *ConnectionGater
	bandwidth   *metrics.BandwidthCounter
	heightTopic *pubsub.Topic
	peerCache   *PeerCache
	events      *listenerHub
	startTime   time.Time

	staticPeers []peer.AddrInfo

	// runCtx and cancel are set by Start; cancel stops every goroutine it started
	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	stopped sync.Once
	stopErr error
	wg      sync.WaitGroup

	peersMu    sync.RWMutex
	peers      map[peer.ID]*connectedPeer
	nextNodeID int64

	// switchMu orders network switches with the events they emit
	switchMu  sync.Mutex
	// banSaveMu keeps ban list snapshots and writes in step
	banSaveMu sync.Mutex

	heightMu    sync.RWMutex
	localHeight int32
}

// connectedPeer holds what the node knows about one connected peer
type connectedPeer struct {
	nodeID         int64
	conns          int
	connTime       time.Time
	startingHeight int32
	syncedHeight   int32
	seenHeight     bool
	lastSend       time.Time
	lastRecv       time.Time
	misbehavior    int
}

// Config defines the configuration parameters for a P2P node.
type Config struct {
	ProcessName        string   // Identifier for this node in logs
	BootstrapAddresses []string // Initial peer addresses to connect to for network discovery
	ListenAddresses    []string // Network addresses to listen on for incoming connections
	AdvertiseAddresses []string // Addresses to advertise to other peers (may differ from listen addresses)
	Port               int      // Port number for P2P communication
	DHTProtocolID      string   // Protocol ID for the DHT used by this node
	PrivateKey         string   // Node's hex encoded Ed25519 private key
	SharedKey          string   // Shared key for private network communication
	UsePrivateDHT      bool     // Whether to use a private DHT instead of the public IPFS DHT
	OptimiseRetries    bool     // Whether to optimize connection retry behavior
	Advertise          bool     // Whether to advertise this node's presence on the network
	DisableDiscovery   bool     // Skip DHT discovery entirely; only static and cached peers are dialed
	StaticPeers        []string // List of peer addresses to always attempt to connect to
	StartInactive      bool     // Start with networking disabled until EnableNetwork is called

	// Listener reporting and height gossip
	BytesReportInterval    time.Duration // How often byte totals reach the listener (default: 30s)
	HeightTopic            string        // GossipSub topic used for height announcements
	HeightAnnounceInterval time.Duration // How often the local height is re-published (default: 30s)

	// Peer persistence configuration
	EnablePeerCache bool          // Whether to enable peer caching for persistence across restarts
	PeerCacheFile   string        // Path to the peer cache file (default: "~/.p2p/peers.json")
	MaxCachedPeers  int           // Maximum number of peers to cache (default: 100)
	PeerCacheTTL    time.Duration // How long to keep cached peers (default: 30 days)

	// Ban list persistence; empty keeps bans in memory only
	BanListFile string

	// Connection management configuration
	EnableConnManager bool          // Whether to enable connection manager with high/low water marks
	ConnLowWater      int           // Minimum number of connections to maintain (default: 200)
	ConnHighWater     int           // Maximum number of connections before pruning (default: 400)
	ConnGracePeriod   time.Duration // Grace period before pruning new connections (default: 60s)
	MaxConnsPerPeer   int           // Maximum connections allowed per peer (default: 3)

	// NAT traversal configuration
	EnableNATService   bool // Whether to answer AutoNAT reachability checks for other peers
	EnableNATPortMap   bool // Whether to map the listen port on the router with UPnP or NAT-PMP
	EnableHolePunching bool // Whether to hole punch through NATs
	EnableRelay        bool // Whether to dial and accept connections through circuit relays
	EnableRelayService bool // Whether to act as a relay for other nodes (requires EnableRelay)
	EnableAutoNATv2    bool // Whether to use AutoNAT v2 for address reachability checks
}

func (c Config) withDefaults() Config {
	if c.BytesReportInterval <= 0 {
		c.BytesReportInterval = DefaultBytesReportInterval
	}

	if c.HeightAnnounceInterval <= 0 {
		c.HeightAnnounceInterval = DefaultHeightAnnounceInterval
	}

	if c.HeightTopic == "" {
		c.HeightTopic = DefaultHeightTopic
	}

	if c.PeerCacheFile == "" {
		c.PeerCacheFile = "~/.p2p/peers.json"
	}

	if c.MaxCachedPeers <= 0 {
		c.MaxCachedPeers = DefaultMaxCachedPeers
	}

	if c.PeerCacheTTL <= 0 {
		c.PeerCacheTTL = DefaultCacheTTL
	}

	if c.ConnLowWater <= 0 {
		c.ConnLowWater = 200
	}

	if c.ConnHighWater <= 0 {
		c.ConnHighWater = 400
	}

	if c.ConnGracePeriod <= 0 {
		c.ConnGracePeriod = time.Minute
	}

	if c.MaxConnsPerPeer <= 0 {
		c.MaxConnsPerPeer = DefaultMaxConnsPerPeer
	}

	return c
}

// Logger defines the interface for logging within the P2P node.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
