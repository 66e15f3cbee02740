package p2p

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConnAddrs implements network.ConnMultiaddrs
type testConnAddrs struct {
	local  multiaddr.Multiaddr
	remote multiaddr.Multiaddr
}

func (c testConnAddrs) LocalMultiaddr() multiaddr.Multiaddr  { return c.local }
func (c testConnAddrs) RemoteMultiaddr() multiaddr.Multiaddr { return c.remote }

func newTestConnAddrs(t *testing.T, remote string) network.ConnMultiaddrs {
	t.Helper()

	return testConnAddrs{
		local:  multiaddr.StringCast("/ip4/127.0.0.1/tcp/9905"),
		remote: multiaddr.StringCast(remote),
	}
}

// fakeClock lets ban expiry be tested without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGater(t *testing.T, maxConnsPerPeer int) (*ConnectionGater, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	gater := NewConnectionGater(createTestLogger(t), maxConnsPerPeer)
	gater.now = clock.Now

	return gater, clock
}

func mustSubnet(t *testing.T, address string) *net.IPNet {
	t.Helper()

	subnet, err := parseUnbanAddress(address)
	require.NoError(t, err)

	return subnet
}

func TestConnectionGater(t *testing.T) {
	gater, clock := newTestGater(t, 3)

	testPeer := peer.ID("test-peer-1")

	// Initially peer should not be blocked
	assert.True(t, gater.InterceptPeerDial(testPeer), "Peer should not be blocked initially")

	gater.BlockPeer(testPeer, time.Second)
	assert.False(t, gater.InterceptPeerDial(testPeer), "Peer should be blocked after BlockPeer")

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, gater.InterceptPeerDial(testPeer), "Peer should be unblocked after expiry")

	gater.BlockPeer(testPeer, time.Hour)
	gater.UnblockPeer(testPeer)
	assert.True(t, gater.InterceptPeerDial(testPeer), "Peer should be unblocked after UnblockPeer")

	allow, _ := gater.InterceptUpgraded(nil)
	assert.True(t, allow)
}

func TestConnectionGaterActiveSwitch(t *testing.T) {
	gater, _ := newTestGater(t, 3)
	testPeer := peer.ID("test-peer-switch")
	addr := multiaddr.StringCast("/ip4/10.0.0.5/tcp/9905")
	conn := newTestConnAddrs(t, "/ip4/10.0.0.5/tcp/9905")

	assert.True(t, gater.Active())
	assert.False(t, gater.SetActive(true), "setting the current state is not a change")

	require.True(t, gater.SetActive(false))
	assert.False(t, gater.Active())

	assert.False(t, gater.InterceptPeerDial(testPeer))
	assert.False(t, gater.InterceptAddrDial(testPeer, addr))
	assert.False(t, gater.InterceptAccept(conn))
	assert.False(t, gater.InterceptSecured(network.DirInbound, testPeer, conn))

	require.True(t, gater.SetActive(true))

	assert.True(t, gater.InterceptPeerDial(testPeer))
	assert.True(t, gater.InterceptAddrDial(testPeer, addr))
	assert.True(t, gater.InterceptAccept(conn))
	assert.True(t, gater.InterceptSecured(network.DirInbound, testPeer, conn))
}

func TestConnectionGaterBans(t *testing.T) {
	gater, clock := newTestGater(t, 3)
	testPeer := peer.ID("test-peer-ban")

	gater.Ban(mustSubnet(t, "10.0.0.0/24"), clock.Now().Add(time.Hour), BanReasonManuallyAdded)

	tests := []struct {
		name    string
		addr    string
		blocked bool
	}{
		{name: "Inside banned subnet", addr: "/ip4/10.0.0.7/tcp/9905", blocked: true},
		{name: "Outside banned subnet", addr: "/ip4/10.0.1.7/tcp/9905", blocked: false},
		{name: "IPv6 address", addr: "/ip6/2001:db8::7/tcp/9905", blocked: false},
		{name: "DNS address is not resolved", addr: "/dns4/example.com/tcp/9905", blocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, !tt.blocked, gater.InterceptAddrDial(testPeer, multiaddr.StringCast(tt.addr)))
			assert.Equal(t, !tt.blocked, gater.InterceptAccept(newTestConnAddrs(t, tt.addr)))
		})
	}

	bans := gater.Bans()
	require.Len(t, bans, 1)
	assert.Equal(t, "10.0.0.0/24", bans[0].Address)
	assert.Equal(t, clock.Now(), bans[0].CreatedAt)

	// expired bans stop matching and are swept from the list
	clock.Advance(time.Hour)
	assert.False(t, gater.IsBanned(net.ParseIP("10.0.0.7")))
	assert.Empty(t, gater.Bans())
}

func TestConnectionGaterBanExtension(t *testing.T) {
	gater, clock := newTestGater(t, 3)
	subnet := mustSubnet(t, "192.168.1.10")
	created := clock.Now()

	gater.Ban(subnet, created.Add(2*time.Hour), BanReasonManuallyAdded)

	clock.Advance(time.Minute)

	// a shorter ban keeps the existing expiry
	gater.Ban(subnet, clock.Now().Add(time.Hour), BanReasonNodeMisbehaving)

	bans := gater.Bans()
	require.Len(t, bans, 1)
	assert.Equal(t, created.Add(2*time.Hour), bans[0].BanUntil)
	assert.Equal(t, BanReasonManuallyAdded, bans[0].Reason)

	// a longer ban extends it and keeps the creation time
	gater.Ban(subnet, clock.Now().Add(3*time.Hour), BanReasonNodeMisbehaving)

	bans = gater.Bans()
	require.Len(t, bans, 1)
	assert.Equal(t, clock.Now().Add(3*time.Hour), bans[0].BanUntil)
	assert.Equal(t, created, bans[0].CreatedAt)
	assert.Equal(t, BanReasonNodeMisbehaving, bans[0].Reason)
}

func TestConnectionGaterUnban(t *testing.T) {
	gater, clock := newTestGater(t, 3)

	gater.Ban(mustSubnet(t, "10.0.0.1"), clock.Now().Add(time.Hour), BanReasonManuallyAdded)
	gater.Ban(mustSubnet(t, "10.0.0.2"), clock.Now().Add(time.Hour), BanReasonManuallyAdded)
	gater.Ban(mustSubnet(t, "2001:db8::1"), clock.Now().Add(time.Hour), BanReasonManuallyAdded)

	bans := gater.Bans()
	require.Len(t, bans, 3)
	assert.Equal(t, "10.0.0.1/32", bans[0].Address)
	assert.Equal(t, "10.0.0.2/32", bans[1].Address)
	assert.Equal(t, "2001:db8::1/128", bans[2].Address)

	assert.True(t, gater.Unban(mustSubnet(t, "10.0.0.1")))
	assert.False(t, gater.Unban(mustSubnet(t, "10.0.0.1")), "already unbanned")
	assert.False(t, gater.Unban(mustSubnet(t, "10.0.0.0/24")), "unban matches the exact subnet only")
	assert.True(t, gater.IsBanned(net.ParseIP("10.0.0.2")))

	gater.ClearBans()
	assert.Empty(t, gater.Bans())
	assert.False(t, gater.IsBanned(net.ParseIP("10.0.0.2")))
}

func TestConnectionGaterMaxConnsPerPeer(t *testing.T) {
	gater, _ := newTestGater(t, 2)
	testPeer := peer.ID("test-peer-conns")
	conn := newTestConnAddrs(t, "/ip4/10.0.0.5/tcp/9905")

	assert.True(t, gater.InterceptSecured(network.DirInbound, testPeer, conn))
	assert.True(t, gater.InterceptSecured(network.DirOutbound, testPeer, conn))
	assert.False(t, gater.InterceptSecured(network.DirInbound, testPeer, conn), "third connection exceeds the limit")

	gater.connClosed(testPeer)
	assert.True(t, gater.InterceptSecured(network.DirInbound, testPeer, conn), "a closed connection frees a slot")

	gater.connClosed(testPeer)
	gater.connClosed(testPeer)
	gater.connClosed(testPeer)

	gater.mu.RLock()
	_, tracked := gater.peerConns[testPeer]
	gater.mu.RUnlock()
	assert.False(t, tracked, "closing more than was opened never goes negative")

	unlimited, _ := newTestGater(t, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.InterceptSecured(network.DirInbound, testPeer, conn))
	}
}

func TestConnectionGaterRestore(t *testing.T) {
	gater, clock := newTestGater(t, 3)

	records := []BannedPeerRecord{
		{Address: "10.0.0.1/32", BanUntil: clock.Now().Add(time.Hour), CreatedAt: clock.Now(), Reason: BanReasonManuallyAdded},
		{Address: "10.0.0.2/32", BanUntil: clock.Now().Add(-time.Hour), Reason: BanReasonManuallyAdded},
		{Address: "garbage", BanUntil: clock.Now().Add(time.Hour)},
	}

	assert.Equal(t, 1, gater.restore(records))
	assert.True(t, gater.IsBanned(net.ParseIP("10.0.0.1")))
	assert.False(t, gater.IsBanned(net.ParseIP("10.0.0.2")))
}
