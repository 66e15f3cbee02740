package p2p

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeerID(t *testing.T) peer.ID {
	t.Helper()

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	return id
}

func newTestPeerCache() (*PeerCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	cache := NewPeerCache()
	cache.now = clock.Now

	return cache, clock
}

func TestPeerCacheSaveAndLoad(t *testing.T) {
	cacheFile := filepath.Join(t.TempDir(), "cache", "peers.json")

	cache := NewPeerCache()

	good := newTestPeerID(t)
	flaky := newTestPeerID(t)

	cache.RecordFailure(flaky, []string{"/ip4/192.168.1.2/tcp/9905", "/ip4/10.0.0.1/tcp/9905"})
	cache.RecordSuccess(good, []string{"/ip4/192.168.1.1/tcp/9905"})

	require.NoError(t, cache.Save(cacheFile))

	_, err := os.Stat(cacheFile + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	loaded, err := LoadPeerCache(cacheFile)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())

	best := loaded.Best(10, DefaultCacheTTL)
	require.Len(t, best, 2)

	// a peer that connected ranks ahead of one that only failed
	assert.Equal(t, good.String(), best[0].ID)
	assert.Equal(t, 1, best[0].ConnectionCount)
	assert.Equal(t, flaky.String(), best[1].ID)
	assert.Equal(t, 1, best[1].FailureCount)
	assert.Len(t, best[1].Addresses, 2)
}

func TestPeerCacheLoadEdgeCases(t *testing.T) {
	t.Run("Missing file gives an empty cache", func(t *testing.T) {
		cache, err := LoadPeerCache(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("Old version is discarded", func(t *testing.T) {
		cacheFile := filepath.Join(t.TempDir(), "peers.json")
		require.NoError(t, os.WriteFile(cacheFile, []byte(`{"version":0,"peers":[{"id":"x"}]}`), 0o600))

		cache, err := LoadPeerCache(cacheFile)
		require.NoError(t, err)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("Corrupt file", func(t *testing.T) {
		cacheFile := filepath.Join(t.TempDir(), "peers.json")
		require.NoError(t, os.WriteFile(cacheFile, []byte("[["), 0o600))

		_, err := LoadPeerCache(cacheFile)
		require.Error(t, err)
	})
}

func TestPeerCacheBest(t *testing.T) {
	cache, clock := newTestPeerCache()

	peers := make([]peer.ID, 4)
	for i := range peers {
		peers[i] = newTestPeerID(t)
	}

	cache.RecordSuccess(peers[0], []string{"/ip4/1.1.1.1/tcp/9905"})
	cache.RecordSuccess(peers[0], nil) // 2 successes, address kept

	cache.RecordSuccess(peers[1], []string{"/ip4/2.2.2.2/tcp/9905"})
	cache.RecordFailure(peers[1], nil) // 1 success, 1 failure

	cache.RecordFailure(peers[2], []string{"/ip4/3.3.3.3/tcp/9905"})

	for i := 0; i < maxReconnectFailures; i++ {
		cache.RecordFailure(peers[3], []string{"/ip4/4.4.4.4/tcp/9905"})
	}

	best := cache.Best(10, DefaultCacheTTL)
	require.Len(t, best, 3, "a peer at the failure limit is not offered")

	assert.Equal(t, peers[0].String(), best[0].ID)
	assert.Equal(t, []string{"/ip4/1.1.1.1/tcp/9905"}, best[0].Addresses)
	assert.Equal(t, peers[1].String(), best[1].ID)
	assert.Equal(t, peers[2].String(), best[2].ID)

	assert.Len(t, cache.Best(1, DefaultCacheTTL), 1)

	// a success resets the failure streak
	clock.Advance(time.Minute)
	cache.RecordSuccess(peers[3], nil)

	best = cache.Best(10, DefaultCacheTTL)
	require.Len(t, best, 4)
	assert.Equal(t, peers[3].String(), best[1].ID, "one success and no failures ranks second")
	assert.Equal(t, clock.Now(), best[1].LastConnected)

	// results are copies
	best[0].Addresses[0] = "changed"
	assert.Equal(t, "/ip4/1.1.1.1/tcp/9905", cache.Best(1, DefaultCacheTTL)[0].Addresses[0])
}

func TestPeerCacheAddrInfos(t *testing.T) {
	cache := NewPeerCache()

	valid := newTestPeerID(t)
	cache.RecordSuccess(valid, []string{"/ip4/10.0.0.1/tcp/9905", "not-a-multiaddr"})

	noAddrs := newTestPeerID(t)
	cache.RecordSuccess(noAddrs, []string{"garbage"})

	cache.RecordSuccess(peer.ID("undecodable"), []string{"/ip4/10.0.0.3/tcp/9905"})

	infos := cache.AddrInfos(10, DefaultCacheTTL)
	require.Len(t, infos, 1)
	assert.Equal(t, valid, infos[0].ID)
	require.Len(t, infos[0].Addrs, 1)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/9905", infos[0].Addrs[0].String())
}

func TestPeerCachePrune(t *testing.T) {
	cache, _ := newTestPeerCache()

	for i := 0; i < 10; i++ {
		id := newTestPeerID(t)
		if i%2 == 0 {
			cache.RecordSuccess(id, []string{"/ip4/127.0.0.1/tcp/9905"})
		} else {
			cache.RecordFailure(id, []string{"/ip4/127.0.0.1/tcp/9905"})
		}
	}

	unreliable := newTestPeerID(t)
	for i := 0; i < maxCachedFailures; i++ {
		cache.RecordFailure(unreliable, nil)
	}

	assert.Equal(t, 11, cache.Len())

	cache.Prune(100, DefaultCacheTTL)
	assert.Equal(t, 10, cache.Len(), "a peer at the prune failure limit is dropped")

	cache.Prune(5, DefaultCacheTTL)
	assert.Equal(t, 5, cache.Len())

	// the peers that connected outrank the ones that failed
	for _, p := range cache.Best(10, DefaultCacheTTL) {
		assert.Equal(t, 1, p.ConnectionCount)
	}
}

func TestPeerCacheTTL(t *testing.T) {
	cache, clock := newTestPeerCache()

	stale := newTestPeerID(t)
	cache.RecordSuccess(stale, []string{"/ip4/127.0.0.1/tcp/9905"})

	clock.Advance(40 * 24 * time.Hour)

	fresh := newTestPeerID(t)
	cache.RecordSuccess(fresh, []string{"/ip4/127.0.0.2/tcp/9905"})

	best := cache.Best(10, DefaultCacheTTL)
	require.Len(t, best, 1)
	assert.Equal(t, fresh.String(), best[0].ID)
	assert.Len(t, cache.AddrInfos(10, DefaultCacheTTL), 1)

	cache.Prune(10, DefaultCacheTTL)
	assert.Equal(t, 1, cache.Len())
}

func TestPeerCacheRemove(t *testing.T) {
	cache := NewPeerCache()

	first := newTestPeerID(t)
	second := newTestPeerID(t)

	cache.RecordSuccess(first, []string{"/ip4/1.1.1.1/tcp/9905"})
	cache.RecordSuccess(second, []string{"/ip4/2.2.2.2/tcp/9905"})

	cache.Remove(second)
	cache.Remove(newTestPeerID(t))

	best := cache.Best(10, DefaultCacheTTL)
	require.Len(t, best, 1)
	assert.Equal(t, first.String(), best[0].ID)
}
