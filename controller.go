package p2p

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Controller is the managed-side proxy for a networking Backend referenced by a
// Handle. Every call is forwarded to the backend exactly once with its
// arguments untouched.
//
// Close releases the backend exactly once no matter how many goroutines call
// it. A finalizer performs the same release if Close is never called. Once
// Close has started, every forwarding method returns ErrControllerClosed
// without touching the backend.
type Controller struct {
	handle  Handle
	backend Backend

	destroyed atomic.Bool
	// mu is held shared by forwarding calls so release waits for them to drain
	mu sync.RWMutex
}

// NewController wraps backend behind handle h. It performs no backend call.
func NewController(h Handle, backend Backend) (*Controller, error) {
	if h == 0 {
		return nil, ErrZeroHandle
	}

	if backend == nil {
		return nil, ErrNilBackend
	}

	c := &Controller{
		handle:  h,
		backend: backend,
	}

	runtime.SetFinalizer(c, (*Controller).finalize)

	return c, nil
}

// NewNodeController wraps a Node using the handle it was created with.
func NewNodeController(node *Node) (*Controller, error) {
	if node == nil {
		return nil, ErrNilBackend
	}

	return NewController(node.Handle(), node)
}

// Handle returns the handle of the wrapped backend.
func (c *Controller) Handle() Handle {
	return c.handle
}

// SetListener registers the listener that receives networking events.
// It replaces any previous listener; nil removes it.
func (c *Controller) SetListener(listener NetworkListener) error {
	return c.forward(func(b Backend) {
		b.SetListener(listener)
	})
}

// DisableNetwork turns p2p networking off.
func (c *Controller) DisableNetwork() error {
	return c.forward(func(b Backend) {
		b.DisableNetwork()
	})
}

// EnableNetwork turns p2p networking on.
func (c *Controller) EnableNetwork() error {
	return c.forward(func(b Backend) {
		b.EnableNetwork()
	})
}

// GetPeerInfo returns the connected peers as reported by the backend.
func (c *Controller) GetPeerInfo() (peers []PeerRecord, err error) {
	err = c.forward(func(b Backend) {
		peers = b.GetPeerInfo()
	})

	return peers, err
}

// ListBannedPeers returns the current ban list.
func (c *Controller) ListBannedPeers() (banned []BannedPeerRecord, err error) {
	err = c.forward(func(b Backend) {
		banned = b.ListBannedPeers()
	})

	return banned, err
}

// BanPeer bans address for banTime.
func (c *Controller) BanPeer(address string, banTime time.Duration) (ok bool, err error) {
	err = c.forward(func(b Backend) {
		ok = b.BanPeer(address, banTime)
	})

	return ok, err
}

// UnbanPeer lifts the ban on a single address or subnet.
func (c *Controller) UnbanPeer(address string) (ok bool, err error) {
	err = c.forward(func(b Backend) {
		ok = b.UnbanPeer(address)
	})

	return ok, err
}

// DisconnectPeer drops the connection to the peer with the given node id.
func (c *Controller) DisconnectPeer(nodeID int64) (ok bool, err error) {
	err = c.forward(func(b Backend) {
		ok = b.DisconnectPeer(nodeID)
	})

	return ok, err
}

// ClearBanned empties the ban list.
func (c *Controller) ClearBanned() (ok bool, err error) {
	err = c.forward(func(b Backend) {
		ok = b.ClearBanned()
	})

	return ok, err
}

// Close releases the backend. Only the first call does anything; it returns
// the backend's release error. Later calls return nil.
func (c *Controller) Close() error {
	released, err := c.release()
	if released {
		runtime.SetFinalizer(c, nil)
	}

	return err
}

// Closed reports whether Close has started.
func (c *Controller) Closed() bool {
	return c.destroyed.Load()
}

func (c *Controller) forward(call func(Backend)) error {
	// a pending Close holds back new readers, so check before queueing on mu
	if c.destroyed.Load() {
		return ErrControllerClosed
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.destroyed.Load() {
		return ErrControllerClosed
	}

	call(c.backend)

	return nil
}

func (c *Controller) release() (bool, error) {
	if !c.destroyed.CompareAndSwap(false, true) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return true, c.backend.Release(c.handle)
}

func (c *Controller) finalize() {
	_, _ = c.release()
}
