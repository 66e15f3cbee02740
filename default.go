package p2p

import (
	"sync/atomic"
	"time"
)

// The process holds at most one installed Controller. Install it once the
// networking backend is up, call the package level functions from anywhere,
// and call Shutdown on the way out.
var installed atomic.Pointer[Controller]

// Install makes c the process-wide controller and returns the one it replaced.
// The caller owns the returned controller and is responsible for closing it.
func Install(c *Controller) *Controller {
	return installed.Swap(c)
}

// Default returns the installed controller.
func Default() (*Controller, error) {
	c := installed.Load()
	if c == nil {
		return nil, ErrNoController
	}

	return c, nil
}

// Shutdown uninstalls the process-wide controller and closes it.
func Shutdown() error {
	c := installed.Swap(nil)
	if c == nil {
		return nil
	}

	return c.Close()
}

// SetListener registers the listener on the installed controller.
func SetListener(listener NetworkListener) error {
	c, err := Default()
	if err != nil {
		return err
	}

	return c.SetListener(listener)
}

// DisableNetwork turns p2p networking off through the installed controller.
func DisableNetwork() error {
	c, err := Default()
	if err != nil {
		return err
	}

	return c.DisableNetwork()
}

// EnableNetwork turns p2p networking on through the installed controller.
func EnableNetwork() error {
	c, err := Default()
	if err != nil {
		return err
	}

	return c.EnableNetwork()
}

// GetPeerInfo returns connected peer info from the installed controller.
func GetPeerInfo() ([]PeerRecord, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	return c.GetPeerInfo()
}

// ListBannedPeers returns the ban list from the installed controller.
func ListBannedPeers() ([]BannedPeerRecord, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	return c.ListBannedPeers()
}

// BanPeer bans an address through the installed controller.
func BanPeer(address string, banTime time.Duration) (bool, error) {
	c, err := Default()
	if err != nil {
		return false, err
	}

	return c.BanPeer(address, banTime)
}

// UnbanPeer unbans an address or subnet through the installed controller.
func UnbanPeer(address string) (bool, error) {
	c, err := Default()
	if err != nil {
		return false, err
	}

	return c.UnbanPeer(address)
}

// DisconnectPeer disconnects a peer through the installed controller.
func DisconnectPeer(nodeID int64) (bool, error) {
	c, err := Default()
	if err != nil {
		return false, err
	}

	return c.DisconnectPeer(nodeID)
}

// ClearBanned empties the ban list through the installed controller.
func ClearBanned() (bool, error) {
	c, err := Default()
	if err != nil {
		return false, err
	}

	return c.ClearBanned()
}
