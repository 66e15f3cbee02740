// Package mocks provides mock implementations of the p2p interfaces used in testing.
package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/florinxfl/go-p2p"
)

// MockBackend is a mock implementation of the p2p.Backend interface
type MockBackend struct {
	mock.Mock
}

// SetListener mocks the SetListener method
func (m *MockBackend) SetListener(listener p2p.NetworkListener) {
	m.Called(listener)
}

// DisableNetwork mocks the DisableNetwork method
func (m *MockBackend) DisableNetwork() {
	m.Called()
}

// EnableNetwork mocks the EnableNetwork method
func (m *MockBackend) EnableNetwork() {
	m.Called()
}

// GetPeerInfo mocks the GetPeerInfo method
func (m *MockBackend) GetPeerInfo() []p2p.PeerRecord {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]p2p.PeerRecord)
	}

	return nil
}

// ListBannedPeers mocks the ListBannedPeers method
func (m *MockBackend) ListBannedPeers() []p2p.BannedPeerRecord {
	args := m.Called()
	if banned := args.Get(0); banned != nil {
		return banned.([]p2p.BannedPeerRecord)
	}

	return nil
}

// BanPeer mocks the BanPeer method
func (m *MockBackend) BanPeer(address string, banTime time.Duration) bool {
	args := m.Called(address, banTime)
	return args.Bool(0)
}

// UnbanPeer mocks the UnbanPeer method
func (m *MockBackend) UnbanPeer(address string) bool {
	args := m.Called(address)
	return args.Bool(0)
}

// DisconnectPeer mocks the DisconnectPeer method
func (m *MockBackend) DisconnectPeer(nodeID int64) bool {
	args := m.Called(nodeID)
	return args.Bool(0)
}

// ClearBanned mocks the ClearBanned method
func (m *MockBackend) ClearBanned() bool {
	args := m.Called()
	return args.Bool(0)
}

// Release mocks the Release method
func (m *MockBackend) Release(h p2p.Handle) error {
	args := m.Called(h)
	return args.Error(0)
}

// Ensure MockBackend implements the interface
var _ p2p.Backend = (*MockBackend)(nil)
