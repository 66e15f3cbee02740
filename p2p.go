// Package p2p controls a libp2p peer-to-peer network from managed code.
//
// A Controller is the proxy applications hold: it forwards listener
// registration, the network on/off switch, peer info queries and ban list
// management to a Backend identified by a Handle, and releases that backend
// exactly once. Node is the Backend shipped with the package; it wraps a
// libp2p host with DHT discovery, GossipSub height announcements, a
// connection gater for bans and bandwidth accounting.
//
// Processes that want a single global controller Install one and use the
// package level functions, then call Shutdown on exit.
package p2p
