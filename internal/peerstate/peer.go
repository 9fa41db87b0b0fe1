// Package peerstate holds the authoritative in-memory set of known peers.
package peerstate

import "time"

// Peer is a record of another host discovered on the network, tagged by
// which discovery axis (or axes) currently attest to it.
type Peer struct {
	Username string

	Address string
	Port    int

	FirstSeen time.Time
	LastSeen  time.Time

	// BroadcastPeer is true while the broadcast discovery loop has seen a
	// beacon from this username within peer_timeout.
	BroadcastPeer bool

	// RegistryPeer is true while the rendezvous client's most recent
	// /peers poll listed this username.
	RegistryPeer bool

	// lastSeenBroadcast tracks the broadcast axis independently of
	// LastSeen (which also advances on registry attestations), so the
	// liveness sweep can expire the broadcast flag without touching a
	// peer that is still registry-attested.
	lastSeenBroadcast time.Time
}

// Alive reports whether at least one discovery axis currently attests to
// this peer. A Peer with neither axis true must not exist in the table.
func (p *Peer) Alive() bool {
	return p.BroadcastPeer || p.RegistryPeer
}

// Clone returns an independent copy, safe to hand to a caller outside the
// table's mutex.
func (p *Peer) Clone() *Peer {
	cp := *p
	return &cp
}
