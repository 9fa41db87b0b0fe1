package peerstate

import (
	"sync"
	"time"
)

// DepartureFunc is invoked, outside the table mutex, whenever a row is
// deleted. The daemon wiring layer uses this to tell the resource catalog
// to purge resources owned by the departing username, without the table
// importing the catalog package.
type DepartureFunc func(username string)

// Table is the mutex-guarded peer set described by the peer-presence
// contract: every mutator takes the lock, Snapshot returns an independent
// copy taken under the lock.
type Table struct {
	mu                sync.Mutex
	peers             map[string]*Peer
	peerTimeout       time.Duration
	onDeparture       DepartureFunc
	pendingDepartures []string
}

// NewTable builds an empty table. peerTimeout is the broadcast-axis
// liveness window (default 2s); onDeparture may be nil.
func NewTable(peerTimeout time.Duration, onDeparture DepartureFunc) *Table {
	return &Table{
		peers:       make(map[string]*Peer),
		peerTimeout: peerTimeout,
		onDeparture: onDeparture,
	}
}

// UpsertBroadcast records a beacon attestation for username, creating the
// row if this is the first contact.
func (t *Table) UpsertBroadcast(username, address string, port int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[username]
	if !ok {
		p = &Peer{
			Username:  username,
			FirstSeen: now,
			Port:      port,
		}
		t.peers[username] = p
	}
	p.Address = address
	if port != 0 {
		p.Port = port
	}
	p.LastSeen = now
	p.lastSeenBroadcast = now
	p.BroadcastPeer = true
}

// UpsertRegistry records a rendezvous-poll attestation for username,
// creating the row if this is the first contact.
func (t *Table) UpsertRegistry(username, address string, port int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[username]
	if !ok {
		p = &Peer{
			Username:  username,
			FirstSeen: now,
		}
		t.peers[username] = p
	}
	p.Address = address
	p.Port = port
	p.LastSeen = now
	p.RegistryPeer = true
}

// MarkBroadcastGone clears the broadcast axis for username. If the
// registry axis is also already false the row is deleted (both axes
// false, as in rule 1).
func (t *Table) MarkBroadcastGone(username string) {
	t.mu.Lock()
	p, ok := t.peers[username]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.BroadcastPeer = false
	deleted := t.deleteIfDeadLocked(username, p)
	t.mu.Unlock()

	if deleted {
		t.notifyDeparture(username)
	}
}

// MarkRegistryGone clears the registry axis for username. If the
// broadcast axis is also already false the row is deleted (rule 3).
func (t *Table) MarkRegistryGone(username string) {
	t.mu.Lock()
	p, ok := t.peers[username]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.RegistryPeer = false
	deleted := t.deleteIfDeadLocked(username, p)
	t.mu.Unlock()

	if deleted {
		t.notifyDeparture(username)
	}
}

// Remove deletes username unconditionally. Used for disconnection packets
// (rule 2: only valid when the registry axis is already false — the
// caller, the packet demultiplexer, enforces that precondition per §4.A).
func (t *Table) Remove(username string) {
	t.mu.Lock()
	_, existed := t.peers[username]
	delete(t.peers, username)
	t.mu.Unlock()

	if existed {
		t.notifyDeparture(username)
	}
}

// Address returns the current (address, port) of username, without
// performing the liveness sweep, for the catalog's targeted-send path
// (§4.F.2: drop the update if the peer is not currently in the table).
func (t *Table) Address(username string) (address string, port int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, exists := t.peers[username]
	if !exists {
		return "", 0, false
	}
	return p.Address, p.Port, true
}

// RegistryAxis reports the current registry-attestation flag for username,
// used by the packet demultiplexer to decide whether a disconnection packet
// may delete the row outright (rule 2 requires the registry axis already
// false).
func (t *Table) RegistryAxis(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[username]
	return ok && p.RegistryPeer
}

// Get returns a copy of the named peer, or nil if unknown. Performs the
// same lazy broadcast sweep as Snapshot for this single row.
func (t *Table) Get(username string, now time.Time) *Peer {
	t.mu.Lock()
	if p, ok := t.peers[username]; ok {
		t.sweepOneLocked(username, p, now)
	}
	p, ok := t.peers[username]
	departed := t.drainDeparturesLocked()
	t.mu.Unlock()

	t.notifyDepartures(departed)

	if !ok {
		return nil
	}
	return p.Clone()
}

// Snapshot performs the lazy broadcast-liveness sweep and returns an
// independent copy of every remaining row, keyed by username.
func (t *Table) Snapshot(now time.Time) map[string]*Peer {
	t.mu.Lock()
	for username, p := range t.peers {
		t.sweepOneLocked(username, p, now)
	}

	out := make(map[string]*Peer, len(t.peers))
	for username, p := range t.peers {
		out[username] = p.Clone()
	}
	departed := t.drainDeparturesLocked()
	t.mu.Unlock()

	t.notifyDepartures(departed)
	return out
}

// drainDeparturesLocked returns and clears the departures queued by the
// most recent sweep. Must be called with t.mu held.
func (t *Table) drainDeparturesLocked() []string {
	if len(t.pendingDepartures) == 0 {
		return nil
	}
	departed := t.pendingDepartures
	t.pendingDepartures = nil
	return departed
}

func (t *Table) notifyDepartures(usernames []string) {
	for _, u := range usernames {
		t.notifyDeparture(u)
	}
}

// sweepOneLocked expires the broadcast axis for p if it has been silent
// longer than peerTimeout, and deletes the row if that leaves both axes
// false. Must be called with t.mu held. A deleted username is queued on
// pendingDepartures; the caller (Snapshot, Get) drains that queue and
// invokes the departure hook for each entry once it has released the lock.
func (t *Table) sweepOneLocked(username string, p *Peer, now time.Time) {
	if p.BroadcastPeer && now.Sub(p.lastSeenBroadcast) > t.peerTimeout {
		p.BroadcastPeer = false
	}
	if !p.BroadcastPeer && !p.RegistryPeer {
		delete(t.peers, username)
		t.pendingDepartures = append(t.pendingDepartures, username)
	}
}

// deleteIfDeadLocked deletes username if both axes are now false. Must be
// called with t.mu held. Returns whether it deleted the row.
func (t *Table) deleteIfDeadLocked(username string, p *Peer) bool {
	if !p.BroadcastPeer && !p.RegistryPeer {
		delete(t.peers, username)
		return true
	}
	return false
}

func (t *Table) notifyDeparture(username string) {
	if t.onDeparture != nil {
		t.onDeparture(username)
	}
}
