// Package peer holds the records and tables for registered edges and
// federated supernodes. Tables are not self-locking; their owner serializes
// access.
package peer

import (
	"net"
	"net/netip"
	"time"

	"github.com/gridmesh/gridmesh/pkg/wire"
)

// Peer is one registered edge or supernode. A record belongs to exactly
// one table.
type Peer struct {
	MAC  wire.MAC
	Sock wire.Sock

	// HostPort is the configured dial-back address for federation anchors,
	// kept verbatim so an unresolvable name can be retried later.
	HostPort string

	PublicKey []byte

	AutoIP   netip.Addr
	AutoBits uint8

	Desc    string
	Version string

	// User is the authenticated identity the peer registered under, for
	// user-password communities. Replies to this peer are sealed with the
	// matching derived key.
	User string

	// Communities is the community list a federated supernode last
	// advertised; broadcast fan-out consults it.
	Communities []string

	// LastCookie is the cookie of the most recent REGISTER_SUPER sent to
	// this federation peer.
	LastCookie uint32

	LastSeen      time.Time
	LastP2P       time.Time
	LastSentQuery time.Time
	UptimeAtReg   uint32

	// Selection is the load/RTT criterion a federated supernode advertises.
	Selection uint32

	// Purgeable is false only for federation anchors.
	Purgeable bool

	// Conn is the accepted TCP session for TCP-transport peers, nil for UDP.
	Conn net.Conn
}

// Result reports what Upsert did.
type Result int

const (
	Created Result = iota
	Refreshed
)

// Table is a dual-indexed peer set: primary index by MAC, secondary by
// observed socket for peers that registered with a null MAC.
type Table struct {
	byMAC  map[wire.MAC]*Peer
	bySock map[wire.Sock]*Peer
}

func NewTable() *Table {
	return &Table{
		byMAC:  make(map[wire.MAC]*Peer),
		bySock: make(map[wire.Sock]*Peer),
	}
}

func (t *Table) Len() int { return len(t.byMAC) + len(t.bySock) }

// Get looks up a peer by MAC.
func (t *Table) Get(mac wire.MAC) *Peer {
	if mac.IsNull() {
		return nil
	}
	return t.byMAC[mac]
}

// GetBySock looks up a peer by its last observed socket. MAC-indexed peers
// are found too; the scan is linear but tables are small and the socket
// index catches the common case first.
func (t *Table) GetBySock(sock wire.Sock) *Peer {
	if p, ok := t.bySock[sock]; ok {
		return p
	}
	for _, p := range t.byMAC {
		if p.Sock == sock {
			return p
		}
	}
	return nil
}

// Upsert finds or inserts a peer. A non-null MAC keys the primary index; a
// null MAC falls back to find-or-insert by socket. Refreshing stamps
// LastSeen and tracks a moved socket.
func (t *Table) Upsert(mac wire.MAC, sock wire.Sock, now time.Time) (*Peer, Result) {
	var p *Peer
	if !mac.IsNull() {
		p = t.byMAC[mac]
		if p == nil {
			// A socket-only record (e.g. a configured anchor that has now
			// identified itself) graduates to the primary index.
			if q, ok := t.bySock[sock]; ok && q.MAC.IsNull() {
				p = q
			}
		}
	} else {
		p = t.bySock[sock]
	}

	if p == nil {
		p = &Peer{MAC: mac, Sock: sock, LastSeen: now, Purgeable: true}
		if !mac.IsNull() {
			t.byMAC[mac] = p
		} else {
			t.bySock[sock] = p
		}
		return p, Created
	}

	// A socket-indexed peer that now presents a MAC graduates to the
	// primary index.
	if p.MAC.IsNull() && !mac.IsNull() {
		delete(t.bySock, p.Sock)
		p.MAC = mac
		t.byMAC[mac] = p
	} else if p.MAC.IsNull() && p.Sock != sock {
		delete(t.bySock, p.Sock)
		t.bySock[sock] = p
	}
	p.Sock = sock
	p.LastSeen = now
	return p, Refreshed
}

// Add inserts a fully-formed record, replacing any entry with the same MAC.
func (t *Table) Add(p *Peer) {
	if p.MAC.IsNull() {
		t.bySock[p.Sock] = p
		return
	}
	t.byMAC[p.MAC] = p
}

// Remove drops a peer by MAC. Returns the removed record, if any.
func (t *Table) Remove(mac wire.MAC) *Peer {
	p, ok := t.byMAC[mac]
	if !ok {
		return nil
	}
	delete(t.byMAC, mac)
	return p
}

// RemoveBySock drops a socket-indexed peer.
func (t *Table) RemoveBySock(sock wire.Sock) *Peer {
	p, ok := t.bySock[sock]
	if !ok {
		return nil
	}
	delete(t.bySock, sock)
	return p
}

// Peers snapshots the table. The slice is stable for the duration of one
// sweep; mutation during iteration does not affect it.
func (t *Table) Peers() []*Peer {
	out := make([]*Peer, 0, t.Len())
	for _, p := range t.byMAC {
		out = append(out, p)
	}
	for _, p := range t.bySock {
		out = append(out, p)
	}
	return out
}

// Purge removes every purgeable peer not seen within ttl. The onRemove
// hook runs for each removed record; it may be nil.
func (t *Table) Purge(now time.Time, ttl time.Duration, onRemove func(*Peer)) int {
	n := 0
	for mac, p := range t.byMAC {
		if p.Purgeable && now.Sub(p.LastSeen) > ttl {
			delete(t.byMAC, mac)
			if onRemove != nil {
				onRemove(p)
			}
			n++
		}
	}
	for sock, p := range t.bySock {
		if p.Purgeable && now.Sub(p.LastSeen) > ttl {
			delete(t.bySock, sock)
			if onRemove != nil {
				onRemove(p)
			}
			n++
		}
	}
	return n
}
