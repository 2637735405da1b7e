package supernode

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gridmesh/gridmesh/pkg/community"
	"github.com/gridmesh/gridmesh/pkg/peer"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

// registerEdge runs the edge registration sequence. Caller holds n.mu.
func (n *Node) registerEdge(m *wire.Message, reg *wire.Register, src wire.Sock, conn net.Conn, user string) {
	name := m.Community.String()
	kr := n.replyKeyring(name, user)

	c, err := n.reg.FindOrCreate(name, user != "")
	if err != nil {
		reason := wire.NakCommunity
		if errors.Is(err, wire.ErrBadName) {
			n.stats.RxErrors.Add(1)
			return
		}
		n.nak(reg, src, conn, kr, reason)
		return
	}
	if c.IsFederation {
		// Client edges have no business inside the federation.
		n.nak(reg, src, conn, kr, wire.NakCommunity)
		return
	}
	if !communityAuthed(c, m) {
		// Clear datagram for a protected community: parsing proved nothing.
		n.nak(reg, src, conn, wire.NullKeyring, wire.NakAuth)
		return
	}

	if reg.SrcMAC.IsNull() || reg.SrcMAC.IsMulticast() {
		n.nak(reg, src, conn, kr, wire.NakUnspecified)
		return
	}

	// Spoofing protection: a MAC already bound to a different identity is
	// refused. User-password communities identify senders by key, so they
	// opt out of the socket-based check.
	if n.cfg.SpoofingProtection && c.Mode != wire.ModeUser {
		if n.macBoundElsewhere(c, reg.SrcMAC) {
			n.nak(reg, src, conn, kr, wire.NakMacInUse)
			return
		}
		if existing := c.Edges.Get(reg.SrcMAC); existing != nil && existing.Sock != src && c.Mode == wire.ModeNone {
			// Same MAC from a new socket without any authentication to
			// justify the takeover.
			n.nak(reg, src, conn, kr, wire.NakMacInUse)
			return
		}
	}

	prev := c.Edges.Get(reg.SrcMAC)
	prevSock := wire.Sock{}
	if prev != nil {
		prevSock = prev.Sock
	}

	now := time.Now()
	p, res := c.Edges.Upsert(reg.SrcMAC, src, now)
	p.Desc = reg.Desc
	p.User = user
	if src.Proto == wire.TransportTCP {
		p.Conn = conn
	}
	if c.AutoNet.IsValid() {
		p.AutoIP = community.HostInSubnet(c.AutoNet, reg.SrcMAC)
		p.AutoBits = uint8(c.AutoNet.Bits())
	}

	ack := &wire.Message{
		Header: wire.Header{Type: wire.TypeRegisterAck, Community: m.Community},
		Body: &wire.RegisterAck{
			Cookie:   reg.Cookie,
			SrcMAC:   reg.SrcMAC,
			AutoIP:   p.AutoIP,
			AutoBits: p.AutoBits,
			Sock:     src,
			Lifetime: uint16(n.cfg.RegistrationTTL),
		},
	}
	n.send(src, conn, ack, kr)

	n.stats.RegRx.Add(1)
	n.stats.LastReg.Store(now.Unix())

	switch {
	case res == peer.Created:
		slog.Info("edge registered", "community", name, "mac", p.MAC.String(), "sock", src.String())
		n.hub.PostPeer("join", p.MAC.String(), src.String())
	case prevSock != src:
		slog.Debug("edge moved", "community", name, "mac", p.MAC.String(), "sock", src.String())
		n.hub.PostPeer("move", p.MAC.String(), src.String())
	}
}

// macBoundElsewhere reports whether a MAC is registered in any community
// other than c.
func (n *Node) macBoundElsewhere(c *community.Community, mac wire.MAC) bool {
	for _, other := range n.reg.Communities() {
		if other == c || other.IsFederation {
			continue
		}
		if other.Edges.Get(mac) != nil {
			return true
		}
	}
	return false
}

// nak refuses a registration and counts it.
func (n *Node) nak(reg *wire.Register, src wire.Sock, conn net.Conn, kr wire.Keyring, reason wire.NakReason) {
	n.stats.RegNak.Add(1)
	slog.Debug("registration refused", "mac", reg.SrcMAC.String(), "src", src.String(), "reason", reason.String())
	nak := &wire.Message{
		Header: wire.Header{Type: wire.TypeRegisterNak},
		Body:   &wire.RegisterNak{Cookie: reg.Cookie, SrcMAC: reg.SrcMAC, Reason: reason},
	}
	n.send(src, conn, nak, kr)
}

// unregister is the explicit goodbye path for edges and supernodes alike.
func (n *Node) unregister(m *wire.Message, u *wire.UnregisterSuper, src wire.Sock) {
	c, err := n.findCommunity(m.Community.String())
	if err != nil {
		n.stats.RxErrors.Add(1)
		slog.Debug("dropping unregister", "src", src.String(), "err", err)
		return
	}
	p := c.Edges.Get(u.SrcMAC)
	if p == nil {
		return
	}
	if !p.Purgeable {
		// Anchors stay; an unregister just marks them quiet.
		p.Sock = wire.Sock{}
		return
	}
	c.Edges.Remove(u.SrcMAC)
	slog.Info("peer unregistered", "community", c.Name, "mac", u.SrcMAC.String())
	n.hub.PostPeer("leave", u.SrcMAC.String(), p.Sock.String())
}

// purgeSweep expires idle registrations across every community. Federation
// peers get the longer TTL; anchors never expire.
func (n *Node) purgeSweep(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	total := 0
	for _, c := range n.reg.Communities() {
		ttl := n.ttl
		if c.IsFederation {
			ttl = n.fedTTL
		}
		total += c.Edges.Purge(now, ttl, func(p *peer.Peer) {
			n.hub.PostPeer("leave", p.MAC.String(), p.Sock.String())
		})
	}
	n.stats.LastSweep.Store(now.Unix())
	if total > 0 {
		slog.Debug("purge sweep", "removed", total)
	}
}

// dropConn detaches a closed TCP session from every peer bound to it.
// Purgeable peers leave with it; anchors just lose their transport.
func (n *Node) dropConn(conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.reg.Communities() {
		for _, p := range c.Edges.Peers() {
			if p.Conn != conn {
				continue
			}
			if !p.Purgeable {
				p.Conn = nil
				continue
			}
			if !p.MAC.IsNull() {
				c.Edges.Remove(p.MAC)
			} else {
				c.Edges.RemoveBySock(p.Sock)
			}
			n.hub.PostPeer("leave", p.MAC.String(), p.Sock.String())
			slog.Debug("tcp peer gone", "community", c.Name, "mac", p.MAC.String())
		}
	}
}
