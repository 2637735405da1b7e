package supernode

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gridmesh/gridmesh/pkg/community"
	"github.com/gridmesh/gridmesh/pkg/peer"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

// handleDatagram is the single entry point for both transports: decode,
// classify, handle. conn is the TCP session the datagram arrived on, nil
// for UDP.
func (n *Node) handleDatagram(data []byte, src wire.Sock, conn net.Conn) {
	m, user, err := wire.Decode(data, n.reg)
	if err != nil {
		if errors.Is(err, wire.ErrAuthFailed) {
			n.stats.AuthFailures.Add(1)
			n.nakAuth(src, conn)
			return
		}
		n.stats.RxErrors.Add(1)
		slog.Debug("undecodable datagram", "src", src.String(), "err", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch b := m.Body.(type) {
	case *wire.Register:
		n.registerEdge(m, b, src, conn, user)
	case *wire.RegisterSuper:
		n.registerSupernode(m, b, src, conn)
	case *wire.RegisterSuperAck:
		n.superAck(m, b, src)
	case *wire.UnregisterSuper:
		n.unregister(m, b, src)
	case *wire.QueryPeer:
		n.queryPeer(m, b, src, conn, user)
	case *wire.PeerInfo:
		n.relayPeerInfo(m, b)
	case *wire.Packet:
		n.forwardPacket(m, b, src, conn, user)
	default:
		// REGISTER_ACK/NAK and the like are edge-bound; a supernode
		// receiving one is someone else's bug.
		n.stats.RxErrors.Add(1)
		slog.Debug("dropping unexpected message", "type", m.Type.String(), "src", src.String())
	}
}

// nakAuth answers an undecryptable datagram, rate-limited per source so an
// attacker cannot turn us into an amplifier.
func (n *Node) nakAuth(src wire.Sock, conn net.Conn) {
	if !n.naks.Allow(src.Addr.Addr().String()) {
		return
	}
	n.stats.RegNak.Add(1)
	nak := &wire.Message{
		Header: wire.Header{Type: wire.TypeRegisterNak},
		Body:   &wire.RegisterNak{Reason: wire.NakAuth},
	}
	n.send(src, conn, nak, wire.NullKeyring)
}

// communityAuthed reports whether a datagram proved what its community's
// header mode demands.
func communityAuthed(c *community.Community, m *wire.Message) bool {
	return c.Mode == wire.ModeNone || m.Sealed
}

// findCommunity resolves the community a datagram names, or reports
// wire.ErrUnknownCommunity.
func (n *Node) findCommunity(name string) (*community.Community, error) {
	if c := n.reg.Find(name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", wire.ErrUnknownCommunity, name)
}

// queryPeer answers PEER_INFO for a MAC known in the same community. The
// null-MAC form is a ping answered with the federation supernode list.
func (n *Node) queryPeer(m *wire.Message, q *wire.QueryPeer, src wire.Sock, conn net.Conn, user string) {
	name := m.Community.String()
	c, err := n.findCommunity(name)
	if err != nil {
		n.stats.RxErrors.Add(1)
		slog.Debug("dropping query", "src", src.String(), "err", err)
		return
	}
	if !communityAuthed(c, m) {
		n.stats.AuthFailures.Add(1)
		return
	}
	kr := n.replyKeyring(name, user)

	if q.TargetMAC.IsNull() {
		var socks []wire.Sock
		for _, p := range n.reg.Federation().Edges.Peers() {
			if p.Sock.IsValid() {
				socks = append(socks, p.Sock)
			}
		}
		reply := &wire.Message{
			Header: wire.Header{Type: wire.TypeFederationInfo, Community: m.Community},
			Body:   &wire.FederationInfo{Supernodes: socks},
		}
		n.send(src, conn, reply, kr)
		return
	}

	target := c.Edges.Get(q.TargetMAC)
	if target == nil {
		return // unknown MAC in this community: drop
	}
	if requester := c.Edges.Get(q.SrcMAC); requester != nil {
		requester.LastSentQuery = time.Now()
	}

	reply := &wire.Message{
		Header: wire.Header{Type: wire.TypePeerInfo, Community: m.Community},
		Body: &wire.PeerInfo{
			RequesterMAC: q.SrcMAC,
			TargetMAC:    q.TargetMAC,
			Sock:         target.Sock,
			Selection:    target.Selection,
		},
	}
	n.send(src, conn, reply, kr)
}

// relayPeerInfo forwards an answer from a federated supernode back to the
// edge that originally asked.
func (n *Node) relayPeerInfo(m *wire.Message, pi *wire.PeerInfo) {
	c, err := n.findCommunity(m.Community.String())
	if err != nil {
		n.stats.RxErrors.Add(1)
		slog.Debug("dropping peer info", "err", err)
		return
	}
	requester := c.Edges.Get(pi.RequesterMAC)
	if requester == nil {
		return
	}
	n.sendToPeer(requester, m, n.replyKeyring(c.Name, requester.User))
}

// forwardPacket implements the §4.E forwarding rules for user traffic.
func (n *Node) forwardPacket(m *wire.Message, pkt *wire.Packet, src wire.Sock, conn net.Conn, user string) {
	name := m.Community.String()
	c, err := n.findCommunity(name)
	if err != nil {
		n.stats.RxErrors.Add(1)
		slog.Debug("dropping packet", "src", src.String(), "err", err)
		return
	}
	if !communityAuthed(c, m) {
		n.stats.AuthFailures.Add(1)
		return
	}

	fromSupernode := m.HasFlag(wire.FlagFromSupernode)

	sender := c.Edges.Get(pkt.SrcMAC)
	if sender == nil && !fromSupernode {
		// Valid header auth but no registration: the edge must
		// re-register before we relay for it.
		n.nakResync(pkt.SrcMAC, src, conn, n.replyKeyring(name, user))
		return
	}
	if sender != nil {
		sender.LastSeen = time.Now()
	}

	switch {
	case pkt.DstMAC.IsMulticast():
		n.broadcast(c, m, pkt, sender, fromSupernode)

	default:
		if dst := c.Edges.Get(pkt.DstMAC); dst != nil {
			n.sendToPeer(dst, m, n.replyKeyring(name, dst.User))
			n.stats.Forward.Add(1)
			n.stats.LastFwd.Store(time.Now().Unix())
			return
		}
		// Unknown unicast destination: hand it to the federation while the
		// TTL lasts.
		if m.TTL > 0 && !fromSupernode {
			n.forwardToFederation(c, m, nil)
		}
	}
}

// broadcast fans a packet out to every community edge except the sender,
// and once to each federated supernode serving the community. The
// from-supernode flag stops a second hop from fanning out again.
func (n *Node) broadcast(c *community.Community, m *wire.Message, pkt *wire.Packet, sender *peer.Peer, fromSupernode bool) {
	for _, p := range c.Edges.Peers() {
		if sender != nil && p == sender {
			continue
		}
		if p.MAC == pkt.SrcMAC {
			continue
		}
		n.sendToPeer(p, m, n.replyKeyring(c.Name, p.User))
	}
	if !fromSupernode {
		n.forwardToFederation(c, m, nil)
	}
	n.stats.Broadcast.Add(1)
	n.stats.LastFwd.Store(time.Now().Unix())
}

// forwardToFederation relays a packet to every federation peer that serves
// the community, with the TTL burned down and the supernode flag set.
func (n *Node) forwardToFederation(c *community.Community, m *wire.Message, except *peer.Peer) {
	if m.TTL == 0 {
		return
	}
	fwd := *m
	fwd.TTL--
	fwd.SetFlag(wire.FlagFromSupernode)

	for _, p := range n.reg.Federation().Edges.Peers() {
		if p == except || !p.Sock.IsValid() {
			continue
		}
		if !peerServesCommunity(p, c.Name) {
			continue
		}
		n.sendToPeer(p, &fwd, n.reg)
	}
}

// peerServesCommunity checks a federation peer's advertised community list.
func peerServesCommunity(p *peer.Peer, name string) bool {
	for _, adv := range p.Communities {
		if adv == name {
			return true
		}
	}
	return false
}

// nakResync tells an unregistered sender to register again.
func (n *Node) nakResync(mac wire.MAC, src wire.Sock, conn net.Conn, kr wire.Keyring) {
	if !n.naks.Allow(src.Addr.Addr().String()) {
		return
	}
	n.stats.RegNak.Add(1)
	nak := &wire.Message{
		Header: wire.Header{Type: wire.TypeRegisterNak},
		Body:   &wire.RegisterNak{SrcMAC: mac, Reason: wire.NakUnspecified},
	}
	n.send(src, conn, nak, kr)
}
