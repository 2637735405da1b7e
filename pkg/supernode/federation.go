package supernode

import (
	"log/slog"
	"net"
	"time"

	"github.com/gridmesh/gridmesh/pkg/wire"
)

// registerSupernode handles REGISTER_SUPER from a remote supernode. Caller
// holds n.mu.
func (n *Node) registerSupernode(m *wire.Message, rs *wire.RegisterSuper, src wire.Sock, conn net.Conn) {
	fed := n.reg.Federation()
	n.stats.SuperRx.Add(1)

	if m.Community.String() != fed.Name {
		// Different federation: politely refuse rather than merge state
		// with a stranger.
		nak := &wire.Message{
			Header: wire.Header{Type: wire.TypeRegisterSuperNak, Community: m.Community},
			Body:   &wire.RegisterSuperNak{Cookie: rs.Cookie, SrcMAC: rs.SrcMAC, Reason: wire.NakCommunity},
		}
		n.send(src, conn, nak, wire.NullKeyring)
		return
	}

	now := time.Now()
	p, _ := fed.Edges.Upsert(rs.SrcMAC, src, now)
	p.Selection = rs.Selection
	p.Communities = rs.Communities
	if src.Proto == wire.TransportTCP {
		p.Conn = conn
	}

	n.mergeCommunities(rs.Communities)

	ack := &wire.Message{
		Header: wire.Header{Type: wire.TypeRegisterSuperAck, Community: m.Community},
		Body: &wire.RegisterSuperAck{
			Cookie:      rs.Cookie,
			SrcMAC:      n.mac,
			Sock:        src,
			Lifetime:    uint16(3 * n.cfg.RegistrationTTL),
			Selection:   n.edgeLoadLocked(),
			Uptime:      uint32(n.Uptime().Seconds()),
			Version:     n.cfg.VersionString,
			Communities: n.localCommunityNames(),
		},
	}
	n.send(src, conn, ack, wire.NullKeyring)
	n.stats.LastRegSuper.Store(now.Unix())
}

// superAck handles REGISTER_SUPER_ACK for a peering round we initiated.
func (n *Node) superAck(m *wire.Message, ack *wire.RegisterSuperAck, src wire.Sock) {
	fed := n.reg.Federation()
	if m.Community.String() != fed.Name {
		n.stats.RxErrors.Add(1)
		return
	}
	n.stats.SuperRx.Add(1)

	now := time.Now()
	p, _ := fed.Edges.Upsert(ack.SrcMAC, src, now)
	if p.LastCookie != 0 && ack.Cookie != p.LastCookie {
		slog.Debug("stale federation ack", "sock", src.String(), "cookie", ack.Cookie)
	}
	p.Selection = ack.Selection
	p.Version = ack.Version
	p.UptimeAtReg = ack.Uptime
	p.Communities = ack.Communities

	n.mergeCommunities(ack.Communities)
	n.stats.LastRegSuper.Store(now.Unix())
}

// mergeCommunities materializes communities a federation peer advertised
// that we do not know yet, so broadcast traffic for them can be relayed.
func (n *Node) mergeCommunities(names []string) {
	for _, name := range names {
		if n.reg.Find(name) != nil {
			continue
		}
		if c := n.reg.Learn(name); c != nil {
			slog.Info("community learned from federation", "community", name)
		}
	}
}

// reRegisterFederation sends REGISTER_SUPER to every federation peer.
// Anchors whose hostname did not resolve at startup are retried here.
func (n *Node) reRegisterFederation() {
	n.mu.Lock()
	defer n.mu.Unlock()

	fed := n.reg.Federation()
	communities := n.localCommunityNames()
	load := n.edgeLoadLocked()

	fedCommunity, err := wire.NewCommunity(fed.Name)
	if err != nil {
		return
	}

	for _, p := range fed.Edges.Peers() {
		if !p.Sock.IsValid() {
			if p.HostPort == "" {
				continue
			}
			sock, err := resolveSock(p.HostPort)
			if err != nil {
				slog.Debug("federation anchor still unresolvable", "anchor", p.HostPort, "err", err)
				continue
			}
			p.Sock = sock
			slog.Info("federation anchor resolved", "anchor", p.HostPort, "sock", sock.String())
		}

		cookie := newCookie()
		p.LastCookie = cookie
		p.LastSentQuery = time.Now()

		msg := &wire.Message{
			Header: wire.Header{Type: wire.TypeRegisterSuper, Community: fedCommunity},
			Body: &wire.RegisterSuper{
				Cookie:      cookie,
				SrcMAC:      n.mac,
				Sock:        n.ownSock(),
				Selection:   load,
				Communities: communities,
			},
		}
		n.sendToPeer(p, msg, wire.NullKeyring)
		n.stats.SuperTx.Add(1)
	}
}
