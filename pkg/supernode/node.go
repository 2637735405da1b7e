// Package supernode is the rendezvous and relay core: it owns the data
// sockets, the registration state machine, and the dispatch engine that
// decides what happens to every inbound overlay datagram.
package supernode

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridmesh/gridmesh/internal/crypto"
	"github.com/gridmesh/gridmesh/internal/pool"
	"github.com/gridmesh/gridmesh/pkg/community"
	"github.com/gridmesh/gridmesh/pkg/config"
	"github.com/gridmesh/gridmesh/pkg/peer"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

// Version is the default version string advertised to edges and federation
// peers when the config does not override it.
const Version = "gridmesh-sn/1.2.0"

// BuildDate is stamped by the release tooling via -ldflags.
var BuildDate = "unknown"

// Node is the supernode runtime: one per daemon.
type Node struct {
	cfg config.Config
	reg *community.Registry
	id  *crypto.Identity
	mac wire.MAC

	stats *Stats
	hub   *Hub
	naks  *nakLimiter

	ttl    time.Duration
	fedTTL time.Duration

	// mu serializes every session/dispatch state transition, which is what
	// gives handlers the single-threaded semantics the protocol assumes.
	mu sync.Mutex

	transport Transport
	udp       PacketSocket
	tcpLn     net.Listener

	readyCh     chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	keepRunning atomic.Bool
}

// New builds a Node from a resolved configuration. Fatal misconfiguration
// is reported here, before any socket opens.
func New(cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.VersionString == "" {
		cfg.VersionString = Version
		if len(cfg.VersionString) > 19 {
			cfg.VersionString = cfg.VersionString[:19]
		}
	}

	autoPool, err := community.ParsePool(cfg.AutoIPPool)
	if err != nil {
		return nil, fmt.Errorf("auto-ip pool: %w", err)
	}

	id, err := loadOrGenerateIdentity(cfg.IdentityFile)
	if err != nil {
		return nil, err
	}

	reg, err := community.NewRegistry(community.Config{
		Pool:           autoPool,
		DefaultMode:    wire.ParseHeaderMode(cfg.HeaderEncryptionDefault),
		FederationName: cfg.FederationName,
		CommunityFile:  cfg.CommunityFile,
		Identity:       id,
	})
	if err != nil {
		return nil, err
	}

	mac, err := resolveMAC(cfg.MACAddress)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		reg:       reg,
		id:        id,
		mac:       mac,
		stats:     NewStats(),
		hub:       NewHub(),
		naks:      newNakLimiter(10, time.Minute),
		ttl:       time.Duration(cfg.RegistrationTTL) * time.Second,
		fedTTL:    3 * time.Duration(cfg.RegistrationTTL) * time.Second,
		transport: netTransport{},
		readyCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	n.keepRunning.Store(true)

	if cfg.FederationName == config.DefaultFederationName {
		slog.Warn("using default federation name; FOR TESTING ONLY, a custom federation name is highly recommended")
	}
	if !cfg.SpoofingProtection {
		slog.Warn("MAC and IP address spoofing protection disabled; FOR TESTING ONLY")
	}

	n.addAnchors(cfg.Anchors)
	return n, nil
}

func loadOrGenerateIdentity(path string) (*crypto.Identity, error) {
	if path != "" {
		id, err := crypto.LoadIdentity(path)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return id, nil
		}
		id, err = crypto.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveIdentity(path, id); err != nil {
			return nil, err
		}
		return id, nil
	}
	return crypto.GenerateIdentity()
}

// resolveMAC parses a configured MAC or generates a random one. Either
// way the multicast bit is cleared and the locally-administered bit set.
func resolveMAC(s string) (wire.MAC, error) {
	var mac wire.MAC
	if s != "" {
		m, err := wire.ParseMAC(s)
		if err != nil {
			return mac, err
		}
		mac = m
	} else {
		if _, err := rand.Read(mac[:]); err != nil {
			return mac, err
		}
	}
	mac[0] &^= 0x01
	mac[0] |= 0x02
	return mac, nil
}

// addAnchors materializes the statically-configured federation supernodes
// as non-purgeable peers. An address that does not resolve yet is kept by
// name and retried on the re-register tick.
func (n *Node) addAnchors(anchors []string) {
	fed := n.reg.Federation()
	for _, hostPort := range anchors {
		p := &peer.Peer{
			HostPort:  hostPort,
			Purgeable: false,
			LastSeen:  time.Now(),
		}
		if sock, err := resolveSock(hostPort); err == nil {
			p.Sock = sock
		} else {
			slog.Warn("federation anchor does not resolve yet, keeping for retry", "anchor", hostPort, "err", err)
		}
		fed.Edges.Add(p)
		slog.Info("federation anchor added", "anchor", hostPort)
	}
}

func resolveSock(hostPort string) (wire.Sock, error) {
	ua, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return wire.Sock{}, err
	}
	ap := ua.AddrPort()
	if !ap.Addr().IsValid() {
		return wire.Sock{}, fmt.Errorf("unresolvable address %q", hostPort)
	}
	return wire.Sock{Addr: ap, Proto: wire.TransportUDP}, nil
}

// SetTransport swaps the socket layer, for tests and embedding. Must be
// called before Run.
func (n *Node) SetTransport(tr Transport) { n.transport = tr }

// Run opens the data sockets and serves until Stop. Socket setup failures
// are fatal.
func (n *Node) Run() error {
	var err error
	n.udp, err = n.transport.ListenPacket(n.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("open main socket: %w", err)
	}
	slog.Info("supernode is listening on UDP (main)", "addr", n.udp.LocalAddr())

	if n.cfg.TCPEnabled {
		n.tcpLn, err = n.transport.Listen(n.cfg.BindAddress)
		if err != nil {
			n.udp.Close()
			return fmt.Errorf("open auxiliary TCP socket: %w", err)
		}
		slog.Info("supernode is listening on TCP (aux)", "addr", n.tcpLn.Addr())
		go n.acceptLoop()
	}

	close(n.readyCh)
	go n.tickLoop()
	go n.federationLoop()

	n.udpLoop()
	return nil
}

// Ready is closed once the data sockets are bound.
func (n *Node) Ready() <-chan struct{} { return n.readyCh }

// Addr returns the bound UDP address. Only valid after Ready fires.
func (n *Node) Addr() net.Addr {
	if n.udp == nil {
		return nil
	}
	return n.udp.LocalAddr()
}

// KeepRunning reports whether the daemon should stay up.
func (n *Node) KeepRunning() bool { return n.keepRunning.Load() }

// Stop flips keep_running and tears the loops down.
func (n *Node) Stop() {
	n.keepRunning.Store(false)
	n.closeOnce.Do(func() {
		close(n.done)
		if n.udp != nil {
			n.udp.Close()
		}
		if n.tcpLn != nil {
			n.tcpLn.Close()
		}
	})
}

// udpLoop drains the main socket until shutdown.
func (n *Node) udpLoop() {
	for {
		bufp := pool.GetDatagram()
		buf := *bufp
		cnt, ra, err := n.udp.ReadFrom(buf)
		if err != nil {
			pool.PutDatagram(bufp)
			select {
			case <-n.done:
				return
			default:
			}
			slog.Debug("udp read error", "err", err)
			continue
		}
		src := wire.Sock{Addr: normalizeAddrPort(ra), Proto: wire.TransportUDP}
		n.handleDatagram(buf[:cnt], src, nil)
		pool.PutDatagram(bufp)
	}
}

// normalizeAddrPort unmaps 4-in-6 addresses so socket equality works no
// matter which socket family delivered the datagram.
func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// tickLoop runs the purge sweep.
func (n *Node) tickLoop() {
	interval := n.ttl / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.purgeSweep(time.Now())
			n.naks.Cleanup()
		case <-n.done:
			return
		}
	}
}

// federationLoop re-registers with every federation peer on a fixed cadence.
func (n *Node) federationLoop() {
	ticker := time.NewTicker(n.ttl / 2)
	defer ticker.Stop()

	// First round straight away so anchors hear from us at startup.
	n.reRegisterFederation()
	for {
		select {
		case <-ticker.C:
			n.reRegisterFederation()
		case <-n.done:
			return
		}
	}
}

// send encodes and transmits one message. TCP peers get a framed write
// with a short deadline; everyone else goes out the shared UDP socket.
// Failures drop the packet and count, there is no datapath send queue.
func (n *Node) send(dst wire.Sock, conn net.Conn, m *wire.Message, kr wire.Keyring) {
	data, err := wire.Encode(m, kr)
	if err != nil {
		n.stats.TxErrors.Add(1)
		slog.Debug("encode failed", "type", m.Type.String(), "err", err)
		return
	}

	if dst.Proto == wire.TransportTCP {
		if conn == nil {
			n.stats.TxErrors.Add(1)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := writeFrame(conn, data); err != nil {
			n.stats.TxErrors.Add(1)
			slog.Debug("tcp send failed", "dst", dst.String(), "err", err)
		}
		return
	}

	if _, err := n.udp.WriteTo(data, dst.Addr); err != nil {
		n.stats.TxErrors.Add(1)
		slog.Debug("udp send failed", "dst", dst.String(), "err", err)
	}
}

// sendToPeer routes a message down whichever transport the peer registered
// on.
func (n *Node) sendToPeer(p *peer.Peer, m *wire.Message, kr wire.Keyring) {
	n.send(p.Sock, p.Conn, m, kr)
}

// replyKeyring picks the sealing key for replies into a community: the
// authenticated user's key when there is one, the community key otherwise.
func (n *Node) replyKeyring(name, user string) wire.Keyring {
	if user != "" {
		if key := n.reg.UserKey(name, user); key != nil {
			return wire.FixedKey(wire.Key{Mode: wire.ModeUser, Community: name, User: user, Bytes: key})
		}
	}
	return n.reg
}

// ownSock is the data socket other supernodes should dial back.
func (n *Node) ownSock() wire.Sock {
	if n.udp == nil {
		return wire.Sock{}
	}
	return wire.Sock{Addr: n.udp.LocalAddrPort(), Proto: wire.TransportUDP}
}

// newCookie returns a random 32-bit registration cookie.
func newCookie() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// localCommunityNames lists the non-federation communities for federation
// advertisements.
func (n *Node) localCommunityNames() []string {
	var names []string
	for _, c := range n.reg.Communities() {
		if c.IsFederation {
			continue
		}
		names = append(names, c.Name)
	}
	return names
}

// --- management-facing views ---

// Registry exposes the community registry to the management API.
func (n *Node) Registry() *community.Registry { return n.reg }

// Events exposes the event hub.
func (n *Node) Events() *Hub { return n.hub }

// PacketStats exposes the datapath counters.
func (n *Node) PacketStats() *Stats { return n.stats }

// MAC returns the supernode's own MAC address.
func (n *Node) MAC() wire.MAC { return n.mac }

// PublicKey returns the supernode's public key, the one user-password
// communities derive their header keys against.
func (n *Node) PublicKey() string { return crypto.EncodePublicKey(n.id.PublicKey) }

// VersionString returns the advertised version string.
func (n *Node) VersionString() string { return n.cfg.VersionString }

// Uptime is the time since the node started.
func (n *Node) Uptime() time.Duration { return time.Since(n.stats.StartTime) }

// EdgeView is one row of the get_edges reply.
type EdgeView struct {
	Mode      string `json:"mode"`
	Community string `json:"community"`
	IP4Addr   string `json:"ip4addr"`
	Purgeable bool   `json:"purgeable"`
	MACAddr   string `json:"macaddr"`
	SockAddr  string `json:"sockaddr"`
	Proto     string `json:"proto"`
	Desc      string `json:"desc"`
	LastSeen  int64  `json:"last_seen"`
}

// Edges snapshots every peer across every community.
func (n *Node) Edges() []EdgeView {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []EdgeView
	for _, c := range n.reg.Communities() {
		name := c.Name
		if c.IsFederation {
			name = "-/-"
		}
		for _, p := range c.Edges.Peers() {
			v := EdgeView{
				Mode:      "sn",
				Community: name,
				Purgeable: p.Purgeable,
				SockAddr:  p.Sock.String(),
				Proto:     p.Sock.Proto.String(),
				Desc:      p.Desc,
				LastSeen:  p.LastSeen.Unix(),
			}
			if !p.MAC.IsNull() {
				v.MACAddr = p.MAC.String()
			}
			if p.AutoIP.IsValid() {
				v.IP4Addr = fmt.Sprintf("%s/%d", p.AutoIP, p.AutoBits)
			}
			out = append(out, v)
		}
	}
	return out
}

// SupernodeView is one row of the get_supernodes reply.
type SupernodeView struct {
	Version   string `json:"version"`
	Purgeable bool   `json:"purgeable"`
	MACAddr   string `json:"macaddr"`
	SockAddr  string `json:"sockaddr"`
	Selection uint32 `json:"selection"`
	LastSeen  int64  `json:"last_seen"`
	Uptime    uint32 `json:"uptime"`
}

// Supernodes snapshots the federation peers.
func (n *Node) Supernodes() []SupernodeView {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []SupernodeView
	for _, p := range n.reg.Federation().Edges.Peers() {
		v := SupernodeView{
			Version:   p.Version,
			Purgeable: p.Purgeable,
			SockAddr:  p.Sock.String(),
			Selection: p.Selection,
			LastSeen:  p.LastSeen.Unix(),
			Uptime:    p.UptimeAtReg,
		}
		if v.SockAddr == "" {
			v.SockAddr = p.HostPort
		}
		if !p.MAC.IsNull() {
			v.MACAddr = p.MAC.String()
		}
		out = append(out, v)
	}
	return out
}

// CommunityView is one row of the get_communities reply.
type CommunityView struct {
	Community    string `json:"community"`
	Purgeable    bool   `json:"purgeable"`
	IsFederation bool   `json:"is_federation"`
	Joinable     bool   `json:"joinable"`
	IP4Addr      string `json:"ip4addr"`
}

// Communities snapshots the registry for the management API. The
// federation community's name is masked like every other supernode does.
func (n *Node) Communities() []CommunityView {
	var out []CommunityView
	for _, c := range n.reg.Communities() {
		v := CommunityView{
			Community:    c.Name,
			Purgeable:    c.Purgeable,
			IsFederation: c.IsFederation,
			Joinable:     c.Joinable,
		}
		if c.IsFederation {
			v.Community = "-/-"
		}
		if c.AutoNet.IsValid() {
			v.IP4Addr = c.AutoNet.String()
		}
		out = append(out, v)
	}
	return out
}

// WriteMetrics renders the Prometheus exposition: counters plus
// point-in-time gauges gathered under the lock.
func (n *Node) WriteMetrics(w io.Writer) {
	n.mu.Lock()
	g := metricGauges{Uptime: n.Uptime().Seconds()}
	for _, c := range n.reg.Communities() {
		if c.IsFederation {
			g.Supernodes += c.Edges.Len()
			continue
		}
		g.Communities++
		g.Edges += c.Edges.Len()
	}
	n.mu.Unlock()
	n.stats.WriteMetrics(w, g)
}

// ReloadCommunities re-reads the ACL file.
func (n *Node) ReloadCommunities() error {
	return n.reg.ReloadACL()
}

// edgeLoadLocked approximates our selection criterion: total registered edges.
// Caller holds n.mu.
func (n *Node) edgeLoadLocked() uint32 {
	load := 0
	for _, c := range n.reg.Communities() {
		if !c.IsFederation {
			load += c.Edges.Len()
		}
	}
	return uint32(load)
}
