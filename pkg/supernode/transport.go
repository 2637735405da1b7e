package supernode

import (
	"net"
	"net/netip"
)

// PacketSocket is the datagram half of the Transport boundary: the shared
// UDP sink every UDP peer is reached through. Reads and writes are
// non-blocking in the usual Go sense; the runtime parks the goroutine, the
// daemon never spins.
type PacketSocket interface {
	ReadFrom(buf []byte) (int, netip.AddrPort, error)
	WriteTo(data []byte, dst netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	LocalAddrPort() netip.AddrPort
	Close() error
}

// Transport opens the daemon's listening sockets. The core consumes only
// this interface; accepted TCP sessions are plain net.Conn streams, which
// already carry the accept/read/write semantics the aux transport needs.
type Transport interface {
	ListenPacket(addr string) (PacketSocket, error)
	Listen(addr string) (net.Listener, error)
}

// netTransport is the OS-socket transport the daemon runs with.
type netTransport struct{}

var _ Transport = netTransport{}

func (netTransport) ListenPacket(addr string) (PacketSocket, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return udpSocket{conn}, nil
}

func (netTransport) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// udpSocket adapts *net.UDPConn to the PacketSocket surface.
type udpSocket struct {
	*net.UDPConn
}

func (s udpSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	return s.UDPConn.ReadFromUDPAddrPort(buf)
}

func (s udpSocket) WriteTo(data []byte, dst netip.AddrPort) (int, error) {
	return s.UDPConn.WriteToUDPAddrPort(data, dst)
}

func (s udpSocket) LocalAddrPort() netip.AddrPort {
	return normalizeAddrPort(s.UDPConn.LocalAddr().(*net.UDPAddr).AddrPort())
}
