package supernode

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/gridmesh/gridmesh/internal/pool"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

// The aux TCP transport carries the same overlay datagrams as UDP, each
// wrapped in a 2-byte big-endian length prefix.

// writeFrame emits one length-prefixed datagram.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > 0xFFFF {
		return errors.New("frame too large")
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one length-prefixed datagram into buf and returns the
// datagram slice.
func readFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size == 0 {
		return nil, errors.New("zero-length frame")
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// acceptLoop admits aux TCP data connections.
func (n *Node) acceptLoop() {
	for {
		conn, err := n.tcpLn.Accept()
		if err != nil {
			select {
			case <-n.done:
				return
			default:
			}
			slog.Debug("tcp accept error", "err", err)
			continue
		}
		go n.serveConn(conn)
	}
}

// serveConn pumps frames from one accepted TCP session into the dispatch
// engine. The session's source socket identifies the peer for replies.
func (n *Node) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		n.dropConn(conn)
	}()

	ra, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	src := wire.Sock{
		Addr:  netip.AddrPortFrom(ra.AddrPort().Addr().Unmap(), ra.AddrPort().Port()),
		Proto: wire.TransportTCP,
	}
	slog.Debug("tcp session opened", "src", src.String())

	bufp := pool.GetFrame()
	defer pool.PutFrame(bufp)

	for {
		// An idle data session past three TTLs is dead weight; the read
		// deadline reaps it.
		conn.SetReadDeadline(time.Now().Add(n.fedTTL))
		frame, err := readFrame(conn, *bufp)
		if err != nil {
			if err != io.EOF {
				slog.Debug("tcp session closed", "src", src.String(), "err", err)
			}
			return
		}
		n.handleDatagram(frame, src, conn)
	}
}
