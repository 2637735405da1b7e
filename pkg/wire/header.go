package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Common header wire layout (20 bytes):
//
//	Byte  0:     [Magic:4][Version:4]
//	Byte  1:     Message type
//	Byte  2:     TTL
//	Byte  3:     Flags
//	Byte  4-19:  Community name (NUL-padded)
const HeaderSize = 20

// Header is the common prefix of every overlay datagram.
type Header struct {
	Type      MsgType
	TTL       uint8
	Flags     uint8
	Community Community
}

func (h *Header) HasFlag(f uint8) bool { return h.Flags&f != 0 }
func (h *Header) SetFlag(f uint8)      { h.Flags |= f }

func (h *Header) appendTo(buf []byte) []byte {
	buf = append(buf, Magic<<4|Version&0x0F)
	buf = append(buf, byte(h.Type), h.TTL, h.Flags)
	return append(buf, h.Community[:]...)
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrTruncated
	}
	if data[0]>>4 != Magic || data[0]&0x0F != Version {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Type:  MsgType(data[1]),
		TTL:   data[2],
		Flags: data[3],
	}
	copy(h.Community[:], data[4:HeaderSize])
	return h, nil
}

// Body is a message-type-specific payload.
type Body interface {
	Kind() MsgType
	appendTo(buf []byte) []byte
}

// Message is a decoded overlay datagram.
type Message struct {
	Header
	Body Body

	// Sealed reports that the datagram arrived header-encrypted and a key
	// authenticated it. Communities with a header mode other than none must
	// refuse clear datagrams, which parse fine but prove nothing.
	Sealed bool
}

// Register is an edge joining a community.
type Register struct {
	Cookie uint32
	SrcMAC MAC
	Desc   string // free-form device description, truncated at 255 bytes on the wire
}

func (*Register) Kind() MsgType { return TypeRegister }

func (b *Register) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, b.Cookie)
	buf = append(buf, b.SrcMAC[:]...)
	return appendShortString(buf, b.Desc)
}

func parseRegister(data []byte) (*Register, error) {
	if len(data) < 4+MACSize+1 {
		return nil, ErrTruncated
	}
	b := &Register{Cookie: binary.BigEndian.Uint32(data)}
	copy(b.SrcMAC[:], data[4:])
	desc, _, err := parseShortString(data[4+MACSize:])
	if err != nil {
		return nil, err
	}
	b.Desc = desc
	return b, nil
}

// RegisterAck confirms a registration. Sock is the edge's public socket as
// observed by the supernode, which is all the NAT traversal help this
// server offers.
type RegisterAck struct {
	Cookie   uint32
	SrcMAC   MAC
	AutoIP   netip.Addr // assigned address inside the community subnet
	AutoBits uint8      // subnet prefix length
	Sock     Sock
	Lifetime uint16 // registration TTL in seconds
}

func (*RegisterAck) Kind() MsgType { return TypeRegisterAck }

func (b *RegisterAck) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, b.Cookie)
	buf = append(buf, b.SrcMAC[:]...)
	var ip [4]byte
	if b.AutoIP.Is4() {
		ip = b.AutoIP.As4()
	}
	buf = append(buf, ip[:]...)
	buf = append(buf, b.AutoBits)
	buf = appendSock(buf, b.Sock)
	return binary.BigEndian.AppendUint16(buf, b.Lifetime)
}

func parseRegisterAck(data []byte) (*RegisterAck, error) {
	if len(data) < 4+MACSize+5 {
		return nil, ErrTruncated
	}
	b := &RegisterAck{Cookie: binary.BigEndian.Uint32(data)}
	copy(b.SrcMAC[:], data[4:])
	off := 4 + MACSize
	if ip := [4]byte(data[off : off+4]); ip != ([4]byte{}) {
		b.AutoIP = netip.AddrFrom4(ip)
	}
	b.AutoBits = data[off+4]
	sock, rest, err := parseSock(data[off+5:])
	if err != nil {
		return nil, err
	}
	b.Sock = sock
	if len(rest) < 2 {
		return nil, ErrTruncated
	}
	b.Lifetime = binary.BigEndian.Uint16(rest)
	return b, nil
}

// RegisterNak refuses a registration.
type RegisterNak struct {
	Cookie uint32
	SrcMAC MAC
	Reason NakReason
}

func (*RegisterNak) Kind() MsgType { return TypeRegisterNak }

func (b *RegisterNak) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, b.Cookie)
	buf = append(buf, b.SrcMAC[:]...)
	return append(buf, byte(b.Reason))
}

func parseRegisterNak(data []byte) (*RegisterNak, error) {
	if len(data) < 4+MACSize+1 {
		return nil, ErrTruncated
	}
	b := &RegisterNak{Cookie: binary.BigEndian.Uint32(data)}
	copy(b.SrcMAC[:], data[4:])
	b.Reason = NakReason(data[4+MACSize])
	return b, nil
}

// RegisterSuper is a supernode peering with another supernode inside the
// federation community. Communities is the sender's local community list so
// the receiver can merge unknown ones.
type RegisterSuper struct {
	Cookie      uint32
	SrcMAC      MAC
	Sock        Sock // sender's advertised data socket
	Selection   uint32
	Communities []string
}

func (*RegisterSuper) Kind() MsgType { return TypeRegisterSuper }

func (b *RegisterSuper) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, b.Cookie)
	buf = append(buf, b.SrcMAC[:]...)
	buf = appendSock(buf, b.Sock)
	buf = binary.BigEndian.AppendUint32(buf, b.Selection)
	return appendStringList(buf, b.Communities)
}

func parseRegisterSuper(data []byte) (*RegisterSuper, error) {
	if len(data) < 4+MACSize {
		return nil, ErrTruncated
	}
	b := &RegisterSuper{Cookie: binary.BigEndian.Uint32(data)}
	copy(b.SrcMAC[:], data[4:])
	sock, rest, err := parseSock(data[4+MACSize:])
	if err != nil {
		return nil, err
	}
	b.Sock = sock
	if len(rest) < 4 {
		return nil, ErrTruncated
	}
	b.Selection = binary.BigEndian.Uint32(rest)
	b.Communities, _, err = parseStringList(rest[4:])
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RegisterSuperAck answers federation peering. It carries the answering
// supernode's view so the requester can merge communities and update the
// peer's selection criterion.
type RegisterSuperAck struct {
	Cookie      uint32
	SrcMAC      MAC
	Sock        Sock // requester's socket as observed by the responder
	Lifetime    uint16
	Selection   uint32
	Uptime      uint32
	Version     string // ≤19 bytes
	Communities []string
}

func (*RegisterSuperAck) Kind() MsgType { return TypeRegisterSuperAck }

func (b *RegisterSuperAck) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, b.Cookie)
	buf = append(buf, b.SrcMAC[:]...)
	buf = appendSock(buf, b.Sock)
	buf = binary.BigEndian.AppendUint16(buf, b.Lifetime)
	buf = binary.BigEndian.AppendUint32(buf, b.Selection)
	buf = binary.BigEndian.AppendUint32(buf, b.Uptime)
	buf = appendShortString(buf, b.Version)
	return appendStringList(buf, b.Communities)
}

func parseRegisterSuperAck(data []byte) (*RegisterSuperAck, error) {
	if len(data) < 4+MACSize {
		return nil, ErrTruncated
	}
	b := &RegisterSuperAck{Cookie: binary.BigEndian.Uint32(data)}
	copy(b.SrcMAC[:], data[4:])
	sock, rest, err := parseSock(data[4+MACSize:])
	if err != nil {
		return nil, err
	}
	b.Sock = sock
	if len(rest) < 10 {
		return nil, ErrTruncated
	}
	b.Lifetime = binary.BigEndian.Uint16(rest)
	b.Selection = binary.BigEndian.Uint32(rest[2:])
	b.Uptime = binary.BigEndian.Uint32(rest[6:])
	ver, rest, err := parseShortString(rest[10:])
	if err != nil {
		return nil, err
	}
	b.Version = ver
	b.Communities, _, err = parseStringList(rest)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RegisterSuperNak refuses federation peering.
type RegisterSuperNak struct {
	Cookie uint32
	SrcMAC MAC
	Reason NakReason
}

func (*RegisterSuperNak) Kind() MsgType { return TypeRegisterSuperNak }

func (b *RegisterSuperNak) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, b.Cookie)
	buf = append(buf, b.SrcMAC[:]...)
	return append(buf, byte(b.Reason))
}

func parseRegisterSuperNak(data []byte) (*RegisterSuperNak, error) {
	if len(data) < 4+MACSize+1 {
		return nil, ErrTruncated
	}
	b := &RegisterSuperNak{Cookie: binary.BigEndian.Uint32(data)}
	copy(b.SrcMAC[:], data[4:])
	b.Reason = NakReason(data[4+MACSize])
	return b, nil
}

// UnregisterSuper is an explicit goodbye from an edge or a supernode.
type UnregisterSuper struct {
	SrcMAC MAC
}

func (*UnregisterSuper) Kind() MsgType { return TypeUnregisterSuper }

func (b *UnregisterSuper) appendTo(buf []byte) []byte {
	return append(buf, b.SrcMAC[:]...)
}

func parseUnregisterSuper(data []byte) (*UnregisterSuper, error) {
	if len(data) < MACSize {
		return nil, ErrTruncated
	}
	b := &UnregisterSuper{}
	copy(b.SrcMAC[:], data)
	return b, nil
}

// Packet is relayed user traffic. The payload past the two MACs is opaque
// to the supernode.
type Packet struct {
	SrcMAC  MAC
	DstMAC  MAC
	Payload []byte
}

func (*Packet) Kind() MsgType { return TypePacket }

func (b *Packet) appendTo(buf []byte) []byte {
	buf = append(buf, b.SrcMAC[:]...)
	buf = append(buf, b.DstMAC[:]...)
	return append(buf, b.Payload...)
}

func parsePacket(data []byte) (*Packet, error) {
	if len(data) < 2*MACSize {
		return nil, ErrTruncated
	}
	b := &Packet{}
	copy(b.SrcMAC[:], data)
	copy(b.DstMAC[:], data[MACSize:])
	if rest := data[2*MACSize:]; len(rest) > 0 {
		b.Payload = make([]byte, len(rest))
		copy(b.Payload, rest)
	}
	return b, nil
}

// QueryPeer asks the supernode for another edge's socket. A null TargetMAC
// is a ping; the answer is a FederationInfo listing known supernodes.
type QueryPeer struct {
	SrcMAC    MAC
	TargetMAC MAC
}

func (*QueryPeer) Kind() MsgType { return TypeQueryPeer }

func (b *QueryPeer) appendTo(buf []byte) []byte {
	buf = append(buf, b.SrcMAC[:]...)
	return append(buf, b.TargetMAC[:]...)
}

func parseQueryPeer(data []byte) (*QueryPeer, error) {
	if len(data) < 2*MACSize {
		return nil, ErrTruncated
	}
	b := &QueryPeer{}
	copy(b.SrcMAC[:], data)
	copy(b.TargetMAC[:], data[MACSize:])
	return b, nil
}

// PeerInfo answers a QueryPeer. RequesterMAC lets a relaying supernode
// route the answer back to whoever asked.
type PeerInfo struct {
	RequesterMAC MAC
	TargetMAC    MAC
	Sock         Sock
	Selection    uint32
}

func (*PeerInfo) Kind() MsgType { return TypePeerInfo }

func (b *PeerInfo) appendTo(buf []byte) []byte {
	buf = append(buf, b.RequesterMAC[:]...)
	buf = append(buf, b.TargetMAC[:]...)
	buf = appendSock(buf, b.Sock)
	return binary.BigEndian.AppendUint32(buf, b.Selection)
}

func parsePeerInfo(data []byte) (*PeerInfo, error) {
	if len(data) < 2*MACSize {
		return nil, ErrTruncated
	}
	b := &PeerInfo{}
	copy(b.RequesterMAC[:], data)
	copy(b.TargetMAC[:], data[MACSize:])
	sock, rest, err := parseSock(data[2*MACSize:])
	if err != nil {
		return nil, err
	}
	b.Sock = sock
	if len(rest) < 4 {
		return nil, ErrTruncated
	}
	b.Selection = binary.BigEndian.Uint32(rest)
	return b, nil
}

// FederationInfo lists federated supernode sockets for edge failover.
type FederationInfo struct {
	Supernodes []Sock
}

func (*FederationInfo) Kind() MsgType { return TypeFederationInfo }

func (b *FederationInfo) appendTo(buf []byte) []byte {
	buf = append(buf, byte(len(b.Supernodes)))
	for _, s := range b.Supernodes {
		buf = appendSock(buf, s)
	}
	return buf
}

func parseFederationInfo(data []byte) (*FederationInfo, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}
	n := int(data[0])
	b := &FederationInfo{}
	rest := data[1:]
	for i := 0; i < n; i++ {
		var (
			s   Sock
			err error
		)
		s, rest, err = parseSock(rest)
		if err != nil {
			return nil, err
		}
		b.Supernodes = append(b.Supernodes, s)
	}
	return b, nil
}

func parseBody(t MsgType, data []byte) (Body, error) {
	switch t {
	case TypeRegister:
		return parseRegister(data)
	case TypeRegisterAck:
		return parseRegisterAck(data)
	case TypeRegisterNak:
		return parseRegisterNak(data)
	case TypeRegisterSuper:
		return parseRegisterSuper(data)
	case TypeRegisterSuperAck:
		return parseRegisterSuperAck(data)
	case TypeRegisterSuperNak:
		return parseRegisterSuperNak(data)
	case TypeUnregisterSuper:
		return parseUnregisterSuper(data)
	case TypePacket:
		return parsePacket(data)
	case TypeQueryPeer:
		return parseQueryPeer(data)
	case TypePeerInfo:
		return parsePeerInfo(data)
	case TypeFederationInfo:
		return parseFederationInfo(data)
	default:
		return nil, fmt.Errorf("%w: type 0x%02X", ErrBadMagic, uint8(t))
	}
}

// --- field helpers ---

// Socket wire layout: [proto:1][port:2][iplen:1][IP:4 or 16]
func appendSock(buf []byte, s Sock) []byte {
	buf = append(buf, byte(s.Proto))
	buf = binary.BigEndian.AppendUint16(buf, s.Addr.Port())
	if !s.Addr.IsValid() {
		return append(buf, 0)
	}
	if s.Addr.Addr().Is4() {
		ip := s.Addr.Addr().As4()
		buf = append(buf, 4)
		return append(buf, ip[:]...)
	}
	ip := s.Addr.Addr().As16()
	buf = append(buf, 16)
	return append(buf, ip[:]...)
}

func parseSock(data []byte) (Sock, []byte, error) {
	if len(data) < 4 {
		return Sock{}, nil, ErrTruncated
	}
	proto := Transport(data[0])
	port := binary.BigEndian.Uint16(data[1:3])
	ipLen := int(data[3])
	rest := data[4:]

	var addr netip.Addr
	switch ipLen {
	case 0:
		return Sock{Proto: proto}, rest, nil
	case 4:
		if len(rest) < 4 {
			return Sock{}, nil, ErrTruncated
		}
		addr = netip.AddrFrom4([4]byte(rest[:4]))
		rest = rest[4:]
	case 16:
		if len(rest) < 16 {
			return Sock{}, nil, ErrTruncated
		}
		addr = netip.AddrFrom16([16]byte(rest[:16]))
		rest = rest[16:]
	default:
		return Sock{}, nil, fmt.Errorf("%w: ip length %d", ErrBadMagic, ipLen)
	}
	return Sock{Addr: netip.AddrPortFrom(addr, port), Proto: proto}, rest, nil
}

// Short string wire layout: [len:1][bytes], capped at 255.
func appendShortString(buf []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func parseShortString(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, ErrTruncated
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, ErrTruncated
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

func appendStringList(buf []byte, list []string) []byte {
	if len(list) > 255 {
		list = list[:255]
	}
	buf = append(buf, byte(len(list)))
	for _, s := range list {
		buf = appendShortString(buf, s)
	}
	return buf
}

func parseStringList(data []byte) ([]string, []byte, error) {
	if len(data) < 1 {
		return nil, nil, ErrTruncated
	}
	n := int(data[0])
	rest := data[1:]
	var out []string
	for i := 0; i < n; i++ {
		var (
			s   string
			err error
		)
		s, rest, err = parseShortString(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}
	return out, rest, nil
}
