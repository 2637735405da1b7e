package wire

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Protocol version
const Version uint8 = 1

// Magic nibble carried in the upper half of byte 0.
const Magic uint8 = 0xA

// Sentinel errors shared across packages.
var (
	ErrTruncated        = errors.New("datagram truncated")
	ErrBadMagic         = errors.New("unknown magic or version")
	ErrAuthFailed       = errors.New("header authentication failed")
	ErrUnknownCommunity = errors.New("unknown community")
	ErrBadName          = errors.New("invalid community name")
)

// MsgType tags the body following the common header.
type MsgType uint8

const (
	TypeRegister         MsgType = 0x01
	TypeRegisterAck      MsgType = 0x02
	TypeRegisterNak      MsgType = 0x03
	TypeRegisterSuper    MsgType = 0x04
	TypeRegisterSuperAck MsgType = 0x05
	TypeRegisterSuperNak MsgType = 0x06
	TypeUnregisterSuper  MsgType = 0x07
	TypePacket           MsgType = 0x08
	TypeQueryPeer        MsgType = 0x09
	TypePeerInfo         MsgType = 0x0A
	TypeFederationInfo   MsgType = 0x0B
)

func (t MsgType) String() string {
	switch t {
	case TypeRegister:
		return "REGISTER"
	case TypeRegisterAck:
		return "REGISTER_ACK"
	case TypeRegisterNak:
		return "REGISTER_NAK"
	case TypeRegisterSuper:
		return "REGISTER_SUPER"
	case TypeRegisterSuperAck:
		return "REGISTER_SUPER_ACK"
	case TypeRegisterSuperNak:
		return "REGISTER_SUPER_NAK"
	case TypeUnregisterSuper:
		return "UNREGISTER_SUPER"
	case TypePacket:
		return "PACKET"
	case TypeQueryPeer:
		return "QUERY_PEER"
	case TypePeerInfo:
		return "PEER_INFO"
	case TypeFederationInfo:
		return "FEDERATION_INFO"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Flags (byte 3 of the common header)
const (
	// FlagFromSupernode marks traffic relayed supernode-to-supernode so the
	// receiver does not broadcast it back into the federation.
	FlagFromSupernode uint8 = 0x01
)

// NakReason explains a REGISTER_NAK / REGISTER_SUPER_NAK.
type NakReason uint8

const (
	NakUnspecified NakReason = 0
	NakAuth        NakReason = 1
	NakCommunity   NakReason = 2
	NakMacInUse    NakReason = 3
)

func (r NakReason) String() string {
	switch r {
	case NakAuth:
		return "AUTH"
	case NakCommunity:
		return "COMMUNITY"
	case NakMacInUse:
		return "MAC_IN_USE"
	default:
		return "UNSPECIFIED"
	}
}

// MACSize is the length of an Ethernet hardware address.
const MACSize = 6

// MAC is a 48-bit Ethernet address.
type MAC [MACSize]byte

var (
	NullMAC      = MAC{}
	BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

func (m MAC) IsNull() bool      { return m == NullMAC }
func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }

// IsMulticast reports whether the group bit is set. Broadcast counts.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses the usual colon-separated hex form.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	parts := strings.Split(s, ":")
	if len(parts) != MACSize {
		return m, fmt.Errorf("invalid MAC %q", s)
	}
	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return m, fmt.Errorf("invalid MAC %q: %w", s, err)
		}
		m[i] = byte(b)
	}
	return m, nil
}

// Transport tags which send path reaches a peer.
type Transport uint8

const (
	TransportUDP Transport = 0
	TransportTCP Transport = 1
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Sock is a peer's observed socket: address, port and transport. It is
// comparable so it can key the peer table's secondary index.
type Sock struct {
	Addr  netip.AddrPort
	Proto Transport
}

func (s Sock) IsValid() bool { return s.Addr.IsValid() }

func (s Sock) String() string {
	if !s.Addr.IsValid() {
		return ""
	}
	if s.Proto == TransportTCP {
		return s.Addr.String() + "/tcp"
	}
	return s.Addr.String()
}

// CommunitySize is the fixed on-wire size of a community name. A name of
// exactly CommunitySize bytes is legal; there is no terminator slack.
const CommunitySize = 16

// Community is a fixed-size, NUL-padded community name.
type Community [CommunitySize]byte

// NewCommunity validates and pads a community name.
func NewCommunity(name string) (Community, error) {
	var c Community
	if len(name) == 0 || len(name) > CommunitySize {
		return c, fmt.Errorf("%w: %d bytes", ErrBadName, len(name))
	}
	if strings.IndexByte(name, 0) >= 0 {
		return c, ErrBadName
	}
	copy(c[:], name)
	return c, nil
}

func (c Community) String() string {
	i := 0
	for i < CommunitySize && c[i] != 0 {
		i++
	}
	return string(c[:i])
}

// IsFederation reports whether the name carries the reserved federation
// marker prefix.
func (c Community) IsFederation() bool { return c[0] == '*' }
