package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/internal/crypto"
)

func mustCommunity(t *testing.T, name string) Community {
	t.Helper()
	c, err := NewCommunity(name)
	require.NoError(t, err)
	return c
}

func sockV4(ip string, port uint16) Sock {
	return Sock{Addr: netip.AddrPortFrom(netip.MustParseAddr(ip), port)}
}

func TestRoundTripClear(t *testing.T) {
	t.Parallel()

	mac1 := MAC{0x02, 0, 0, 0, 0, 1}
	mac2 := MAC{0x02, 0, 0, 0, 0, 2}

	cases := []struct {
		name string
		body Body
	}{
		{"register", &Register{Cookie: 7, SrcMAC: mac1, Desc: "laptop"}},
		{"register_ack", &RegisterAck{
			Cookie: 7, SrcMAC: mac1,
			AutoIP: netip.MustParseAddr("10.128.255.9"), AutoBits: 24,
			Sock: sockV4("192.0.2.10", 30000), Lifetime: 60,
		}},
		{"register_nak", &RegisterNak{Cookie: 7, SrcMAC: mac1, Reason: NakMacInUse}},
		{"register_super", &RegisterSuper{
			Cookie: 9, SrcMAC: mac1, Sock: sockV4("198.51.100.1", 7654),
			Selection: 3, Communities: []string{"alpha", "beta"},
		}},
		{"register_super_ack", &RegisterSuperAck{
			Cookie: 9, SrcMAC: mac2, Sock: sockV4("198.51.100.2", 7654),
			Lifetime: 180, Selection: 5, Uptime: 1234,
			Version: "gridmesh-sn/1.2.0", Communities: []string{"alpha"},
		}},
		{"register_super_nak", &RegisterSuperNak{Cookie: 9, SrcMAC: mac2, Reason: NakCommunity}},
		{"unregister", &UnregisterSuper{SrcMAC: mac1}},
		{"packet", &Packet{SrcMAC: mac1, DstMAC: mac2, Payload: []byte("opaque frame")}},
		{"query_peer", &QueryPeer{SrcMAC: mac1, TargetMAC: mac2}},
		{"peer_info", &PeerInfo{
			RequesterMAC: mac1, TargetMAC: mac2,
			Sock: sockV4("203.0.113.5", 40000), Selection: 2,
		}},
		{"federation_info", &FederationInfo{
			Supernodes: []Sock{sockV4("198.51.100.1", 7654), sockV4("198.51.100.2", 7654)},
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg := &Message{
				Header: Header{Type: tc.body.Kind(), TTL: 2, Community: mustCommunity(t, "alpha")},
				Body:   tc.body,
			}
			data, err := Encode(msg, NullKeyring)
			require.NoError(t, err)

			got, user, err := Decode(data, NullKeyring)
			require.NoError(t, err)
			assert.Empty(t, user)
			assert.Equal(t, msg.Header, got.Header)
			assert.Equal(t, tc.body, got.Body)
		})
	}
}

func TestRoundTripStaticKey(t *testing.T) {
	t.Parallel()

	key := crypto.DeriveStaticKey([]byte("alpha"), []byte("alpha"))
	kr := FixedKey(Key{Mode: ModeStatic, Community: "alpha", Bytes: key})

	msg := &Message{
		Header: Header{Type: TypePacket, TTL: 1, Community: mustCommunity(t, "alpha")},
		Body:   &Packet{SrcMAC: MAC{2, 0, 0, 0, 0, 1}, DstMAC: BroadcastMAC, Payload: []byte("x")},
	}
	data, err := Encode(msg, kr)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), data[0], "sealed datagrams carry the encrypted tag")

	got, _, err := Decode(data, kr)
	require.NoError(t, err)
	assert.Equal(t, msg.Body, got.Body)

	// A keyring without the right key must fail authentication.
	other := FixedKey(Key{Mode: ModeStatic, Community: "alpha", Bytes: crypto.DeriveStaticKey([]byte("beta"), []byte("beta"))})
	_, _, err = Decode(data, other)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecodeIdentifiesUser(t *testing.T) {
	t.Parallel()

	key := crypto.KDF("test:user", []byte("material"))
	kr := FixedKey(Key{Mode: ModeUser, Community: "secure", User: "mallory", Bytes: key})

	msg := &Message{
		Header: Header{Type: TypeRegister, Community: mustCommunity(t, "secure")},
		Body:   &Register{Cookie: 1, SrcMAC: MAC{2, 0, 0, 0, 0, 9}},
	}
	data, err := Encode(msg, kr)
	require.NoError(t, err)

	_, user, err := Decode(data, kr)
	require.NoError(t, err)
	assert.Equal(t, "mallory", user, "identity is implied by which key decrypts")
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, _, err := Decode(nil, NullKeyring)
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode([]byte{0xFF, 1, 2, 3}, NullKeyring)
	assert.ErrorIs(t, err, ErrTruncated)

	bad := make([]byte, HeaderSize+8)
	bad[0] = 0x55 // wrong magic nibble
	_, _, err = Decode(bad, NullKeyring)
	assert.ErrorIs(t, err, ErrBadMagic)

	// Sealed-looking datagram with no matching key.
	sealed := make([]byte, 1+crypto.NonceSize+crypto.Overhead+4)
	_, _, err = Decode(sealed, NullKeyring)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

// xorProvider is a toy CryptoProvider proving the codec is independent of
// the cipher suite behind the interface.
type xorProvider struct{}

func (xorProvider) Seal(key, plaintext, _ []byte) ([]byte, []byte, error) {
	ct := make([]byte, len(plaintext)+4)
	for i, b := range plaintext {
		ct[i] = b ^ key[i%len(key)]
	}
	copy(ct[len(plaintext):], key[:4]) // stand-in auth tag
	return []byte{0xAB, 0xCD}, ct, nil
}

func (xorProvider) Open(key, _, ciphertext, _ []byte) ([]byte, error) {
	if len(ciphertext) < 4 || string(ciphertext[len(ciphertext)-4:]) != string(key[:4]) {
		return nil, assert.AnError
	}
	plain := make([]byte, len(ciphertext)-4)
	for i := range plain {
		plain[i] = ciphertext[i] ^ key[i%len(key)]
	}
	return plain, nil
}

func (xorProvider) NonceSize() int { return 2 }
func (xorProvider) Overhead() int  { return 4 }

func TestCodecUsesInjectedCryptoProvider(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef0123456789abcdef")
	kr := FixedKey(Key{Mode: ModeStatic, Community: "alpha", Bytes: key})
	cp := xorProvider{}

	msg := &Message{
		Header: wireHeader(t, TypeRegister, "alpha"),
		Body:   &Register{Cookie: 3, SrcMAC: MAC{2, 0, 0, 0, 0, 4}},
	}
	data, err := EncodeWith(msg, kr, cp)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), data[0])

	got, _, err := DecodeWith(data, kr, cp)
	require.NoError(t, err)
	assert.Equal(t, msg.Body, got.Body)
	assert.True(t, got.Sealed)

	wrong := FixedKey(Key{Mode: ModeStatic, Community: "alpha", Bytes: []byte("ffffffffffffffffffffffffffffffff")})
	_, _, err = DecodeWith(data, wrong, cp)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func wireHeader(t *testing.T, typ MsgType, name string) Header {
	t.Helper()
	return Header{Type: typ, Community: mustCommunity(t, name)}
}

func TestCommunityNameBounds(t *testing.T) {
	t.Parallel()

	max := "abcdefghijklmnop" // exactly CommunitySize bytes
	require.Len(t, max, CommunitySize)
	c, err := NewCommunity(max)
	require.NoError(t, err)
	assert.Equal(t, max, c.String())

	_, err = NewCommunity(max + "q")
	assert.ErrorIs(t, err, ErrBadName)

	_, err = NewCommunity("")
	assert.Error(t, err)
}

func TestMACHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, BroadcastMAC.IsBroadcast())
	assert.True(t, BroadcastMAC.IsMulticast())
	assert.True(t, NullMAC.IsNull())

	mcast := MAC{0x01, 0x00, 0x5E, 0, 0, 1}
	assert.True(t, mcast.IsMulticast())
	assert.False(t, mcast.IsBroadcast())

	m, err := ParseMAC("02:00:00:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:01", m.String())

	_, err = ParseMAC("nonsense")
	assert.Error(t, err)
}

func TestFederationNameMarker(t *testing.T) {
	t.Parallel()

	fed := mustCommunity(t, "*Federation")
	assert.True(t, fed.IsFederation())
	assert.False(t, mustCommunity(t, "alpha").IsFederation())
}
