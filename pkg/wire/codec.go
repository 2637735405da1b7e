package wire

import (
	"github.com/gridmesh/gridmesh/internal/crypto"
)

// HeaderMode selects how the common header is protected on the wire.
type HeaderMode uint8

const (
	ModeNone HeaderMode = iota
	ModeStatic
	ModeUser
)

func (m HeaderMode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeUser:
		return "user-password"
	default:
		return "none"
	}
}

// ParseHeaderMode maps the config spelling to a HeaderMode.
func ParseHeaderMode(s string) HeaderMode {
	switch s {
	case "static", "static-key":
		return ModeStatic
	case "user", "user-password":
		return ModeUser
	default:
		return ModeNone
	}
}

// Key is one candidate header key. User is set for ModeUser keys and
// becomes the authenticated identity when that key decrypts.
type Key struct {
	Mode      HeaderMode
	Community string
	User      string
	Bytes     []byte
}

// Keyring resolves header keys. The codec itself stays stateless; all key
// material lives behind this interface.
type Keyring interface {
	// EncodeKey returns the key to seal outbound datagrams for a community,
	// or ok=false for cleartext communities.
	EncodeKey(community string) (Key, bool)
	// DecodeKeys returns the candidate keys in the fixed order the decoder
	// must try them.
	DecodeKeys() []Key
}

// nullKeyring is used where every community is cleartext.
type nullKeyring struct{}

func (nullKeyring) EncodeKey(string) (Key, bool) { return Key{}, false }
func (nullKeyring) DecodeKeys() []Key            { return nil }

// NullKeyring resolves no keys; every datagram is clear.
var NullKeyring Keyring = nullKeyring{}

// fixedKeyring seals every outbound datagram with one key, regardless of
// community. Used for replies that must match the key which authenticated
// the request.
type fixedKeyring struct{ key Key }

func (f fixedKeyring) EncodeKey(string) (Key, bool) { return f.key, true }
func (f fixedKeyring) DecodeKeys() []Key            { return []Key{f.key} }

// FixedKey returns a keyring that always seals with key.
func FixedKey(key Key) Keyring { return fixedKeyring{key: key} }

// CryptoProvider is the boundary to the cryptographic primitives. The
// codec never touches a cipher directly; it seals and opens through this
// interface, so the suite can be swapped without touching wire logic.
type CryptoProvider interface {
	// Seal encrypts plaintext under key with a fresh nonce.
	Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error)
	// Open decrypts and authenticates a sealed region.
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)
	// NonceSize and Overhead describe the provider's wire framing.
	NonceSize() int
	Overhead() int
}

// defaultCrypto is the x/crypto-backed provider the daemon runs with.
var defaultCrypto CryptoProvider = crypto.Provider{}

// encryptedTag marks a sealed datagram. A cleartext header always starts
// with the magic nibble, so the two forms cannot collide.
const encryptedTag = 0x00

// Encode serializes a message with the default crypto provider.
func Encode(m *Message, kr Keyring) ([]byte, error) {
	return EncodeWith(m, kr, defaultCrypto)
}

// EncodeWith serializes a message, sealing the header and body through cp
// when the keyring holds a key for the destination community.
func EncodeWith(m *Message, kr Keyring, cp CryptoProvider) ([]byte, error) {
	plain := m.Header.appendTo(make([]byte, 0, HeaderSize+64))
	plain = m.Body.appendTo(plain)

	key, ok := kr.EncodeKey(m.Community.String())
	if !ok {
		return plain, nil
	}

	nonce, sealed, err := cp.Seal(key.Bytes, plain, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(sealed))
	out = append(out, encryptedTag)
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

// Decode parses a datagram with the default crypto provider. The returned
// identity is the username whose key decrypted a user-password header, or
// "" otherwise.
func Decode(data []byte, kr Keyring) (*Message, string, error) {
	return DecodeWith(data, kr, defaultCrypto)
}

// DecodeWith parses a datagram, opening sealed headers through cp.
func DecodeWith(data []byte, kr Keyring, cp CryptoProvider) (*Message, string, error) {
	if len(data) < 1 {
		return nil, "", ErrTruncated
	}

	if data[0] != encryptedTag {
		m, err := decodePlain(data)
		return m, "", err
	}

	if len(data) < 1+cp.NonceSize()+cp.Overhead() {
		return nil, "", ErrTruncated
	}
	nonce := data[1 : 1+cp.NonceSize()]
	sealed := data[1+cp.NonceSize():]

	for _, key := range kr.DecodeKeys() {
		plain, err := cp.Open(key.Bytes, nonce, sealed, nil)
		if err != nil {
			continue
		}
		m, err := decodePlain(plain)
		if err != nil {
			// The key authenticated the bytes, so a parse failure here is
			// a peer speaking a different dialect, not a wrong key.
			return nil, "", err
		}
		if m.Community.String() != key.Community {
			continue
		}
		m.Sealed = true
		if key.Mode == ModeUser {
			return m, key.User, nil
		}
		return m, "", nil
	}
	return nil, "", ErrAuthFailed
}

func decodePlain(data []byte) (*Message, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	body, err := parseBody(h.Type, data[HeaderSize:])
	if err != nil {
		return nil, err
	}
	return &Message{Header: h, Body: body}, nil
}
