package crypto

import (
	"golang.org/x/crypto/sha3"
)

// Domain-separation labels for derived keys.
const (
	labelStaticKey = "gridmesh:hdr:static:v1"
	labelUserKey   = "gridmesh:hdr:user:v1"
)

// SHA3_256 hashes msg with SHA3-256.
func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF derives a 32-byte key from a label and ordered key material parts.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// DeriveStaticKey derives the header key for a static-key community from
// its shared secret and name. Both sides compute the same key, so the
// derivation must stay stable.
func DeriveStaticKey(secret, communityName []byte) []byte {
	return KDF(labelStaticKey, secret, communityName)
}

// DeriveUserKey derives the per-user header key for a user-password
// community: X25519 between the supernode identity and the user's public
// key, bound to the community name.
func DeriveUserKey(id *Identity, userPub, communityName []byte) ([]byte, error) {
	ss, err := id.SharedSecret(userPub)
	if err != nil {
		return nil, err
	}
	return KDF(labelUserKey, ss, communityName), nil
}
