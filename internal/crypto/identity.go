package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// Identity holds an X25519 keypair for a supernode. The public half is what
// user-password communities derive their header keys against.
type Identity struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateIdentity creates a new random X25519 keypair.
func GenerateIdentity() (*Identity, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// SharedSecret computes the X25519 shared secret between this identity and
// a peer public key.
func (id *Identity) SharedSecret(peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid peer public key size: %d", len(peerPub))
	}
	return curve25519.X25519(id.PrivateKey, peerPub)
}

// EncodePublicKey returns a public key as base64.
func EncodePublicKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodePublicKey decodes a base64 X25519 public key.
func DecodePublicKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid public key size: %d", len(b))
	}
	return b, nil
}

// identityFile is the on-disk format for a persisted identity.
type identityFile struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// SaveIdentity writes the identity keypair to a JSON file.
// Creates parent directories if needed. File is written with mode 0600.
func SaveIdentity(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	f := identityFile{
		PrivateKey: base64.StdEncoding.EncodeToString(id.PrivateKey),
		PublicKey:  EncodePublicKey(id.PublicKey),
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity keypair from a JSON file.
// Returns nil, nil if the file does not exist (first run).
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // first run
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}

	priv, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("invalid private key size: %d", len(priv))
	}
	pub, err := DecodePublicKey(f.PublicKey)
	if err != nil {
		return nil, err
	}

	// The stored public key must match the one derived from the private key.
	derived, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	if !bytesEqual(derived, pub) {
		return nil, fmt.Errorf("identity file corrupted: public key does not match private key")
	}

	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
