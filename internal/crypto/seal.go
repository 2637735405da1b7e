package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// XChaCha20-Poly1305 sizes.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	Overhead  = chacha20poly1305.Overhead
)

// Seal encrypts plaintext with a fresh random 24-byte nonce.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Provider plugs the XChaCha20-Poly1305 suite into codec-side crypto
// interfaces.
type Provider struct{}

func (Provider) Seal(key, plaintext, aad []byte) ([]byte, []byte, error) {
	return Seal(key, plaintext, aad)
}

func (Provider) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	return Open(key, nonce, ciphertext, aad)
}

func (Provider) NonceSize() int { return NonceSize }
func (Provider) Overhead() int  { return Overhead }

// Open decrypts a sealed header region.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
