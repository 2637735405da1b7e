package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	key := KDF("test:key", []byte("material"))
	nonce, ct, err := Seal(key, []byte("header and body"), nil)
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	plain, err := Open(key, nonce, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("header and body"), plain)
}

func TestOpenWrongKeyFails(t *testing.T) {
	t.Parallel()

	key := KDF("test:key", []byte("one"))
	nonce, ct, err := Seal(key, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Open(KDF("test:key", []byte("two")), nonce, ct, nil)
	assert.Error(t, err)
}

func TestKDFIsDeterministicAndLabelled(t *testing.T) {
	t.Parallel()

	a := KDF("label", []byte("x"), []byte("y"))
	b := KDF("label", []byte("x"), []byte("y"))
	c := KDF("other", []byte("x"), []byte("y"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, KeySize)
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	t.Parallel()

	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	ab, err := alice.SharedSecret(bob.PublicKey)
	require.NoError(t, err)
	ba, err := bob.SharedSecret(alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	// The derived header key is therefore the same on both ends.
	ka, err := DeriveUserKey(alice, bob.PublicKey, []byte("secure"))
	require.NoError(t, err)
	kb, err := DeriveUserKey(bob, alice.PublicKey, []byte("secure"))
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestIdentityPersistence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "identity.json")

	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, SaveIdentity(path, id))

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, id.PublicKey, loaded.PublicKey)
	assert.Equal(t, id.PrivateKey, loaded.PrivateKey)

	// A missing file is a first run, not an error.
	missing, err := LoadIdentity(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}
