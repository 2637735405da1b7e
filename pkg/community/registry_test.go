package community

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/internal/crypto"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestRegistry(t *testing.T, aclPath string) *Registry {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	r, err := NewRegistry(Config{
		Pool:           DefaultPool(),
		DefaultMode:    wire.ModeNone,
		FederationName: "Federation",
		CommunityFile:  aclPath,
		Identity:       id,
	})
	require.NoError(t, err)
	return r
}

func TestFederationAlwaysPresent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, "")
	fed := r.Federation()
	require.NotNil(t, fed)
	assert.True(t, fed.IsFederation)
	assert.Equal(t, "*Federation", fed.Name)
	assert.Same(t, fed, r.Find("*Federation"))
}

func TestOpenModeCreatesOnDemand(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, "")
	c, err := r.FindOrCreate("alpha", false)
	require.NoError(t, err)
	assert.Equal(t, "alpha", c.Name)
	assert.True(t, c.AutoNet.IsValid())

	again, err := r.FindOrCreate("alpha", false)
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestFederationNamesReserved(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, "")
	_, err := r.FindOrCreate("*sneaky", false)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestACLRestrictsCreation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	acl := writeFile(t, dir, "communities", "# test communities\nalpha\nbeta *\n")
	r := newTestRegistry(t, acl)

	c, err := r.FindOrCreate("alpha", false)
	require.NoError(t, err)
	assert.True(t, c.Joinable)

	_, err = r.FindOrCreate("gamma", false)
	assert.ErrorIs(t, err, ErrDenied)

	open := r.Find("beta")
	require.NotNil(t, open, "ACL-listed communities are pre-created")
	assert.Equal(t, wire.ModeNone, open.Mode)
}

func TestACLUserPasswordCommunity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	user, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	writeFile(t, dir, "secure.keys", "# users\nmallory "+crypto.EncodePublicKey(user.PublicKey)+"\n")
	acl := writeFile(t, dir, "communities", "secure secure.keys\n")

	r := newTestRegistry(t, acl)
	c := r.Find("secure")
	require.NotNil(t, c)
	assert.Equal(t, wire.ModeUser, c.Mode)
	require.Contains(t, c.Users, "mallory")

	key := r.UserKey("secure", "mallory")
	require.NotNil(t, key)
	assert.Equal(t, key, r.UserKey("secure", "mallory"), "derived keys are cached")
	assert.Nil(t, r.UserKey("secure", "nobody"))

	// The decode keyring must offer the user key.
	found := false
	for _, k := range r.DecodeKeys() {
		if k.Mode == wire.ModeUser && k.User == "mallory" && k.Community == "secure" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReloadRemovedCommunityTurnsReadOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	acl := writeFile(t, dir, "communities", "alpha\nbeta\n")
	r := newTestRegistry(t, acl)

	alpha, err := r.FindOrCreate("alpha", false)
	require.NoError(t, err)
	subnet := alpha.AutoNet

	writeFile(t, dir, "communities", "beta\n")
	require.NoError(t, r.ReloadACL())

	// Existing edges keep being served, new registrations are refused.
	assert.Same(t, alpha, r.Find("alpha"))
	assert.False(t, r.Find("alpha").Joinable)
	_, err = r.FindOrCreate("alpha", false)
	assert.ErrorIs(t, err, ErrDenied)

	// Its subnet stays claimed, so assignments remain deterministic.
	assert.Equal(t, subnet, r.Find("alpha").AutoNet)
}

func TestReloadRemovedUserCommunityRefusesStaleCredentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	user, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	writeFile(t, dir, "secure.keys", "mallory "+crypto.EncodePublicKey(user.PublicKey)+"\n")
	acl := writeFile(t, dir, "communities", "secure secure.keys\nother\n")
	r := newTestRegistry(t, acl)

	c, err := r.FindOrCreate("secure", true)
	require.NoError(t, err)
	require.Equal(t, wire.ModeUser, c.Mode)

	writeFile(t, dir, "communities", "other\n")
	require.NoError(t, r.ReloadACL())

	// The old key still decodes (existing edges keep being served)...
	stillDecodes := false
	for _, k := range r.DecodeKeys() {
		if k.Mode == wire.ModeUser && k.Community == "secure" && k.User == "mallory" {
			stillDecodes = true
		}
	}
	assert.True(t, stillDecodes)

	// ...but a successfully-authenticated user cannot register anew on the
	// de-listed community.
	_, err = r.FindOrCreate("secure", true)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestReloadKeepsOldACLOnParseError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	acl := writeFile(t, dir, "communities", "alpha\n")
	r := newTestRegistry(t, acl)

	// A key file that does not exist makes the new ACL unloadable.
	writeFile(t, dir, "communities", "alpha missing.keys\n")
	assert.Error(t, r.ReloadACL())

	c, err := r.FindOrCreate("alpha", false)
	require.NoError(t, err)
	assert.True(t, c.Joinable, "previous ACL still serves")
}

func TestReloadIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	acl := writeFile(t, dir, "communities", "alpha\nbeta *\n")
	r := newTestRegistry(t, acl)

	require.NoError(t, r.ReloadACL())
	first := r.Communities()
	require.NoError(t, r.ReloadACL())
	second := r.Communities()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Same(t, first[i], second[i])
		assert.Equal(t, first[i].AutoNet, second[i].AutoNet)
		assert.Equal(t, first[i].Joinable, second[i].Joinable)
	}
}

func TestLearnRespectsACL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	acl := writeFile(t, dir, "communities", "alpha\n")
	r := newTestRegistry(t, acl)

	assert.Nil(t, r.Learn("gamma"), "unlisted names are not materialized")
	assert.Nil(t, r.Learn("*other"), "federation names are never learned")

	// alpha already exists from the ACL, so it is returned as is and does
	// not count as learned through federation.
	c := r.Learn("alpha")
	require.NotNil(t, c)
	assert.False(t, c.Federated)

	// Open mode learns anything.
	open := newTestRegistry(t, "")
	g := open.Learn("gamma")
	require.NotNil(t, g)
	assert.True(t, g.Federated)
}

func TestStaticModeDerivesHeaderKey(t *testing.T) {
	t.Parallel()

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	r, err := NewRegistry(Config{
		Pool:           DefaultPool(),
		DefaultMode:    wire.ModeStatic,
		FederationName: "Federation",
		Identity:       id,
	})
	require.NoError(t, err)

	c, err := r.FindOrCreate("alpha", false)
	require.NoError(t, err)
	assert.Equal(t, wire.ModeStatic, c.Mode)
	require.NotNil(t, c.HeaderKey)

	key, ok := r.EncodeKey("alpha")
	require.True(t, ok)
	assert.Equal(t, c.HeaderKey, key.Bytes)

	// The federation community stays cleartext.
	_, ok = r.EncodeKey(r.Federation().Name)
	assert.False(t, ok)
}
