package community

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/pkg/wire"
)

func TestParsePool(t *testing.T) {
	t.Parallel()

	p, err := ParsePool("10.128.255.0-10.255.255.0/24")
	require.NoError(t, err)
	assert.Equal(t, uint8(24), p.Bits)
	assert.True(t, p.Count() > 1)

	for _, bad := range []string{
		"10.0.0.0/24",          // missing range
		"10.0.0.1-10.0.1.0/24", // min not aligned
		"10.0.1.0-10.0.0.0/24", // min above max
		"10.0.0.0-10.0.1.0/31", // prefix out of range
		"fe80::1-fe80::2/64",   // not IPv4
	} {
		_, err := ParsePool(bad)
		assert.Error(t, err, "pool %q should be rejected", bad)
	}
}

func TestAssignSubnetIsPure(t *testing.T) {
	t.Parallel()

	p, err := ParsePool("10.128.0.0-10.128.255.0/24")
	require.NoError(t, err)

	a1, err := p.AssignSubnet("alpha", nil)
	require.NoError(t, err)
	a2, err := p.AssignSubnet("alpha", nil)
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "assignment must survive restarts")

	b, err := p.AssignSubnet("beta", nil)
	require.NoError(t, err)
	assert.True(t, a1.Addr().Is4())
	assert.Equal(t, 24, a1.Bits())
	_ = b
}

func TestAssignSubnetProbesPastCollisions(t *testing.T) {
	t.Parallel()

	p, err := ParsePool("10.0.0.0-10.0.3.0/24")
	require.NoError(t, err)
	require.Equal(t, 4, p.Count())

	first, err := p.AssignSubnet("alpha", nil)
	require.NoError(t, err)

	used := map[string]bool{first.String(): true}
	second, err := p.AssignSubnet("alpha", func(c netip.Prefix) bool { return used[c.String()] })
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "linear probing skips occupied subnets")

	// Exhausting the pool is an error, not a loop.
	_, err = p.AssignSubnet("alpha", func(netip.Prefix) bool { return true })
	assert.Error(t, err)
}

func TestSubnetsDisjointAcrossCommunities(t *testing.T) {
	t.Parallel()

	p, err := ParsePool("10.128.0.0-10.128.255.0/24")
	require.NoError(t, err)

	used := make(map[string]bool)
	for _, name := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
		pfx, err := p.AssignSubnet(name, func(c netip.Prefix) bool { return used[c.String()] })
		require.NoError(t, err)
		require.False(t, used[pfx.String()], "subnet %s assigned twice", pfx)
		used[pfx.String()] = true
	}
}

func TestHostInSubnet(t *testing.T) {
	t.Parallel()

	p, err := ParsePool("10.10.0.0-10.10.0.0/24")
	require.NoError(t, err)
	pfx := p.SubnetAt(0)

	mac := wire.MAC{0x02, 0, 0, 0, 0, 1}
	ip := HostInSubnet(pfx, mac)
	assert.True(t, pfx.Contains(ip))
	assert.NotEqual(t, pfx.Addr(), ip, "network address is never handed out")
	assert.Equal(t, ip, HostInSubnet(pfx, mac), "host mapping is deterministic")
}
