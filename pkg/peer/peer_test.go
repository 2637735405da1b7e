package peer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/gridmesh/pkg/wire"
)

func sock(ip string, port uint16) wire.Sock {
	return wire.Sock{Addr: netip.AddrPortFrom(netip.MustParseAddr(ip), port)}
}

func TestUpsertCreateThenRefresh(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	mac := wire.MAC{2, 0, 0, 0, 0, 1}
	t0 := time.Now()

	p, res := tbl.Upsert(mac, sock("192.0.2.10", 30000), t0)
	require.Equal(t, Created, res)
	assert.True(t, p.Purgeable)
	assert.Equal(t, 1, tbl.Len())

	// Repeated registration from the same (MAC, socket) refreshes in place.
	t1 := t0.Add(5 * time.Second)
	q, res := tbl.Upsert(mac, sock("192.0.2.10", 30000), t1)
	assert.Equal(t, Refreshed, res)
	assert.Same(t, p, q)
	assert.Equal(t, t1, q.LastSeen)
	assert.Equal(t, 1, tbl.Len(), "no duplicate record")
}

func TestUpsertTracksMovedSocket(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	mac := wire.MAC{2, 0, 0, 0, 0, 1}

	tbl.Upsert(mac, sock("192.0.2.10", 30000), time.Now())
	p, res := tbl.Upsert(mac, sock("192.0.2.10", 30001), time.Now())
	assert.Equal(t, Refreshed, res)
	assert.Equal(t, uint16(30001), p.Sock.Addr.Port())
}

func TestUpsertNullMACUsesSocketIndex(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	s := sock("198.51.100.7", 7654)

	p, res := tbl.Upsert(wire.NullMAC, s, time.Now())
	require.Equal(t, Created, res)
	assert.Nil(t, tbl.Get(wire.NullMAC))
	assert.Same(t, p, tbl.GetBySock(s))

	q, res := tbl.Upsert(wire.NullMAC, s, time.Now())
	assert.Equal(t, Refreshed, res)
	assert.Same(t, p, q)
}

func TestUpsertPromotesSocketRecord(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	s := sock("198.51.100.7", 7654)
	mac := wire.MAC{2, 0, 0, 0, 0, 9}

	anchor, _ := tbl.Upsert(wire.NullMAC, s, time.Now())
	anchor.Purgeable = false

	p, res := tbl.Upsert(mac, s, time.Now())
	assert.Equal(t, Refreshed, res)
	assert.Same(t, anchor, p, "anchor identified itself, no second record")
	assert.Equal(t, mac, p.MAC)
	assert.False(t, p.Purgeable)
	assert.Same(t, p, tbl.Get(mac))
	assert.Equal(t, 1, tbl.Len())
}

func TestPurgeRespectsTTLAndPurgeable(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	now := time.Now()

	stale, _ := tbl.Upsert(wire.MAC{2, 0, 0, 0, 0, 1}, sock("192.0.2.1", 1), now.Add(-2*time.Minute))
	fresh, _ := tbl.Upsert(wire.MAC{2, 0, 0, 0, 0, 2}, sock("192.0.2.2", 2), now)
	anchor, _ := tbl.Upsert(wire.MAC{2, 0, 0, 0, 0, 3}, sock("192.0.2.3", 3), now.Add(-time.Hour))
	anchor.Purgeable = false

	var removed []*Peer
	n := tbl.Purge(now, time.Minute, func(p *Peer) { removed = append(removed, p) })

	assert.Equal(t, 1, n)
	require.Len(t, removed, 1)
	assert.Same(t, stale, removed[0])
	assert.Nil(t, tbl.Get(stale.MAC))
	assert.Same(t, fresh, tbl.Get(fresh.MAC))
	assert.Same(t, anchor, tbl.Get(anchor.MAC), "anchors survive every sweep")
}

func TestRemove(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	mac := wire.MAC{2, 0, 0, 0, 0, 1}
	p, _ := tbl.Upsert(mac, sock("192.0.2.1", 1), time.Now())

	assert.Same(t, p, tbl.Remove(mac))
	assert.Nil(t, tbl.Remove(mac))
	assert.Equal(t, 0, tbl.Len())
}

func TestPeersSnapshotIsStable(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	for i := byte(1); i <= 4; i++ {
		tbl.Upsert(wire.MAC{2, 0, 0, 0, 0, i}, sock("192.0.2.1", uint16(i)), time.Now())
	}
	snap := tbl.Peers()
	require.Len(t, snap, 4)
	tbl.Remove(wire.MAC{2, 0, 0, 0, 0, 1})
	assert.Len(t, snap, 4, "snapshot unaffected by later mutation")
}
