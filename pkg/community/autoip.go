package community

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gridmesh/gridmesh/internal/pearson"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

// Pool is the configured auto-IP subnet range. Min and Max are the network
// addresses of the first and last /Bits subnet, inclusive.
type Pool struct {
	Min  netip.Addr
	Max  netip.Addr
	Bits uint8
}

// DefaultPool mirrors the documented default range.
func DefaultPool() Pool {
	return Pool{
		Min:  netip.AddrFrom4([4]byte{10, 128, 255, 0}),
		Max:  netip.AddrFrom4([4]byte{10, 255, 255, 0}),
		Bits: 24,
	}
}

// ParsePool parses the "<net>-<net>/<bits>" config form.
func ParsePool(s string) (Pool, error) {
	minStr, rest, okMin := strings.Cut(s, "-")
	maxStr, bitsStr, okMax := strings.Cut(rest, "/")
	bits, err := strconv.ParseUint(bitsStr, 10, 8)
	if !okMin || !okMax || err != nil {
		return Pool{}, fmt.Errorf("bad net-net/bits format %q", s)
	}
	minAddr, err := netip.ParseAddr(minStr)
	if err != nil {
		return Pool{}, err
	}
	maxAddr, err := netip.ParseAddr(maxStr)
	if err != nil {
		return Pool{}, err
	}
	p := Pool{Min: minAddr, Max: maxAddr, Bits: uint8(bits)}
	if err := p.Validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

func (p Pool) Validate() error {
	if !p.Min.Is4() || !p.Max.Is4() {
		return fmt.Errorf("auto-ip pool must be IPv4")
	}
	if p.Bits == 0 || p.Bits > 30 {
		return fmt.Errorf("bad auto-ip prefix length %d", p.Bits)
	}
	lo, hi := addrU32(p.Min), addrU32(p.Max)
	mask := subnetMask(p.Bits)
	if lo&^mask != 0 || hi&^mask != 0 {
		return fmt.Errorf("pool bounds not aligned to /%d", p.Bits)
	}
	if lo > hi {
		return fmt.Errorf("pool minimum above maximum")
	}
	return nil
}

// Count is the number of /Bits subnets in the pool.
func (p Pool) Count() int {
	size := uint32(1) << (32 - p.Bits)
	return int((addrU32(p.Max)-addrU32(p.Min))/size) + 1
}

// SubnetAt returns the i-th subnet of the pool.
func (p Pool) SubnetAt(i int) netip.Prefix {
	size := uint32(1) << (32 - p.Bits)
	base := addrU32(p.Min) + uint32(i)*size
	return netip.PrefixFrom(u32Addr(base), int(p.Bits))
}

// AssignSubnet picks the subnet for a community name: a 64-bit Pearson hash
// modulo the pool size, linear-probed past subnets the used callback
// rejects. Pure in (name, pool), so assignments survive restarts.
func (p Pool) AssignSubnet(name string, used func(netip.Prefix) bool) (netip.Prefix, error) {
	n := p.Count()
	start := int(pearson.Hash64([]byte(name)) % uint64(n))
	for i := 0; i < n; i++ {
		pfx := p.SubnetAt((start + i) % n)
		if used == nil || !used(pfx) {
			return pfx, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("auto-ip pool exhausted (%d subnets)", n)
}

// HostInSubnet maps a MAC into a host address of the subnet,
// deterministically, skipping the network and broadcast addresses.
func HostInSubnet(pfx netip.Prefix, mac wire.MAC) netip.Addr {
	hosts := uint64(1)<<(32-pfx.Bits()) - 2
	offset := pearson.Hash64(mac[:])%hosts + 1
	return u32Addr(addrU32(pfx.Addr()) + uint32(offset))
}

func addrU32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func u32Addr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func subnetMask(bits uint8) uint32 {
	return ^uint32(0) << (32 - bits)
}
