// Package ipam implements the per-switch IPv4/IPv6 address management
// and the process-wide MAC address management (MACAM): a bitmap-backed
// IPv4 allocator per subnet, EUI-64 IPv6 derivation, and MAC
// deduplication under a managed 3-byte prefix.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/nvcore/northd/pkg/ratelimit"
	"github.com/nvcore/northd/pkg/util"
)

// Switch holds the per-logical-switch IPAM state: an IPv4 bitmap sized
// to the subnet's host count, and an optional IPv6 /64 prefix used only
// for EUI-64 derivation (no bitmap — IPv6 addresses are derived, not
// allocated from a pool).
type Switch struct {
	Subnet    *net.IPNet // nil if the switch has no IPv4 subnet
	StartIPv4 net.IP     // Subnet's first usable address (bitmap index 0)
	HostCount int

	bitmap []bool

	V6Prefix *net.IPNet // nil if the switch has no IPv6 prefix

	limiter *ratelimit.Limiter
	name    string // for warnings only
}

// NewSwitch initializes IPAM state for a logical switch. subnetCIDR may
// be empty (no IPv4 subnet). excludeIPs is the whitespace-separated
// exclude_ips northbound value: each token is either a single IPv4
// address or an "A..B" range.
func NewSwitch(name, subnetCIDR, excludeIPs string) (*Switch, error) {
	s := &Switch{name: name, limiter: ratelimit.NewDefault()}
	if subnetCIDR == "" {
		return s, nil
	}

	ip, ipNet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("ipam: malformed subnet %q: %w", subnetCIDR, util.ErrInvalidInput)
	}
	ones, bits := ipNet.Mask.Size()
	vb := &util.ValidationBuilder{}
	vb.Add(bits == 32, fmt.Sprintf("subnet %q is not IPv4", subnetCIDR))
	vb.Add(ones < 32, fmt.Sprintf("subnet %q has a /32 mask, no host addresses", subnetCIDR))
	if vb.HasErrors() {
		return nil, fmt.Errorf("ipam: %w", vb.Build())
	}

	// hostcount = ~mask: the all-zeros host (the network address) is
	// not allocatable, so a /24 manages 255 addresses starting at .1.
	hostCount := (1 << uint(32-ones)) - 1
	s.Subnet = ipNet
	s.StartIPv4 = addOffset(ip.Mask(ipNet.Mask), 1)
	s.HostCount = hostCount
	s.bitmap = make([]bool, hostCount)
	// Index 0 (the subnet's first usable address) is pre-marked: the
	// router claims it.
	s.bitmap[0] = true

	s.applyExcludeIPs(excludeIPs)
	return s, nil
}

func (s *Switch) applyExcludeIPs(spec string) {
	for _, tok := range strings.Fields(spec) {
		if tok == "" {
			continue
		}
		lo, hi, ok := parseExcludeToken(tok)
		if !ok {
			if s.limiter.Allow("exclude_ips:" + s.name) {
				util.WithComponent("ipam").Warnf("switch %s: malformed exclude_ips token %q, ignoring", s.name, tok)
			}
			continue
		}
		// Clamp the range to the managed window; a range wholly outside
		// the subnet marks nothing.
		start := int64(binary.BigEndian.Uint32(s.StartIPv4.To4()))
		loIdx := int64(binary.BigEndian.Uint32(lo)) - start
		hiIdx := int64(binary.BigEndian.Uint32(hi)) - start
		if loIdx < 0 {
			loIdx = 0
		}
		if hiIdx > int64(s.HostCount-1) {
			hiIdx = int64(s.HostCount - 1)
		}
		if loIdx > hiIdx {
			continue
		}
		for i := loIdx; i <= hiIdx; i++ {
			s.bitmap[i] = true
		}
	}
}

func parseExcludeToken(tok string) (lo, hi net.IP, ok bool) {
	if idx := strings.Index(tok, ".."); idx >= 0 {
		lo = net.ParseIP(tok[:idx]).To4()
		hi = net.ParseIP(tok[idx+2:]).To4()
		return lo, hi, lo != nil && hi != nil
	}
	ip := net.ParseIP(tok).To4()
	if ip == nil {
		return nil, nil, false
	}
	return ip, ip, true
}

// indexOf returns the bitmap index for ip and whether ip lies within
// the managed window; for an address outside it, it returns (0, false).
func (s *Switch) indexOf(ip net.IP) (int, bool) {
	if s.Subnet == nil || ip == nil {
		return 0, false
	}
	ip4 := ip.To4()
	if ip4 == nil || !s.Subnet.Contains(ip4) {
		return 0, false
	}
	start := int64(binary.BigEndian.Uint32(s.StartIPv4.To4()))
	cur := int64(binary.BigEndian.Uint32(ip4))
	idx := cur - start
	if idx < 0 || idx >= int64(s.HostCount) {
		return 0, false
	}
	return int(idx), true
}

// ClaimIPv4 marks ip as taken by a statically-addressed port. It warns
// (rate limited) on a duplicate claim but does not error.
func (s *Switch) ClaimIPv4(ip net.IP) {
	idx, ok := s.indexOf(ip)
	if !ok {
		return // outside the subnet: not our concern
	}
	if s.bitmap[idx] {
		if s.limiter.Allow("claim:" + s.name) {
			util.WithComponent("ipam").Warnf("switch %s: duplicate IPv4 claim for %s", s.name, ip)
		}
		return
	}
	s.bitmap[idx] = true
}

// Taken reports whether ip is marked used (claimed or allocated).
func (s *Switch) Taken(ip net.IP) bool {
	idx, ok := s.indexOf(ip)
	if !ok {
		return false
	}
	return s.bitmap[idx]
}

// AllocateIPv4 returns the first free IPv4 address in ascending bitmap
// order, or nil if the subnet is full.
func (s *Switch) AllocateIPv4() net.IP {
	if s.Subnet == nil {
		return nil
	}
	for i, taken := range s.bitmap {
		if !taken {
			s.bitmap[i] = true
			return addOffset(s.StartIPv4, i)
		}
	}
	if s.limiter.Allow("exhausted:" + s.name) {
		util.WithComponent("ipam").Warnf("switch %s: IPv4 subnet exhausted", s.name)
	}
	return nil
}

// ReleaseIPv4 frees ip so it can be reallocated. Used when a dynamic
// address is retired from a port.
func (s *Switch) ReleaseIPv4(ip net.IP) {
	if idx, ok := s.indexOf(ip); ok {
		s.bitmap[idx] = false
	}
}

func addOffset(base net.IP, offset int) net.IP {
	b := base.To4()
	v := binary.BigEndian.Uint32(b) + uint32(offset)
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

// EUI64 derives an IPv6 address from mac under s.V6Prefix per RFC 4291:
// flip the MAC's universal/local bit, split it around 0xFFFE, and
// prepend the /64 prefix.
func (s *Switch) EUI64(mac net.HardwareAddr) net.IP {
	if s.V6Prefix == nil || len(mac) != 6 {
		return nil
	}
	return EUI64(s.V6Prefix, mac)
}

// EUI64 is the standalone form, usable without a Switch (e.g. for router
// port link-local derivation).
func EUI64(prefix *net.IPNet, mac net.HardwareAddr) net.IP {
	if len(mac) != 6 {
		return nil
	}
	iid := make([]byte, 8)
	iid[0] = mac[0] ^ 0x02
	iid[1] = mac[1]
	iid[2] = mac[2]
	iid[3] = 0xff
	iid[4] = 0xfe
	iid[5] = mac[3]
	iid[6] = mac[4]
	iid[7] = mac[5]

	out := make(net.IP, 16)
	copy(out, prefix.IP.To16())
	for i := 0; i < 8; i++ {
		out[8+i] = iid[i]
	}
	return out
}
