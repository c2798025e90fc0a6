package ipam

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/nvcore/northd/pkg/ratelimit"
	"github.com/nvcore/northd/pkg/util"
)

// MACPrefixLen is the number of bytes of the randomly-generated
// process-wide MAC prefix.
const MACPrefixLen = 3

// MACAM is the process-wide MAC address manager. Only addresses whose
// top 3 bytes equal Prefix are tracked here; MACs outside the prefix are
// assumed externally managed and never touched.
//
// MACAM is shared across every logical switch in the pass, unlike
// Switch's IPv4 bitmap which is per-switch.
type MACAM struct {
	mu     sync.Mutex
	Prefix [MACPrefixLen]byte
	used   map[[3]byte]struct{} // low 3 bytes of MACs matching Prefix

	limiter *ratelimit.Limiter
}

// NewMACAM creates a MACAM with a freshly-generated random prefix. The
// first octet's multicast bit (0x01) is cleared and its
// locally-administered bit (0x02) set, so generated addresses are
// unicast and never collide with vendor OUIs.
func NewMACAM() *MACAM {
	var prefix [MACPrefixLen]byte
	_, _ = rand.Read(prefix[:])
	prefix[0] = (prefix[0] &^ 0x01) | 0x02
	return NewMACAMWithPrefix(prefix)
}

// NewMACAMWithPrefix creates a MACAM using a prefix restored from
// persisted configuration (NB_Global options:mac_prefix), so the prefix
// survives process restarts.
func NewMACAMWithPrefix(prefix [MACPrefixLen]byte) *MACAM {
	return &MACAM{
		Prefix:  prefix,
		used:    make(map[[3]byte]struct{}),
		limiter: ratelimit.NewDefault(),
	}
}

// ParseMACPrefix parses a "xx:xx:xx" style prefix string, as persisted
// in NB_Global's options column.
func ParseMACPrefix(s string) ([MACPrefixLen]byte, error) {
	var out [MACPrefixLen]byte
	mac, err := net.ParseMAC(s + ":00:00:00")
	if err != nil {
		return out, fmt.Errorf("ipam: malformed mac_prefix %q: %w", s, util.ErrInvalidInput)
	}
	copy(out[:], mac[:MACPrefixLen])
	return out, nil
}

// String renders the prefix as "xx:xx:xx" for persistence.
func (m *MACAM) String() string {
	return fmt.Sprintf("%02x:%02x:%02x", m.Prefix[0], m.Prefix[1], m.Prefix[2])
}

func (m *MACAM) matchesPrefix(mac net.HardwareAddr) bool {
	return len(mac) == 6 && mac[0] == m.Prefix[0] && mac[1] == m.Prefix[1] && mac[2] == m.Prefix[2]
}

// Claim marks mac as in use if it falls under this MACAM's prefix. MACs
// outside the prefix are ignored (return false): they are not ours to
// manage.
func (m *MACAM) Claim(mac net.HardwareAddr) (managed bool) {
	if !m.matchesPrefix(mac) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var suffix [3]byte
	copy(suffix[:], mac[3:6])
	if _, taken := m.used[suffix]; taken {
		if m.limiter.Allow("macam:dup") {
			util.WithComponent("ipam").Warnf("duplicate MAC claim under managed prefix: %s", mac)
		}
		return true
	}
	m.used[suffix] = struct{}{}
	return true
}

// Allocate returns a fresh MAC under the managed prefix, or nil if the
// 24-bit suffix space (minus the reserved all-zero and all-ones values)
// is exhausted.
func (m *MACAM) Allocate() net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf [4]byte
	for attempt := 0; attempt < 1<<20; attempt++ {
		_, _ = rand.Read(buf[1:4])
		var suffix [3]byte
		copy(suffix[:], buf[1:4])
		if suffix == ([3]byte{0, 0, 0}) || suffix == ([3]byte{0xff, 0xff, 0xff}) {
			continue
		}
		if _, taken := m.used[suffix]; taken {
			continue
		}
		m.used[suffix] = struct{}{}
		mac := make(net.HardwareAddr, 6)
		copy(mac[0:3], m.Prefix[:])
		copy(mac[3:6], suffix[:])
		return mac
	}
	if m.limiter.Allow("macam:exhausted") {
		util.WithComponent("ipam").Warnf("MAC address space under prefix %s exhausted", m.String())
	}
	return nil
}

// Release frees mac so its suffix can be reallocated. A no-op for MACs
// outside the managed prefix.
func (m *MACAM) Release(mac net.HardwareAddr) {
	if !m.matchesPrefix(mac) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var suffix [3]byte
	copy(suffix[:], mac[3:6])
	delete(m.used, suffix)
}

// Len reports how many MACs are currently tracked under the prefix.
func (m *MACAM) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// suffixToUint32 returns a 3-byte MAC suffix as a big-endian integer.
// Nothing in the package calls it at present.
func suffixToUint32(s [3]byte) uint32 {
	return binary.BigEndian.Uint32([]byte{0, s[0], s[1], s[2]})
}
