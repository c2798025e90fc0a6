package ipam

import (
	"fmt"
	"net"
	"strings"

	"github.com/nvcore/northd/pkg/util"
)

// AddressMode is the decision the join stage makes for each logical
// switch port's addresses column entry.
type AddressMode int

const (
	// ModeStatic: the entry names explicit MAC/IP literals to claim.
	ModeStatic AddressMode = iota
	// ModeDynamic: the entry is the literal token "dynamic" with no
	// prior dynamic_addresses value — allocate a fresh MAC (and IPv4 if
	// the switch has a subnet).
	ModeDynamic
	// ModeDynamicKeep: the entry is "dynamic" and dynamic_addresses
	// already holds a value — reclaim it rather than allocating fresh.
	ModeDynamicKeep
	// ModeNone: the entry is the literal token "none" — the port gets
	// no L3 addressing at all (e.g. a pure L2 port).
	ModeNone
	// ModeRouter: the entry is the literal token "router" — addresses
	// are derived from the peer router port instead of assigned here.
	ModeRouter
)

// Decision is the outcome of classifying one port's addresses entry.
type Decision struct {
	Mode AddressMode
	MAC  net.HardwareAddr // ModeStatic: parsed from the entry
	IPs  []net.IP         // ModeStatic: parsed from the entry (may be empty: "mac" alone, or "mac dynamic")
	IsIPv4Dynamic bool    // ModeStatic: true when one of the tokens is literally "dynamic" (mixed form: "mac ip dynamic")
}

// Classify inspects one addresses column entry and returns the decision
// the join stage should act on.
//
// Supported forms, matching the northbound schema:
//   "none"
//   "router"
//   "dynamic"
//   "<mac>"
//   "<mac> <ip> [<ip> ...]"
//   "<mac> dynamic"              (static MAC, dynamic IPv4)
func Classify(entry string, hasDynamicAddresses bool) (Decision, bool) {
	entry = strings.TrimSpace(entry)
	switch entry {
	case "":
		return Decision{}, false
	case "none":
		return Decision{Mode: ModeNone}, true
	case "router":
		return Decision{Mode: ModeRouter}, true
	case "dynamic":
		if hasDynamicAddresses {
			return Decision{Mode: ModeDynamicKeep}, true
		}
		return Decision{Mode: ModeDynamic}, true
	}

	fields := strings.Fields(entry)
	if len(fields) == 0 {
		return Decision{}, false
	}
	mac, err := net.ParseMAC(fields[0])
	if err != nil {
		return Decision{}, false
	}
	d := Decision{Mode: ModeStatic, MAC: mac}
	for _, tok := range fields[1:] {
		if tok == "dynamic" {
			d.IsIPv4Dynamic = true
			continue
		}
		if ip := net.ParseIP(tok); ip != nil {
			d.IPs = append(d.IPs, ip)
		}
	}
	return d, true
}

// ParseDynamicAddresses parses a previously-persisted dynamic_addresses
// value ("<mac> <ip> [<ip> ...]") back into a MAC and IP list, used when
// ModeDynamicKeep applies.
func ParseDynamicAddresses(value string) (net.HardwareAddr, []net.IP) {
	fields := strings.Fields(strings.TrimSpace(value))
	if len(fields) == 0 {
		return nil, nil
	}
	mac, err := net.ParseMAC(fields[0])
	if err != nil {
		return nil, nil
	}
	var ips []net.IP
	for _, tok := range fields[1:] {
		if ip := net.ParseIP(tok); ip != nil {
			ips = append(ips, ip)
		}
	}
	return mac, ips
}

// FormatDynamicAddresses renders a MAC + IP list back into the
// dynamic_addresses persisted form.
func FormatDynamicAddresses(mac net.HardwareAddr, ips []net.IP) string {
	parts := []string{mac.String()}
	for _, ip := range ips {
		parts = append(parts, ip.String())
	}
	return strings.Join(parts, " ")
}

// Resolver ties a MACAM and the per-switch Switch IPAM together to
// resolve one port's address Decision into concrete addresses, handling
// allocation, reclaim, and release.
type Resolver struct {
	MACAM *MACAM
}

// NewResolver builds a Resolver over the given process-wide MACAM.
func NewResolver(macam *MACAM) *Resolver {
	return &Resolver{MACAM: macam}
}

// Resolve turns a Decision into a concrete (mac, ips, persist) result:
//   - ModeStatic: claims the MAC in MACAM (if it falls under the managed
//     prefix) and the IPs in sw (if sw has a subnet); nothing new is
//     persisted unless the entry's mixed "mac dynamic" form allocated a
//     fresh IPv4.
//   - ModeDynamic: allocates a fresh MAC, and an IPv4 if sw has a
//     subnet; persist is true so the caller writes dynamic_addresses.
//   - ModeDynamicKeep: reclaims the previously-persisted mac/ips from
//     prevDynamic without consuming a fresh allocation; persist is
//     false (nothing changed).
//   - ModeNone / ModeRouter: returns a zero result; nothing to persist.
//
// A non-nil error wraps util.ErrRangeExhausted; the caller logs it and
// the port simply gets no dynamic address this pass.
func (r *Resolver) Resolve(d Decision, sw *Switch, prevDynamic string) (mac net.HardwareAddr, ips []net.IP, persist bool, err error) {
	switch d.Mode {
	case ModeStatic:
		r.MACAM.Claim(d.MAC)
		if sw != nil {
			for _, ip := range d.IPs {
				sw.ClaimIPv4(ip)
			}
			if d.IsIPv4Dynamic {
				// Mixed form "mac dynamic": the MAC is pinned but the
				// IPv4 still comes from the allocator and is persisted.
				ip := sw.AllocateIPv4()
				if ip == nil {
					return d.MAC, d.IPs, false,
						fmt.Errorf("ipam: no IPv4 left for dynamic slot: %w", util.ErrRangeExhausted)
				}
				ips = append(append([]net.IP{}, d.IPs...), ip)
				return d.MAC, ips, true, nil
			}
		}
		return d.MAC, d.IPs, false, nil

	case ModeDynamicKeep:
		mac, ips = ParseDynamicAddresses(prevDynamic)
		if mac == nil {
			// Stale/corrupt persisted value: fall through to a fresh
			// allocation so the port never ends up unaddressed.
			return r.allocateFresh(sw)
		}
		r.MACAM.Claim(mac)
		if sw != nil {
			for _, ip := range ips {
				sw.ClaimIPv4(ip)
			}
		}
		return mac, ips, false, nil

	case ModeDynamic:
		return r.allocateFresh(sw)

	default: // ModeNone, ModeRouter
		return nil, nil, false, nil
	}
}

func (r *Resolver) allocateFresh(sw *Switch) (net.HardwareAddr, []net.IP, bool, error) {
	mac := r.MACAM.Allocate()
	if mac == nil {
		return nil, nil, false,
			fmt.Errorf("ipam: MAC suffix space full: %w", util.ErrRangeExhausted)
	}
	if sw != nil && sw.Subnet != nil {
		ip := sw.AllocateIPv4()
		if ip == nil {
			r.MACAM.Release(mac)
			return nil, nil, false,
				fmt.Errorf("ipam: IPv4 subnet full: %w", util.ErrRangeExhausted)
		}
		return mac, []net.IP{ip}, true, nil
	}
	return mac, nil, true, nil
}
