package model

import (
	"net"
	"strings"
)

// Address is one parsed MAC/IP group from a switch port's addresses or
// port_security column.
type Address struct {
	MAC net.HardwareAddr
	IPs []net.IP
}

// Port represents a logical switch port, a logical router port, or a
// derived chassis-redirect port.
type Port struct {
	Name         string
	DatapathUUID string
	Derived      bool // true for synthesized "cr-" ports
	TunnelKey    uint32

	// PeerName is the name of the port this one is bonded to: a switch
	// port of type "router" points at its logical-router-port peer, and
	// two directly connected router ports point at each other. Empty if
	// unpeered.
	PeerName string

	// Switch-port fields.
	Addresses      []Address
	PortSecurity   []Address
	Type           string // "", "router", "localnet", "external", ...
	MulticastFlood bool

	// RouterAddressToken records that this switch port's addresses list
	// contained the literal string "router", which expands to its
	// peer router port's network addresses once peering is resolved.
	RouterAddressToken bool

	// UnknownAddress records that the addresses list contained the
	// literal token "unknown": destinations not matched by any known
	// MAC flood to the unknown multicast group instead of dropping.
	UnknownAddress bool

	// Router-port fields.
	Networks  []*net.IPNet
	RouterMAC net.HardwareAddr
	GatewayIP net.IP // set on a distributed-gateway-port's chassis-redirect side

	// Ipv6RAConfigs mirrors a router port's ipv6_ra_configs column
	// (address_mode, mtu, send_periodic, ...) for the nd_ra stages.
	Ipv6RAConfigs map[string]string

	// DynamicAddresses holds the persisted dynamic_addresses value (see
	// pkg/ipam.ModeDynamicKeep) so a later pass can reclaim it.
	DynamicAddresses string

	// Options mirrors the northbound options column verbatim (carries
	// "router-port", "redirect-chassis", "qdisc_queue_id", and friends
	// that pkg/join and pkg/lflow both need to read).
	Options map[string]string

	// Enabled/Up mirror the northbound/southbound administrative and
	// operational state columns.
	Enabled bool
	Up      bool

	// ParentName/Tag/TagRequested back nested-container tag allocation:
	// ParentName is empty for a non-container port.
	ParentName  string
	Tag         int
	TagRequested int // the northbound tag_request value, 0 meaning "allocate"

	// HaChassisGroup/GatewayChassis carry a router port's HA
	// configuration through to pkg/join's HA chassis group synthesis.
	HaChassisGroup string
	GatewayChassis []string

	// Dhcpv4Options/Dhcpv6Options name the DHCP_Options row (by CIDR key)
	// this port's responder should serve.
	Dhcpv4Options string
	Dhcpv6Options string
}

// NewSwitchPort creates an unpeered logical switch port.
func NewSwitchPort(name, datapathUUID string) *Port {
	return &Port{Name: name, DatapathUUID: datapathUUID}
}

// NewRouterPort creates a logical router port.
func NewRouterPort(name, datapathUUID string, mac net.HardwareAddr, networks []*net.IPNet) *Port {
	return &Port{Name: name, DatapathUUID: datapathUUID, Type: "router", RouterMAC: mac, Networks: networks}
}

// NewRedirectPort derives a chassis-redirect port name from the port it
// shadows (always "cr-" + the original name). The
// derived port carries no PeerName: peering is a property of the
// original pair, and the redirect side is addressed by name in the
// gw_redirect stage only.
func NewRedirectPort(original *Port) *Port {
	return &Port{
		Name:         "cr-" + original.Name,
		DatapathUUID: original.DatapathUUID,
		Derived:      true,
		Enabled:      original.Enabled,
		Type:         original.Type,
		RouterMAC:    original.RouterMAC,
		Networks:     original.Networks,
	}
}

// IsPeerOf reports whether this port and other form a symmetric peer
// pair.
func (p *Port) IsPeerOf(other *Port) bool {
	return p.PeerName == other.Name && other.PeerName == p.Name
}

// EffectiveAddresses returns p's own addresses, plus — when p is a
// switch port of type "router" peered to a router port — the peer's
// network addresses folded in.
func (p *Port) EffectiveAddresses(peer *Port) []Address {
	if p.Type != "router" || peer == nil {
		return p.Addresses
	}
	out := append([]Address{}, p.Addresses...)
	var ips []net.IP
	for _, n := range peer.Networks {
		ips = append(ips, n.IP)
	}
	if peer.RouterMAC != nil {
		out = append(out, Address{MAC: peer.RouterMAC, IPs: ips})
	}
	return out
}

// CIDRStrings renders p.Networks back into "a.b.c.d/n" strings, as
// persisted in the southbound mac_binding / networks columns.
func (p *Port) CIDRStrings() []string {
	out := make([]string, 0, len(p.Networks))
	for _, n := range p.Networks {
		out = append(out, n.String())
	}
	return out
}

// ParseAddressEntry parses one northbound addresses/port_security token
// group ("<mac> <ip> <ip> ...") into an Address. Unparseable IP tokens
// are skipped; see pkg/ipam.Classify for the full dynamic/static/none
// grammar these raw entries feed into.
func ParseAddressEntry(entry string) (Address, bool) {
	fields := strings.Fields(strings.TrimSpace(entry))
	if len(fields) == 0 {
		return Address{}, false
	}
	mac, err := net.ParseMAC(fields[0])
	if err != nil {
		return Address{}, false
	}
	a := Address{MAC: mac}
	for _, tok := range fields[1:] {
		if ip := net.ParseIP(tok); ip != nil {
			a.IPs = append(a.IPs, ip)
		}
	}
	return a, true
}
