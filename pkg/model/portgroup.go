package model

// PortGroup is a named set of ports that derives two southbound address
// sets (name_ip4, name_ip6) from the union of its members' addresses.
type PortGroup struct {
	Name    string
	Members []string // port names, insertion order
}

// NewPortGroup creates an empty port group.
func NewPortGroup(name string) *PortGroup {
	return &PortGroup{Name: name}
}

// AddMember appends a port name if not already present.
func (g *PortGroup) AddMember(port string) {
	for _, m := range g.Members {
		if m == port {
			return
		}
	}
	g.Members = append(g.Members, port)
}

// AddressSetNames returns the (ipv4, ipv6) southbound address-set names
// derived from this port group's name.
func (g *PortGroup) AddressSetNames() (v4, v6 string) {
	return g.Name + "_ip4", g.Name + "_ip6"
}

// IPv4Addresses collects the IPv4 members of every address on every
// member port, given a lookup function from port name to its effective
// addresses (see Port.EffectiveAddresses).
func (g *PortGroup) IPv4Addresses(addrsOf func(port string) []Address) []string {
	return g.addresses(addrsOf, false)
}

// IPv6Addresses collects the IPv6 members analogously.
func (g *PortGroup) IPv6Addresses(addrsOf func(port string) []Address) []string {
	return g.addresses(addrsOf, true)
}

func (g *PortGroup) addresses(addrsOf func(port string) []Address, v6 bool) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, port := range g.Members {
		for _, a := range addrsOf(port) {
			for _, ip := range a.IPs {
				isV6 := ip.To4() == nil
				if isV6 != v6 {
					continue
				}
				s := ip.String()
				if _, ok := seen[s]; ok {
					continue
				}
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	return out
}
