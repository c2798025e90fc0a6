package model

// Well-known multicast group names and keys: five static groups with
// fixed keys exist on every datapath regardless of IGMP snooping
// activity.
const (
	MulticastFloodName        = "_MC_flood"
	MulticastMrouterFloodName = "_MC_mrouter_flood"
	MulticastMrouterStaticName = "_MC_mrouter_static"
	MulticastStaticName       = "_MC_static"
	MulticastUnknownName      = "_MC_unknown"
)

const (
	MulticastFloodKey         uint32 = 65535
	MulticastMrouterFloodKey  uint32 = 65534
	MulticastMrouterStaticKey uint32 = 65533
	MulticastStaticKey        uint32 = 65532
	MulticastUnknownKey       uint32 = 65531
)

// WellKnownMulticastGroups returns the five fixed-key groups every
// datapath carries, in a stable order.
func WellKnownMulticastGroups() []struct {
	Name string
	Key  uint32
} {
	return []struct {
		Name string
		Key  uint32
	}{
		{MulticastFloodName, MulticastFloodKey},
		{MulticastMrouterFloodName, MulticastMrouterFloodKey},
		{MulticastMrouterStaticName, MulticastMrouterStaticKey},
		{MulticastStaticName, MulticastStaticKey},
		{MulticastUnknownName, MulticastUnknownKey},
	}
}

// MulticastGroup is a synthesized southbound multicast group: identity
// is (datapath, name, key); Members is the ordered port-name list.
type MulticastGroup struct {
	DatapathUUID string
	Name         string
	Key          uint32
	Members      []string
}

// NewMulticastGroup creates an empty group.
func NewMulticastGroup(datapathUUID, name string, key uint32) *MulticastGroup {
	return &MulticastGroup{DatapathUUID: datapathUUID, Name: name, Key: key}
}

// AddMember appends a port name if not already present.
func (g *MulticastGroup) AddMember(port string) {
	for _, m := range g.Members {
		if m == port {
			return
		}
	}
	g.Members = append(g.Members, port)
}

// igmpEntry is one southbound IGMP_Group row folded into the
// aggregator: the set of ports that reported membership for one
// (datapath, address) pair from a single chassis.
type igmpEntry struct {
	chassis string
	ports   []string
}

// IGMPAggregator accumulates IGMP_Group rows for one (datapath, address)
// key across chassis before folding the union of reporting ports into
// the corresponding MulticastGroup.
type IGMPAggregator struct {
	DatapathUUID string
	Address      string
	Key          uint32 // allocated lazily, 0 until AllocateKey is called
	entries      []igmpEntry
}

// NewIGMPAggregator creates an aggregator for one (datapath, address).
func NewIGMPAggregator(datapathUUID, address string) *IGMPAggregator {
	return &IGMPAggregator{DatapathUUID: datapathUUID, Address: address}
}

// AddEntry records one southbound row's reported ports for chassis.
func (a *IGMPAggregator) AddEntry(chassis string, ports []string) {
	for i, e := range a.entries {
		if e.chassis == chassis {
			a.entries[i].ports = ports
			return
		}
	}
	a.entries = append(a.entries, igmpEntry{chassis: chassis, ports: ports})
}

// AggregatedPorts returns the deduplicated union of every entry's ports,
// in first-seen order.
func (a *IGMPAggregator) AggregatedPorts() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range a.entries {
		for _, p := range e.ports {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// AllocateKey assigns a. Key from alloc if it is not already set.
func (a *IGMPAggregator) AllocateKey(alloc interface{ Allocate() uint32 }) uint32 {
	if a.Key == 0 {
		a.Key = alloc.Allocate()
	}
	return a.Key
}
