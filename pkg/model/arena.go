package model

import "fmt"

// Arena owns the entity graph for one reconciliation pass. Ports
// reference each other by name rather than by pointer — peer links are
// non-owning back-references resolved by name lookups after all ports
// are created — so the graph never forms pointer cycles and can be torn down by simply discarding the Arena.
type Arena struct {
	datapaths   map[string]*Datapath // keyed by UUID
	ports       map[string]*Port     // keyed by name
	portGroups  map[string]*PortGroup
	haGroups    map[string]*HAChassisGroup
	mcastGroups map[string]*MulticastGroup // keyed by datapath+"/"+name
	igmp        map[string]*IGMPAggregator // keyed by datapath+"/"+address
}

// NewArena creates an empty entity graph.
func NewArena() *Arena {
	return &Arena{
		datapaths:   make(map[string]*Datapath),
		ports:       make(map[string]*Port),
		portGroups:  make(map[string]*PortGroup),
		haGroups:    make(map[string]*HAChassisGroup),
		mcastGroups: make(map[string]*MulticastGroup),
		igmp:        make(map[string]*IGMPAggregator),
	}
}

// AddDatapath registers dp, keyed by its UUID.
func (a *Arena) AddDatapath(dp *Datapath) { a.datapaths[dp.UUID] = dp }

// Datapath looks up a datapath by UUID.
func (a *Arena) Datapath(uuid string) (*Datapath, bool) {
	dp, ok := a.datapaths[uuid]
	return dp, ok
}

// Datapaths returns every registered datapath, in no particular order;
// callers that need determinism should sort by UUID themselves.
func (a *Arena) Datapaths() []*Datapath {
	out := make([]*Datapath, 0, len(a.datapaths))
	for _, dp := range a.datapaths {
		out = append(out, dp)
	}
	return out
}

// AddPort registers p, keyed by its name, and appends it to its owning
// datapath's port list.
func (a *Arena) AddPort(p *Port) {
	a.ports[p.Name] = p
	if dp, ok := a.datapaths[p.DatapathUUID]; ok {
		dp.AddPort(p.Name)
	}
}

// Port looks up a port by name.
func (a *Arena) Port(name string) (*Port, bool) {
	p, ok := a.ports[name]
	return p, ok
}

// Ports returns every registered port, in no particular order.
func (a *Arena) Ports() []*Port {
	out := make([]*Port, 0, len(a.ports))
	for _, p := range a.ports {
		out = append(out, p)
	}
	return out
}

// Peer resolves p's peer by name, or (nil, false) if p is unpeered or
// its peer name doesn't resolve (a dangling reference, which ResolvePeers
// reports as an error rather than silently allowing).
func (a *Arena) Peer(p *Port) (*Port, bool) {
	if p.PeerName == "" {
		return nil, false
	}
	peer, ok := a.ports[p.PeerName]
	return peer, ok
}

// ResolvePeers validates that peering is symmetric (A.peer = B implies
// B.peer = A) across every port with a PeerName set. It returns every
// violation found rather than stopping at the first, so a single pass
// surfaces the whole set of dangling/asymmetric references at once.
func (a *Arena) ResolvePeers() []error {
	var errs []error
	for _, p := range a.ports {
		if p.PeerName == "" {
			continue
		}
		peer, ok := a.ports[p.PeerName]
		if !ok {
			errs = append(errs, fmt.Errorf("model: port %q references nonexistent peer %q", p.Name, p.PeerName))
			continue
		}
		if peer.PeerName != p.Name {
			errs = append(errs, fmt.Errorf("model: asymmetric peering between %q and %q", p.Name, peer.Name))
		}
	}
	return errs
}

// AddPortGroup registers g, keyed by name.
func (a *Arena) AddPortGroup(g *PortGroup) { a.portGroups[g.Name] = g }

// PortGroup looks up a port group by name.
func (a *Arena) PortGroup(name string) (*PortGroup, bool) {
	g, ok := a.portGroups[name]
	return g, ok
}

// PortGroups returns every registered port group.
func (a *Arena) PortGroups() []*PortGroup {
	out := make([]*PortGroup, 0, len(a.portGroups))
	for _, g := range a.portGroups {
		out = append(out, g)
	}
	return out
}

// AddHAChassisGroup registers g, keyed by name.
func (a *Arena) AddHAChassisGroup(g *HAChassisGroup) { a.haGroups[g.Name] = g }

// HAChassisGroup looks up an HA chassis group by name.
func (a *Arena) HAChassisGroup(name string) (*HAChassisGroup, bool) {
	g, ok := a.haGroups[name]
	return g, ok
}

// HAChassisGroups returns every registered HA chassis group.
func (a *Arena) HAChassisGroups() []*HAChassisGroup {
	out := make([]*HAChassisGroup, 0, len(a.haGroups))
	for _, g := range a.haGroups {
		out = append(out, g)
	}
	return out
}

func mcastKey(datapathUUID, name string) string { return datapathUUID + "/" + name }

// AddMulticastGroup registers g, keyed by (datapath, name).
func (a *Arena) AddMulticastGroup(g *MulticastGroup) {
	a.mcastGroups[mcastKey(g.DatapathUUID, g.Name)] = g
}

// MulticastGroup looks up a multicast group by (datapath, name).
func (a *Arena) MulticastGroup(datapathUUID, name string) (*MulticastGroup, bool) {
	g, ok := a.mcastGroups[mcastKey(datapathUUID, name)]
	return g, ok
}

// MulticastGroupsFor returns every multicast group registered against
// datapathUUID.
func (a *Arena) MulticastGroupsFor(datapathUUID string) []*MulticastGroup {
	var out []*MulticastGroup
	for _, g := range a.mcastGroups {
		if g.DatapathUUID == datapathUUID {
			out = append(out, g)
		}
	}
	return out
}

// AddIGMPAggregator registers agg, keyed by (datapath, address).
func (a *Arena) AddIGMPAggregator(agg *IGMPAggregator) {
	a.igmp[mcastKey(agg.DatapathUUID, agg.Address)] = agg
}

// IGMPAggregator looks up an aggregator by (datapath, address), creating
// and registering one if it does not yet exist.
func (a *Arena) IGMPAggregator(datapathUUID, address string) *IGMPAggregator {
	key := mcastKey(datapathUUID, address)
	agg, ok := a.igmp[key]
	if !ok {
		agg = NewIGMPAggregator(datapathUUID, address)
		a.igmp[key] = agg
	}
	return agg
}

// IGMPAggregators returns every aggregator currently tracked.
func (a *Arena) IGMPAggregators() []*IGMPAggregator {
	out := make([]*IGMPAggregator, 0, len(a.igmp))
	for _, agg := range a.igmp {
		out = append(out, agg)
	}
	return out
}
