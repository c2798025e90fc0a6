package model

import (
	"net"
	"testing"
)

func TestArenaAddPortAppearsOnDatapath(t *testing.T) {
	a := NewArena()
	dp := NewSwitchDatapath("dp1", nil, nil)
	a.AddDatapath(dp)
	a.AddPort(NewSwitchPort("sw1-p1", "dp1"))

	if len(dp.PortNames) != 1 || dp.PortNames[0] != "sw1-p1" {
		t.Fatalf("expected port to be appended to datapath's port list, got %v", dp.PortNames)
	}
}

func TestResolvePeersSymmetric(t *testing.T) {
	a := NewArena()
	dpSw := NewSwitchDatapath("dp-sw", nil, nil)
	dpRtr := NewRouterDatapath("dp-rtr", true)
	a.AddDatapath(dpSw)
	a.AddDatapath(dpRtr)

	swPort := NewSwitchPort("sw-to-rtr", "dp-sw")
	swPort.Type = "router"
	swPort.PeerName = "rtr-to-sw"
	rtrPort := NewRouterPort("rtr-to-sw", "dp-rtr", nil, nil)
	rtrPort.PeerName = "sw-to-rtr"

	a.AddPort(swPort)
	a.AddPort(rtrPort)

	if errs := a.ResolvePeers(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	peer, ok := a.Peer(swPort)
	if !ok || peer.Name != "rtr-to-sw" {
		t.Fatalf("expected peer lookup to resolve, got %v ok=%v", peer, ok)
	}
	if !swPort.IsPeerOf(rtrPort) {
		t.Fatalf("expected IsPeerOf to report symmetric peering")
	}
}

func TestResolvePeersDetectsAsymmetryAndDangling(t *testing.T) {
	a := NewArena()
	dp := NewSwitchDatapath("dp1", nil, nil)
	a.AddDatapath(dp)

	p1 := NewSwitchPort("p1", "dp1")
	p1.PeerName = "p2"
	p2 := NewSwitchPort("p2", "dp1")
	// p2 does NOT point back at p1: asymmetric.
	p3 := NewSwitchPort("p3", "dp1")
	p3.PeerName = "does-not-exist"

	a.AddPort(p1)
	a.AddPort(p2)
	a.AddPort(p3)

	errs := a.ResolvePeers()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors (asymmetric + dangling), got %d: %v", len(errs), errs)
	}
}

func TestEffectiveAddressesFoldsRouterPeerNetworks(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	_, cidr, _ := net.ParseCIDR("10.0.0.1/24")
	cidr.IP = net.ParseIP("10.0.0.1")
	rtrPort := NewRouterPort("rtr-to-sw", "dp-rtr", mac, []*net.IPNet{cidr})

	swPort := NewSwitchPort("sw-to-rtr", "dp-sw")
	swPort.Type = "router"

	eff := swPort.EffectiveAddresses(rtrPort)
	if len(eff) != 1 || eff[0].MAC.String() != mac.String() {
		t.Fatalf("expected peer's MAC/network folded in, got %+v", eff)
	}
}

func TestPortGroupAddressSetNames(t *testing.T) {
	g := NewPortGroup("pg1")
	v4, v6 := g.AddressSetNames()
	if v4 != "pg1_ip4" || v6 != "pg1_ip6" {
		t.Fatalf("unexpected address set names: %s %s", v4, v6)
	}
}

func TestPortGroupIPv4Addresses(t *testing.T) {
	g := NewPortGroup("pg1")
	g.AddMember("p1")
	g.AddMember("p2")

	addrs := map[string][]Address{
		"p1": {{IPs: []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("2001:db8::1")}}},
		"p2": {{IPs: []net.IP{net.ParseIP("10.0.0.2")}}},
	}
	got := g.IPv4Addresses(func(port string) []Address { return addrs[port] })
	if len(got) != 2 {
		t.Fatalf("expected 2 ipv4 addresses, got %v", got)
	}
}

func TestHAChassisGroupActivePrefersHighestPriority(t *testing.T) {
	g := NewHAChassisGroup("ha1")
	g.AddMember("chassis-b", 10)
	g.AddMember("chassis-a", 20)
	if got := g.Active(); got != "chassis-a" {
		t.Fatalf("expected chassis-a (priority 20) to be active, got %s", got)
	}
}

func TestFromGatewayChassisListAssignsDescendingPriority(t *testing.T) {
	g := FromGatewayChassisList("ha2", []string{"c1", "c2", "c3"})
	if got := g.Active(); got != "c1" {
		t.Fatalf("expected first listed chassis c1 to win, got %s", got)
	}
}

func TestMulticastGroupAddMemberDedups(t *testing.T) {
	mg := NewMulticastGroup("dp1", MulticastFloodName, MulticastFloodKey)
	mg.AddMember("p1")
	mg.AddMember("p1")
	mg.AddMember("p2")
	if len(mg.Members) != 2 {
		t.Fatalf("expected 2 unique members, got %v", mg.Members)
	}
}

func TestIGMPAggregatorUnionsAcrossChassis(t *testing.T) {
	agg := NewIGMPAggregator("dp1", "239.1.1.1")
	agg.AddEntry("chassis-a", []string{"p1", "p2"})
	agg.AddEntry("chassis-b", []string{"p2", "p3"})

	got := agg.AggregatedPorts()
	if len(got) != 3 {
		t.Fatalf("expected 3 unique ports across chassis, got %v", got)
	}
}

func TestIGMPAggregatorAllocateKeyOnce(t *testing.T) {
	agg := NewIGMPAggregator("dp1", "239.1.1.1")
	calls := 0
	alloc := fakeAllocator{fn: func() uint32 { calls++; return 40000 }}
	agg.AllocateKey(alloc)
	agg.AllocateKey(alloc)
	if calls != 1 {
		t.Fatalf("expected allocation to happen exactly once, got %d calls", calls)
	}
	if agg.Key != 40000 {
		t.Fatalf("expected key 40000, got %d", agg.Key)
	}
}

type fakeAllocator struct{ fn func() uint32 }

func (f fakeAllocator) Allocate() uint32 { return f.fn() }
