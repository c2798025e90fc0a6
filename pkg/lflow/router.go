package lflow

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/ipam"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/stage"
)

// Registers used across the router pipeline. Real OVN spreads NAT/
// redirect bookkeeping across several xxreg/reg bits; this translator
// only needs the ones the flow text below actually references.
const (
	regbitNatRedirect    = "reg9[0]"
	regbitDistributedNAT = "reg9[1]"
	regbitLookupResult   = "reg9[2]"
	regbitNDRAOpts       = "reg9[3]"
)

// BuildRouterPipeline builds the router ingress and egress pipelines
// for one logical-router datapath: NAT and LB rows
// are dereferenced once up front, then each stage builder runs in
// pipeline order, mirroring BuildSwitchPipeline's shape in switch.go.
func BuildRouterPipeline(ctx context.Context, nb dbase.Snapshot, arena *model.Arena, dp *model.Datapath, set *Set) error {
	ports := routerPorts(arena, dp)

	natRows, err := routerNAT(ctx, nb, dp.UUID)
	if err != nil {
		return err
	}
	vips, err := routerVIPs(ctx, nb, dp.UUID)
	if err != nil {
		return err
	}

	buildAdmission(dp, ports, set)
	buildNeighborLearning(set, dp)
	if err := buildIPInput(dp, arena, ports, set); err != nil {
		return err
	}
	buildDefragPassthrough(dp, set)
	buildRouterLB(dp, vips, set)
	buildNAT(dp, arena, ports, natRows, set)
	buildNDRA(dp, ports, set)

	buildIPRouting(ctx, nb, dp, arena, ports, natRows, set)
	if err := buildPolicy(ctx, nb, dp, set); err != nil {
		return err
	}
	buildArpResolve(dp, arena, ports, set)
	buildPktLen(dp, ports, set)
	buildGwRedirect(dp, natRows, set)
	if err := buildArpRequest(ctx, nb, dp, set); err != nil {
		return err
	}

	buildEgrLoop(dp, natRows, set)
	buildDelivery(dp, ports, set)
	return nil
}

// routerVIPs collects the load-balancer VIPs the router's own
// load_balancer column references. Load balancing on a router is only
// meaningful on a centralized gateway router, where all traffic
// traverses one chassis and conntrack state is local.
func routerVIPs(ctx context.Context, nb dbase.Snapshot, routerUUID string) ([]lbVIP, error) {
	row, ok, err := nb.Row(ctx, nbdb.TableLogicalRouter, routerUUID)
	if err != nil || !ok {
		return nil, err
	}
	refs := getStringSlice(row.Fields, "load_balancer")
	if len(refs) == 0 {
		return nil, nil
	}
	rows, err := nb.Rows(ctx, nbdb.TableLoadBalancer)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]dbase.Row, len(rows))
	for _, r := range rows {
		byUUID[r.UUID] = r
	}
	var out []lbVIP
	for _, ref := range refs {
		if r, ok := byUUID[ref]; ok {
			out = append(out, parseVIPs(r)...)
		}
	}
	return out, nil
}

// buildRouterLB implements load balancing on a gateway router: VIP
// traffic is defragged in defrag, then translated to a backend in dnat
// at 120 (VIP with port) or 110 (without), with established traffic
// re-translated at 100.
func buildRouterLB(dp *model.Datapath, vips []lbVIP, set *Set) {
	if len(vips) == 0 || !dp.GatewayRouter {
		return
	}
	defragSt := stage.Find(stage.Router, stage.Ingress, "defrag")
	dnatSt := stage.Find(stage.Router, stage.Ingress, "dnat")

	for _, v := range vips {
		fam := "ip4"
		if net.ParseIP(v.ip).To4() == nil {
			fam = "ip6"
		}
		set.AddStage(defragSt, dp.UUID, 100, fmt.Sprintf("ip && %s.dst == %s", fam, v.ip), "ct_next;")
		if v.port != "" {
			set.AddStage(dnatSt, dp.UUID, 120,
				fmt.Sprintf("ct.new && %s.dst == %s && %s.dst == %s", fam, v.ip, v.protocol, v.port),
				fmt.Sprintf("ct_lb(%s);", v.backends))
		} else {
			set.AddStage(dnatSt, dp.UUID, 110,
				fmt.Sprintf("ct.new && %s.dst == %s", fam, v.ip),
				fmt.Sprintf("ct_lb(%s);", v.backends))
		}
	}
	set.AddStage(dnatSt, dp.UUID, 100, "ct.est && !ct.rel && !ct.new && !ct.inv", "ct_dnat;")
}

// buildNDRA implements nd_ra_options/nd_ra_response for router ports
// with ipv6_ra_configs set: router solicitations get options stamped
// via put_nd_ra_opts, then a router advertisement is synthesized back
// out the ingress port.
func buildNDRA(dp *model.Datapath, ports []*model.Port, set *Set) {
	optSt := stage.Find(stage.Router, stage.Ingress, "nd_ra_options")
	rspSt := stage.Find(stage.Router, stage.Ingress, "nd_ra_response")
	set.AddStage(optSt, dp.UUID, 0, "1", "next;")
	set.AddStage(rspSt, dp.UUID, 0, "1", "next;")

	for _, p := range ports {
		if len(p.Ipv6RAConfigs) == 0 || p.RouterMAC == nil {
			continue
		}
		addrMode := p.Ipv6RAConfigs["address_mode"]
		if addrMode == "" {
			continue
		}

		var v6prefixes []string
		for _, n := range p.Networks {
			if n.IP.To4() == nil {
				v6prefixes = append(v6prefixes, n.String())
			}
		}
		if len(v6prefixes) == 0 {
			continue
		}

		opts := fmt.Sprintf("addr_mode = %q, slla = %s", addrMode, p.RouterMAC)
		if mtu := p.Ipv6RAConfigs["mtu"]; mtu != "" {
			opts += fmt.Sprintf(", mtu = %s", mtu)
		}
		for _, prefix := range v6prefixes {
			opts += fmt.Sprintf(", prefix = %s", prefix)
		}

		linkLocal := ipam.EUI64(linkLocalPrefix(), p.RouterMAC)
		match := fmt.Sprintf("inport == %q && ip6.dst == ff02::2 && nd_rs", p.Name)
		set.AddStage(optSt, dp.UUID, 50, match,
			fmt.Sprintf("%s = put_nd_ra_opts(%s); next;", regbitNDRAOpts, opts))
		set.AddStage(rspSt, dp.UUID, 50,
			fmt.Sprintf("inport == %q && ip6.dst == ff02::2 && nd_ra && %s", p.Name, regbitNDRAOpts),
			fmt.Sprintf("eth.dst = eth.src; eth.src = %s; ip6.dst = ip6.src; ip6.src = %s; "+
				"outport = inport; flags.loopback = 1; output;", p.RouterMAC, linkLocal))
	}
}

// routerPorts returns the in-memory ports belonging to dp, skipping
// names that failed to resolve (shouldn't happen once the arena is
// fully joined, but the switch-side builders tolerate it too).
func routerPorts(arena *model.Arena, dp *model.Datapath) []*model.Port {
	out := make([]*model.Port, 0, len(dp.PortNames))
	for _, name := range dp.PortNames {
		if p, ok := arena.Port(name); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isDGP(dp *model.Datapath, p *model.Port) bool {
	return dp.DistributedGatewayPort == p.Name
}

// isChassisResidentClause returns the is_chassis_resident(...) guard a
// rule targeting the distributed-gateway instance should carry, or ""
// when the router has no redirect port. A rule targeting the
// distributed-gateway instance carries exactly one such clause.
func isChassisResidentClause(dp *model.Datapath) string {
	if dp.RedirectPort == "" {
		return ""
	}
	return fmt.Sprintf("is_chassis_resident(%q)", dp.RedirectPort)
}

// andClauses joins non-empty match fragments with "&&", deduplicating
// any is_chassis_resident(...) clause that would otherwise appear
// twice.
func andClauses(parts ...string) string {
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "is_chassis_resident(") {
			if seen[p] {
				continue
			}
			seen[p] = true
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return "1"
	}
	return strings.Join(out, " && ")
}

// buildAdmission implements the admission stage: priority-100 drops for
// VLAN-tagged/multicast-source frames, priority-50 per-port allow, with
// the distributed-gateway-port destination-MAC form further constrained
// by is_chassis_resident.
func buildAdmission(dp *model.Datapath, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Router, stage.Ingress, "admission")
	set.AddStage(st, dp.UUID, 100, "vlan.present", "drop;")
	set.AddStage(st, dp.UUID, 100, "eth.src[40]", "drop;")

	for _, p := range ports {
		if p.RouterMAC == nil {
			continue
		}
		dstMatch := fmt.Sprintf("(eth.mcast || eth.dst == %s)", p.RouterMAC)
		if isDGP(dp, p) {
			dstMatch = andClauses(dstMatch, isChassisResidentClause(dp))
		}
		match := fmt.Sprintf("inport == %q && %s", p.Name, dstMatch)
		set.AddStage(st, dp.UUID, 50, match, "next;")
	}
}

// buildNeighborLearning implements lookup_neighbor/learn_neighbor:
// priority-100 lookups for ARP replies and ND advertisement/
// solicitation, priority-90 learn-on-miss.
func buildNeighborLearning(set *Set, dp *model.Datapath) {
	lookup := stage.Find(stage.Router, stage.Ingress, "lookup_neighbor")
	learn := stage.Find(stage.Router, stage.Ingress, "learn_neighbor")

	for _, m := range []string{"arp.op == 2", "nd_na", "nd_ns"} {
		set.AddStage(lookup, dp.UUID, 100, m, fmt.Sprintf("%s = lookup_arp(inport, arp.spa, arp.sha); next;", regbitLookupResult))
	}
	set.AddStage(learn, dp.UUID, 90, fmt.Sprintf("%s == 0", regbitLookupResult), "put_arp(inport, arp.spa, arp.sha); next;")
	set.AddStage(lookup, dp.UUID, 0, "1", "next;")
	set.AddStage(learn, dp.UUID, 0, "1", "next;")
}

// buildIPInput implements the ip_input stage's L3 admission, per-port
// self-IP responders, and the NAT-external-IP responders.
func buildIPInput(dp *model.Datapath, arena *model.Arena, ports []*model.Port, set *Set) error {
	st := stage.Find(stage.Router, stage.Ingress, "ip_input")

	set.AddStage(st, dp.UUID, 100, "ip4.src == 127.0.0.0/8 || ip6.src == ::1", "drop;")
	set.AddStage(st, dp.UUID, 100, "ip4.src == 0.0.0.0/8", "drop;")
	set.AddStage(st, dp.UUID, 100, "ip4.dst == 255.255.255.255", "drop;")
	if !dp.RouterMulticastRelay {
		set.AddStage(st, dp.UUID, 100, "ip4.mcast || ip6.mcast", "drop;")
	}
	set.AddStage(st, dp.UUID, 100, "ip4 && ip.ttl == {0, 1}", "drop;")
	set.AddStage(st, dp.UUID, 80, "arp || nd", "drop;")

	for _, p := range ports {
		if p.Derived {
			continue
		}
		for _, n := range p.Networks {
			ip := n.IP
			if ip.To4() != nil {
				// ARP requests and ICMP echoes for the port's own address
				// are answered in place.
				arpMatch := fmt.Sprintf("inport == %q && arp.tpa == %s && arp.op == 1", p.Name, ip)
				arpActions := fmt.Sprintf("eth.dst = eth.src; eth.src = %s; arp.op = 2; arp.tha = arp.sha; "+
					"arp.sha = %s; arp.tpa = arp.spa; arp.spa = %s; outport = inport; flags.loopback = 1; output;",
					p.RouterMAC, p.RouterMAC, ip)
				set.AddStage(st, dp.UUID, 90, arpMatch, arpActions)

				echo := fmt.Sprintf("inport == %q && ip4.dst == %s && icmp4.type == 8 && icmp4.code == 0", p.Name, ip)
				set.AddStage(st, dp.UUID, 90, echo,
					"ip4.dst <-> ip4.src; ip.ttl = 255; icmp4.type = 0; flags.loopback = 1; next;")

				set.AddStage(st, dp.UUID, 40,
					fmt.Sprintf("inport == %q && ip4 && ip.ttl == {0, 1} && !ip.later_frag", p.Name),
					fmt.Sprintf("icmp4 { eth.dst = eth.src; icmp4.type = 11; icmp4.code = 0; "+
						"ip4.dst = ip4.src; ip4.src = %s; ip.ttl = 255; next; };", ip))

				if dp.GatewayRouter {
					// Gateway routers refuse connections to their own IPs
					// rather than silently dropping them.
					set.AddStage(st, dp.UUID, 80,
						fmt.Sprintf("ip4.dst == %s && !ip.later_frag && tcp", ip), "tcp_reset { eth.dst <-> eth.src; ip4.dst <-> ip4.src; next; };")
					set.AddStage(st, dp.UUID, 80,
						fmt.Sprintf("ip4.dst == %s && !ip.later_frag && udp", ip),
						"icmp4 { eth.dst <-> eth.src; ip4.dst <-> ip4.src; icmp4.type = 3; icmp4.code = 3; next; };")
					set.AddStage(st, dp.UUID, 70,
						fmt.Sprintf("ip4.dst == %s && !ip.later_frag", ip),
						"icmp4 { eth.dst <-> eth.src; ip4.dst <-> ip4.src; icmp4.type = 3; icmp4.code = 2; next; };")
				}

				set.AddStage(st, dp.UUID, 60, fmt.Sprintf("ip4.dst == %s", ip), "drop;")
			} else {
				echo := fmt.Sprintf("inport == %q && ip6.dst == %s && icmp6.type == 128 && icmp6.code == 0", p.Name, ip)
				set.AddStage(st, dp.UUID, 90, echo,
					"ip6.dst <-> ip6.src; ip.ttl = 255; icmp6.type = 129; flags.loopback = 1; next;")
				set.AddStage(st, dp.UUID, 60, fmt.Sprintf("ip6.dst == %s", ip), "drop;")
			}
		}
	}
	return nil
}

// buildDefragPassthrough seeds defrag/unsnat/dnat/undnat/snat's default
// permit-by-default priority-0 rule; buildNAT layers the per-rule
// priorities on top in the same stages.
func buildDefragPassthrough(dp *model.Datapath, set *Set) {
	for _, name := range []string{"defrag", "unsnat", "dnat"} {
		set.AddStage(stage.Find(stage.Router, stage.Ingress, name), dp.UUID, 0, "1", "next;")
	}
	for _, name := range []string{"undnat", "snat"} {
		set.AddStage(stage.Find(stage.Router, stage.Egress, name), dp.UUID, 0, "1", "next;")
	}
}

// natRow is the subset of an nbdb.NAT row the router pipeline cares
// about, resolved once per call instead of re-walking row.Fields maps.
type natRow struct {
	uuid        string
	kind        string // "snat", "dnat", "dnat_and_snat"
	externalIP  net.IP
	logicalIP   *net.IPNet
	logicalPort string
	externalMAC net.HardwareAddr
	stateless   bool
}

func routerNAT(ctx context.Context, nb dbase.Snapshot, routerUUID string) ([]natRow, error) {
	routers, err := nb.Rows(ctx, nbdb.TableLogicalRouter)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range routers {
		if r.UUID == routerUUID {
			names = getStringSlice(r.Fields, "nat")
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	natRows, err := nb.Rows(ctx, nbdb.TableNAT)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]dbase.Row, len(natRows))
	for _, r := range natRows {
		byUUID[r.UUID] = r
	}

	out := make([]natRow, 0, len(names))
	for _, name := range names {
		row, ok := byUUID[name]
		if !ok {
			continue
		}
		ext := net.ParseIP(getString(row.Fields, "external_ip"))
		if ext == nil {
			continue
		}
		logical := parseLogicalIP(getString(row.Fields, "logical_ip"))
		opts := getStringMap(row.Fields, "options")
		n := natRow{
			uuid:        row.UUID,
			kind:        getString(row.Fields, "type"),
			externalIP:  ext,
			logicalIP:   logical,
			logicalPort: getString(row.Fields, "logical_port"),
			stateless:   opts["stateless"] == "true",
		}
		if mac := getString(row.Fields, "external_mac"); mac != "" {
			n.externalMAC, _ = net.ParseMAC(mac)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseLogicalIP(s string) *net.IPNet {
	if s == "" {
		return nil
	}
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil
		}
		return n
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	bitsLen := 32
	if ip.To4() == nil {
		bitsLen = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bitsLen, bitsLen)}
}

// buildNAT layers the per-rule dnat/unsnat/undnat/snat flows over the
// permit-by-default stages, including distributed-NAT's
// redirect bookkeeping and ip_input's NAT-external-IP ARP responders
// (IPv4 only; no ND responder is emitted for IPv6 external IPs).
func buildNAT(dp *model.Datapath, arena *model.Arena, ports []*model.Port, nats []natRow, set *Set) {
	ipInput := stage.Find(stage.Router, stage.Ingress, "ip_input")
	dnatSt := stage.Find(stage.Router, stage.Ingress, "dnat")
	unsnatSt := stage.Find(stage.Router, stage.Ingress, "unsnat")
	undnatSt := stage.Find(stage.Router, stage.Egress, "undnat")
	snatSt := stage.Find(stage.Router, stage.Egress, "snat")

	resident := isChassisResidentClause(dp)
	distributed := dp.DistributedGatewayPort != "" && !dp.GatewayRouter

	for _, n := range nats {
		fam := "ip4"
		if n.externalIP.To4() == nil {
			fam = "ip6"
		}
		// NAT external-IP ARP responder, from ip_input: source MAC
		// comes from the NAT row's external_mac when set, from the
		// router port otherwise.
		mac := n.externalMAC
		if mac == nil {
			if p := gatewayPortOf(dp, ports); p != nil {
				mac = p.RouterMAC
			}
		}
		if mac != nil && fam == "ip4" {
			match := fmt.Sprintf("arp.tpa == %s && arp.op == 1", n.externalIP)
			actions := fmt.Sprintf("eth.dst = eth.src; eth.src = %s; arp.op = 2; arp.tha = arp.sha; arp.sha = %s; "+
				"arp.tpa = arp.spa; arp.spa = %s; outport = inport; flags.loopback = 1; output;", mac, mac, n.externalIP)
			set.AddStage(ipInput, dp.UUID, 90, match, actions)
		}

		if n.kind == "dnat" || n.kind == "dnat_and_snat" {
			match := fmt.Sprintf("ip4.dst == %s", n.externalIP)
			actions := "flags.loopback = 1; ct_dnat(" + n.logicalIPString() + ");"
			if n.stateless {
				actions = fmt.Sprintf("ip4.dst = %s; next;", n.logicalIPString())
			}
			set.AddStage(dnatSt, dp.UUID, 100, match, actions)

			if distributed {
				// Non-dgw-ingress of the same destination flags the
				// packet for later redirect to the chassis holding the
				// distributed gateway port.
				set.AddStage(dnatSt, dp.UUID, 50, match, fmt.Sprintf("%s = 1; next;", regbitNatRedirect))
			}

			undnatMatch := fmt.Sprintf("ip4.src == %s", n.logicalIPString())
			if distributed && n.logicalPort != "" {
				// A distributed NAT runs on whatever chassis hosts the
				// bound logical port, not the redirect chassis.
				undnatMatch = andClauses(undnatMatch,
					fmt.Sprintf("outport == %q", dp.DistributedGatewayPort),
					fmt.Sprintf("is_chassis_resident(%q)", n.logicalPort))
			} else if n.logicalPort != "" {
				undnatMatch = andClauses(undnatMatch, fmt.Sprintf("outport == %q", dp.DistributedGatewayPort), resident)
			}
			undnatActions := "ct_dnat;"
			if n.externalMAC != nil {
				undnatActions = fmt.Sprintf("eth.src = %s; ct_dnat;", n.externalMAC)
			}
			set.AddStage(undnatSt, dp.UUID, 100, undnatMatch, undnatActions)
		}

		if n.kind == "snat" || n.kind == "dnat_and_snat" {
			plen := maskBits(n.logicalIP)
			priority := plen + 1
			match := fmt.Sprintf("ip4.src == %s && outport == %q", n.logicalIPString(), egressPortName(dp, ports))
			actions := fmt.Sprintf("ct_snat(%s);", n.externalIP)
			if n.stateless {
				actions = fmt.Sprintf("ip4.src = %s; next;", n.externalIP)
			}
			if distributed {
				priority += 128
				guard := resident
				if n.externalMAC != nil && n.logicalPort != "" {
					guard = fmt.Sprintf("is_chassis_resident(%q)", n.logicalPort)
				}
				match = andClauses(match, guard)
			}
			set.AddStage(snatSt, dp.UUID, priority, match, actions)

			unsnatMatch := fmt.Sprintf("ip4.dst == %s", n.externalIP)
			set.AddStage(unsnatSt, dp.UUID, 100, unsnatMatch, "ct_snat;")
		}
	}
}

func (n natRow) logicalIPString() string {
	if n.logicalIP == nil {
		return ""
	}
	ones, size := n.logicalIP.Mask.Size()
	if ones == size {
		return n.logicalIP.IP.String()
	}
	return n.logicalIP.String()
}

func maskBits(n *net.IPNet) int {
	if n == nil {
		return 0
	}
	ones, _ := n.Mask.Size()
	return ones
}

func gatewayPortOf(dp *model.Datapath, ports []*model.Port) *model.Port {
	for _, p := range ports {
		if p.Name == dp.DistributedGatewayPort {
			return p
		}
	}
	if len(ports) > 0 {
		return ports[0]
	}
	return nil
}

func egressPortName(dp *model.Datapath, ports []*model.Port) string {
	if dp.DistributedGatewayPort != "" {
		return dp.DistributedGatewayPort
	}
	if len(ports) > 0 {
		return ports[0].Name
	}
	return ""
}

// buildIPRouting implements ip_routing: longest-prefix-match rules per
// connected network (priority 2*plen(+1) for dst/src) and static
// routes.
func buildIPRouting(ctx context.Context, nb dbase.Snapshot, dp *model.Datapath, arena *model.Arena, ports []*model.Port, nats []natRow, set *Set) {
	st := stage.Find(stage.Router, stage.Ingress, "ip_routing")

	for _, p := range ports {
		for _, n := range p.Networks {
			plen := maskBits(n)
			dstMatch := fmt.Sprintf("ip4.dst == %s", n)
			set.AddStage(st, dp.UUID, 2*plen+1, dstMatch, fmt.Sprintf("outport = %q; eth.src = %s; next;", p.Name, p.RouterMAC))
			srcMatch := fmt.Sprintf("ip4.src == %s && outport == %q", n, p.Name)
			set.AddStage(st, dp.UUID, 2*plen, srcMatch, "next;")
		}
	}

	routers, err := nb.Rows(ctx, nbdb.TableLogicalRouter)
	if err == nil {
		var routeNames []string
		for _, r := range routers {
			if r.UUID == dp.UUID {
				routeNames = getStringSlice(r.Fields, "static_routes")
			}
		}
		if len(routeNames) > 0 {
			routeRows, err := nb.Rows(ctx, nbdb.TableLogicalRouterStaticRoute)
			if err == nil {
				byUUID := make(map[string]dbase.Row, len(routeRows))
				for _, r := range routeRows {
					byUUID[r.UUID] = r
				}
				for _, name := range routeNames {
					row, ok := byUUID[name]
					if !ok {
						continue
					}
					prefix := parseLogicalIP(getString(row.Fields, "ip_prefix"))
					nexthop := getString(row.Fields, "nexthop")
					if prefix == nil || nexthop == "" {
						continue
					}
					plen := maskBits(prefix)
					match := fmt.Sprintf("ip4.dst == %s", prefix)
					set.AddStage(st, dp.UUID, 2*plen+1, match, fmt.Sprintf("ip.ttl--; reg8[0..15] = 0; reg0 = %s; next;", nexthop))
				}
			}
		}
	}

	if dp.RouterMulticastRelay {
		for _, g := range arena.MulticastGroupsFor(dp.UUID) {
			set.AddStage(st, dp.UUID, 500, fmt.Sprintf("ip4.dst == %s", g.Name), fmt.Sprintf("outport = %q; next;", g.Name))
		}
		set.AddStage(st, dp.UUID, 450, "ip4.mcast", "flood_remote;")
	}

	// Distributed dnat_and_snat floating IPs are pre-routed out the
	// distributed gateway port before the longest-prefix-match rules
	// run, so chassis-local NAT hairpins take the gateway path.
	if dp.DistributedGatewayPort != "" && !dp.GatewayRouter {
		for _, n := range nats {
			if n.kind != "dnat_and_snat" || n.externalMAC == nil || n.logicalPort == "" {
				continue
			}
			set.AddStage(st, dp.UUID, 400,
				fmt.Sprintf("ip4.src == %s", n.logicalIPString()),
				fmt.Sprintf("%s = 1; outport = %q; next;", regbitDistributedNAT, dp.DistributedGatewayPort))
		}
	}

	set.AddStage(st, dp.UUID, 0, "1", "drop;")
}

// buildPolicy implements the policy stage: northbound routing policies
// honored at their own priority, reroute actions setting reg0/outport.
func buildPolicy(ctx context.Context, nb dbase.Snapshot, dp *model.Datapath, set *Set) error {
	st := stage.Find(stage.Router, stage.Ingress, "policy")
	set.AddStage(st, dp.UUID, 0, "1", "next;")

	routers, err := nb.Rows(ctx, nbdb.TableLogicalRouter)
	if err != nil {
		return err
	}
	var names []string
	for _, r := range routers {
		if r.UUID == dp.UUID {
			names = getStringSlice(r.Fields, "policies")
		}
	}
	if len(names) == 0 {
		return nil
	}
	policyRows, err := nb.Rows(ctx, nbdb.TableLogicalRouterPolicy)
	if err != nil {
		return err
	}
	byUUID := make(map[string]dbase.Row, len(policyRows))
	for _, r := range policyRows {
		byUUID[r.UUID] = r
	}
	for _, name := range names {
		row, ok := byUUID[name]
		if !ok {
			continue
		}
		priority := getInt(row.Fields, "priority")
		match := getString(row.Fields, "match")
		action := getString(row.Fields, "action")
		nexthops := getStringSlice(row.Fields, "nexthops")

		var actions string
		switch action {
		case "drop":
			actions = "drop;"
		case "reroute":
			if len(nexthops) > 0 {
				actions = fmt.Sprintf("reg8[0..15] = 0; reg0 = %s; next;", nexthops[0])
			} else {
				actions = "next;"
			}
		default: // "allow"
			actions = "next;"
		}
		set.AddStage(st, dp.UUID, priority, match, actions)
	}
	return nil
}

// buildArpResolve implements arp_resolve: priority-500 multicast,
// priority-100 per connected-network peer address resolution
// (including virtual-port MAC lookups), priority-0 default get_arp/
// get_nd.
func buildArpResolve(dp *model.Datapath, arena *model.Arena, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Router, stage.Ingress, "arp_resolve")
	set.AddStage(st, dp.UUID, 500, "ip4.mcast || ip6.mcast", "next;")

	for _, p := range ports {
		if p.PeerName == "" {
			continue
		}
		peer, ok := arena.Port(p.PeerName)
		if !ok {
			continue
		}
		for _, a := range peer.Addresses {
			mac := a.MAC
			if peer.Type == "virtual" {
				// A virtual port's MAC comes from whichever parent has
				// currently claimed it; until claimed it resolves to
				// the zero MAC rather than failing the lookup.
				if mac == nil {
					mac = net.HardwareAddr{0, 0, 0, 0, 0, 0}
				}
			}
			if mac == nil {
				continue
			}
			for _, ip := range a.IPs {
				match := fmt.Sprintf("outport == %q && reg0 == %s", p.Name, ip)
				set.AddStage(st, dp.UUID, 100, match, fmt.Sprintf("eth.dst = %s; next;", mac))
			}
		}
	}

	set.AddStage(st, dp.UUID, 0, "ip4", "get_arp(outport, reg0); next;")
	set.AddStage(st, dp.UUID, 0, "ip6", "get_nd(outport, xxreg0); next;")
}

// buildPktLen implements chk_pkt_len/larger_pkts for a distributed-
// gateway port with gateway_mtu set.
func buildPktLen(dp *model.Datapath, ports []*model.Port, set *Set) {
	chk := stage.Find(stage.Router, stage.Ingress, "chk_pkt_len")
	larger := stage.Find(stage.Router, stage.Ingress, "larger_pkts")
	set.AddStage(chk, dp.UUID, 0, "1", "next;")
	set.AddStage(larger, dp.UUID, 0, "1", "next;")

	for _, p := range ports {
		if !isDGP(dp, p) {
			continue
		}
		mtu := p.Options["gateway_mtu"]
		if mtu == "" {
			continue
		}
		match := fmt.Sprintf("outport == %q", p.Name)
		set.AddStage(chk, dp.UUID, 50, match, fmt.Sprintf("check_pkt_larger(%s) ? reg0[7] = 1 : next; next;", mtu))
		set.AddStage(larger, dp.UUID, 50, fmt.Sprintf("%s && reg0[7] == 1", match),
			fmt.Sprintf("icmp4 {icmp4.type = 3; icmp4.code = 4; icmp4.frag_mtu = %s; next; };", fragMTU(mtu)))
	}
}

func fragMTU(mtu string) string {
	return fmt.Sprintf("(%s - 18)", mtu)
}

// buildGwRedirect implements gw_redirect: distributed-NAT priority-100
// rules, the priority-50 outport rewrite to the redirect port, and the
// priority-150 early redirect for an unresolved destination MAC.
func buildGwRedirect(dp *model.Datapath, nats []natRow, set *Set) {
	st := stage.Find(stage.Router, stage.Ingress, "gw_redirect")
	if dp.RedirectPort == "" || dp.DistributedGatewayPort == "" {
		set.AddStage(st, dp.UUID, 0, "1", "next;")
		return
	}

	for _, n := range nats {
		if n.kind == "dnat" || n.kind == "dnat_and_snat" {
			match := fmt.Sprintf("ip4.dst == %s && outport == %q", n.externalIP, dp.DistributedGatewayPort)
			set.AddStage(st, dp.UUID, 100, match, fmt.Sprintf("outport = %q; next;", dp.RedirectPort))
		}
	}

	redirectMatch := fmt.Sprintf("outport == %q", dp.DistributedGatewayPort)
	set.AddStage(st, dp.UUID, 50, redirectMatch, fmt.Sprintf("outport = %q; next;", dp.RedirectPort))
	unresolvedMatch := andClauses(redirectMatch, "eth.dst == 00:00:00:00:00:00")
	set.AddStage(st, dp.UUID, 150, unresolvedMatch, fmt.Sprintf("outport = %q; next;", dp.RedirectPort))
	set.AddStage(st, dp.UUID, 0, "1", "next;")
}

// buildArpRequest implements arp_request: priority-200 ND solicitation
// for static-route next hops, priority-100 broadcast ARP/ND on
// unresolved MAC, priority-0 output.
func buildArpRequest(ctx context.Context, nb dbase.Snapshot, dp *model.Datapath, set *Set) error {
	st := stage.Find(stage.Router, stage.Ingress, "arp_request")

	routers, err := nb.Rows(ctx, nbdb.TableLogicalRouter)
	if err != nil {
		return err
	}
	var routeNames []string
	for _, r := range routers {
		if r.UUID == dp.UUID {
			routeNames = getStringSlice(r.Fields, "static_routes")
		}
	}
	if len(routeNames) > 0 {
		routeRows, err := nb.Rows(ctx, nbdb.TableLogicalRouterStaticRoute)
		if err == nil {
			byUUID := make(map[string]dbase.Row, len(routeRows))
			for _, r := range routeRows {
				byUUID[r.UUID] = r
			}
			for _, name := range routeNames {
				row, ok := byUUID[name]
				if !ok {
					continue
				}
				nexthop := getString(row.Fields, "nexthop")
				if nexthop == "" {
					continue
				}
				if ip := net.ParseIP(nexthop); ip != nil && ip.To4() == nil {
					match := fmt.Sprintf("reg0 == %s && eth.dst == 00:00:00:00:00:00", nexthop)
					set.AddStage(st, dp.UUID, 200, match, "put_nd(reg0, eth.src); nd_ns { eth.dst = 00:00:00:00:00:00; ip6.dst = ip6.dst; output; };")
				}
			}
		}
	}

	set.AddStage(st, dp.UUID, 100, "eth.dst == 00:00:00:00:00:00",
		"arp { eth.dst = ff:ff:ff:ff:ff:ff; arp.spa = reg1; arp.tpa = reg0; arp.op = 1; output; };")
	set.AddStage(st, dp.UUID, 0, "1", "output;")
	return nil
}

// egressLoopback clears conntrack, flags, reg0, reg1 and reg9, swaps the packet
// back to the ingress side of the same datapath, and re-runs the
// pipeline from table 0.
const egressLoopback = "ct_clear; inport = outport; outport = \"\"; flags = 0; flags.loopback = 1; " +
	"reg0 = 0; reg1 = 0; reg9 = 0; next(pipeline=ingress, table=0);"

// buildEgrLoop implements egr_loop: per-pair floating-IP hairpinning at
// 300/200 for distributed NATs, general egress loopback at 100.
func buildEgrLoop(dp *model.Datapath, nats []natRow, set *Set) {
	st := stage.Find(stage.Router, stage.Egress, "egr_loop")

	if dp.DistributedGatewayPort != "" && !dp.GatewayRouter {
		for _, n := range nats {
			if n.kind != "dnat_and_snat" || n.logicalPort == "" {
				continue
			}
			// Traffic from one floating IP to another on the same router
			// loops straight back into ingress on the sending chassis.
			set.AddStage(st, dp.UUID, 300,
				andClauses(fmt.Sprintf("ip4.dst == %s", n.externalIP),
					fmt.Sprintf("outport == %q", dp.DistributedGatewayPort),
					fmt.Sprintf("is_chassis_resident(%q)", n.logicalPort)),
				egressLoopback)
			set.AddStage(st, dp.UUID, 200,
				fmt.Sprintf("ip4.dst == %s && outport == %q", n.externalIP, dp.DistributedGatewayPort),
				fmt.Sprintf("%s = 1; next;", regbitNatRedirect))
		}
	}

	set.AddStage(st, dp.UUID, 100, fmt.Sprintf("%s == 1", regbitDistributedNAT), egressLoopback)
	set.AddStage(st, dp.UUID, 0, "1", "next;")
}

// buildDelivery implements delivery's two fixed priorities: multicast
// output with source-MAC rewrite, unicast output per enabled port.
func buildDelivery(dp *model.Datapath, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Router, stage.Egress, "delivery")
	for _, p := range ports {
		if !p.Enabled {
			continue
		}
		mcastMatch := fmt.Sprintf("outport == %q && eth.mcast", p.Name)
		set.AddStage(st, dp.UUID, 110, mcastMatch, fmt.Sprintf("eth.src = %s; output;", p.RouterMAC))
		set.AddStage(st, dp.UUID, 100, fmt.Sprintf("outport == %q", p.Name), "output;")
	}
}
