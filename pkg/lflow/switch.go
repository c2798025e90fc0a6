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

// swCtx gathers, once per switch, the northbound rows its pipeline
// builders consume: the switch's own row plus its dereferenced ACL,
// QoS, load-balancer, DNS, and DHCP option rows.
type swCtx struct {
	dp    *model.Datapath
	arena *model.Arena

	acls []dbase.Row
	qos  []dbase.Row
	vips []lbVIP

	// hasStatefulACL is true when any ACL's action is allow-related;
	// it gates the pre_acl conntrack marking and the fixed
	// highest-priority stateful rules.
	hasStatefulACL bool
	hasDNSRecords  bool

	dhcpByUUID map[string]dbase.Row
}

// lbVIP is one parsed load-balancer VIP: "ip" or "ip:port" mapped to
// its backend list.
type lbVIP struct {
	ip       string
	port     string
	protocol string
	backends string
}

// BuildSwitchPipeline builds the switch ingress and egress pipelines
// for one logical-switch datapath, appending every
// synthesized flow to set.
func BuildSwitchPipeline(ctx context.Context, nb dbase.Snapshot, arena *model.Arena, dp *model.Datapath, set *Set) error {
	sc, err := gatherSwitchContext(ctx, nb, arena, dp)
	if err != nil {
		return err
	}

	ports := switchPorts(arena, dp)

	buildPortSecL2(sc, ports, set)
	buildPortSecIPND(sc, ports, set)
	buildPreACL(sc, set)
	buildPreLB(sc, set)
	buildPreStateful(sc, set)
	buildACLStage(sc, ports, set)
	buildQoS(sc, set)
	buildSwitchLB(sc, set)
	buildStateful(sc, set)
	for _, p := range ports {
		buildArpNdResponder(sc, p, set)
		buildDHCP(sc, p, set)
	}
	buildDNSLookup(sc, set)
	buildExternalPort(sc, ports, set)
	buildL2Lookup(sc, ports, set)
	buildSwitchEgressPortSec(sc, ports, set)
	return nil
}

func gatherSwitchContext(ctx context.Context, nb dbase.Snapshot, arena *model.Arena, dp *model.Datapath) (*swCtx, error) {
	sc := &swCtx{dp: dp, arena: arena, dhcpByUUID: make(map[string]dbase.Row)}

	row, ok, err := nb.Row(ctx, nbdb.TableLogicalSwitch, dp.UUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return sc, nil
	}

	aclRefs := getStringSlice(row.Fields, "acls")
	if len(aclRefs) > 0 {
		rows, err := nb.Rows(ctx, nbdb.TableACL)
		if err != nil {
			return nil, err
		}
		byUUID := make(map[string]dbase.Row, len(rows))
		for _, r := range rows {
			byUUID[r.UUID] = r
		}
		for _, ref := range aclRefs {
			r, ok := byUUID[ref]
			if !ok {
				continue
			}
			sc.acls = append(sc.acls, r)
			if getString(r.Fields, "action") == "allow-related" {
				sc.hasStatefulACL = true
			}
		}
	}

	qosRefs := getStringSlice(row.Fields, "qos_rules")
	if len(qosRefs) > 0 {
		rows, err := nb.Rows(ctx, nbdb.TableQoS)
		if err != nil {
			return nil, err
		}
		byUUID := make(map[string]dbase.Row, len(rows))
		for _, r := range rows {
			byUUID[r.UUID] = r
		}
		for _, ref := range qosRefs {
			if r, ok := byUUID[ref]; ok {
				sc.qos = append(sc.qos, r)
			}
		}
	}

	lbRefs := getStringSlice(row.Fields, "load_balancer")
	if len(lbRefs) > 0 {
		rows, err := nb.Rows(ctx, nbdb.TableLoadBalancer)
		if err != nil {
			return nil, err
		}
		byUUID := make(map[string]dbase.Row, len(rows))
		for _, r := range rows {
			byUUID[r.UUID] = r
		}
		for _, ref := range lbRefs {
			if r, ok := byUUID[ref]; ok {
				sc.vips = append(sc.vips, parseVIPs(r)...)
			}
		}
	}

	for _, ref := range getStringSlice(row.Fields, "dns_records") {
		r, ok, err := nb.Row(ctx, nbdb.TableDNS, ref)
		if err != nil {
			return nil, err
		}
		if ok && len(getStringMap(r.Fields, "records")) > 0 {
			sc.hasDNSRecords = true
		}
	}

	dhcpRows, err := nb.Rows(ctx, nbdb.TableDHCPOptions)
	if err != nil {
		return nil, err
	}
	for _, r := range dhcpRows {
		sc.dhcpByUUID[r.UUID] = r
	}

	return sc, nil
}

// parseVIPs flattens one Load_Balancer row's vips map ("ip" or
// "ip:port" -> comma-joined backends) into lbVIP entries, sorted by
// key for deterministic flow output.
func parseVIPs(row dbase.Row) []lbVIP {
	vips := getStringMap(row.Fields, "vips")
	protocol := getString(row.Fields, "protocol")
	if protocol == "" {
		protocol = "tcp"
	}
	keys := make([]string, 0, len(vips))
	for k := range vips {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]lbVIP, 0, len(keys))
	for _, k := range keys {
		v := lbVIP{protocol: protocol, backends: vips[k]}
		if host, port, err := net.SplitHostPort(k); err == nil {
			v.ip, v.port = host, port
		} else {
			v.ip = k
		}
		if net.ParseIP(v.ip) == nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func switchPorts(arena *model.Arena, dp *model.Datapath) []*model.Port {
	out := make([]*model.Port, 0, len(dp.PortNames))
	for _, name := range dp.PortNames {
		if p, ok := arena.Port(name); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// buildPortSecL2 implements the port_sec_l2 ingress stage: priority-100
// drops for VLAN-tagged frames and multicast source MACs, then a
// priority-50 allow per enabled port constrained by its port-security
// MACs, with set_queue when a qdisc queue id is bound.
func buildPortSecL2(sc *swCtx, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Switch, stage.Ingress, "port_sec_l2")
	set.AddStage(st, sc.dp.UUID, 100, "vlan.present", "drop;")
	set.AddStage(st, sc.dp.UUID, 100, "eth.src[40]", "drop;")

	for _, p := range ports {
		if !p.Enabled || p.Derived {
			continue
		}
		match := fmt.Sprintf("inport == %q", p.Name)
		addrs := p.PortSecurity
		if len(addrs) == 0 {
			addrs = p.Addresses
		}
		if macs := macList(addrs); macs != "" && !p.UnknownAddress {
			match += " && eth.src == {" + macs + "}"
		}
		actions := "next;"
		if q := p.Options["qdisc_queue_id"]; q != "" {
			actions = fmt.Sprintf("set_queue(%s); next;", q)
		}
		set.AddStage(st, sc.dp.UUID, 50, match, actions)
	}
}

// buildPortSecIPND implements port_sec_ip and port_sec_nd: per
// port-security entry, priority-90 allows for known MAC/IPv4, MAC/IPv6,
// and ARP/ND bindings; priority-80 catch-all drops for ports that carry
// port security at all; priority-0 "next" defaults.
func buildPortSecIPND(sc *swCtx, ports []*model.Port, set *Set) {
	ipSt := stage.Find(stage.Switch, stage.Ingress, "port_sec_ip")
	ndSt := stage.Find(stage.Switch, stage.Ingress, "port_sec_nd")
	egrIP := stage.Find(stage.Switch, stage.Egress, "port_sec_ip")

	for _, p := range ports {
		if len(p.PortSecurity) == 0 {
			continue
		}
		for _, a := range p.PortSecurity {
			if a.MAC == nil {
				continue
			}
			set.AddStage(ndSt, sc.dp.UUID, 90,
				fmt.Sprintf("inport == %q && eth.src == %s && arp.sha == %s", p.Name, a.MAC, a.MAC), "next;")
			set.AddStage(ndSt, sc.dp.UUID, 90,
				fmt.Sprintf("inport == %q && eth.src == %s && nd.sll == {00:00:00:00:00:00, %s}", p.Name, a.MAC, a.MAC), "next;")
			for _, ip := range a.IPs {
				if ip.To4() != nil {
					m := fmt.Sprintf("inport == %q && eth.src == %s && ip4.src == {%s}", p.Name, a.MAC, ip)
					set.AddStage(ipSt, sc.dp.UUID, 90, m, "next;")
					set.AddStage(ipSt, sc.dp.UUID, 90,
						fmt.Sprintf("inport == %q && eth.src == %s && ip4.src == 0.0.0.0 && ip4.dst == 255.255.255.255 && udp.src == 68 && udp.dst == 67", p.Name, a.MAC), "next;")
					set.AddStage(egrIP, sc.dp.UUID, 90,
						fmt.Sprintf("outport == %q && eth.dst == %s && ip4.dst == {255.255.255.255, 224.0.0.0/4, %s}", p.Name, a.MAC, ip), "next;")
				} else {
					m := fmt.Sprintf("inport == %q && eth.src == %s && ip6.src == {%s}", p.Name, a.MAC, ip)
					set.AddStage(ipSt, sc.dp.UUID, 90, m, "next;")
					set.AddStage(egrIP, sc.dp.UUID, 90,
						fmt.Sprintf("outport == %q && eth.dst == %s && ip6.dst == {ff00::/8, %s}", p.Name, a.MAC, ip), "next;")
				}
			}
		}
		set.AddStage(ipSt, sc.dp.UUID, 80, fmt.Sprintf("inport == %q && ip", p.Name), "drop;")
		set.AddStage(ndSt, sc.dp.UUID, 80, fmt.Sprintf("inport == %q && (arp || nd)", p.Name), "drop;")
		set.AddStage(egrIP, sc.dp.UUID, 80, fmt.Sprintf("outport == %q && ip", p.Name), "drop;")
	}

	set.AddStage(ipSt, sc.dp.UUID, 0, "1", "next;")
	set.AddStage(ndSt, sc.dp.UUID, 0, "1", "next;")
	set.AddStage(egrIP, sc.dp.UUID, 0, "1", "next;")
}

// conntrack bypass for neighbor discovery and TCP resets, shared by
// pre_acl and pre_lb.
const ctBypassMatch = "nd || nd_rs || nd_ra || tcp.flags == 4"

// buildPreACL marks packets for conntrack when any ACL is stateful.
func buildPreACL(sc *swCtx, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		st := stage.Find(stage.Switch, pipe, "pre_acl")
		if sc.hasStatefulACL {
			set.AddStage(st, sc.dp.UUID, 110, ctBypassMatch, "next;")
			set.AddStage(st, sc.dp.UUID, 100, "ip", "reg0[0] = 1; next;")
		}
		set.AddStage(st, sc.dp.UUID, 0, "1", "next;")
	}
}

// buildPreLB marks load-balanced traffic for conntrack defrag.
func buildPreLB(sc *swCtx, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		st := stage.Find(stage.Switch, pipe, "pre_lb")
		if len(sc.vips) > 0 {
			set.AddStage(st, sc.dp.UUID, 110, ctBypassMatch, "next;")
			for _, v := range sc.vips {
				fam := "ip4"
				if net.ParseIP(v.ip).To4() == nil {
					fam = "ip6"
				}
				set.AddStage(st, sc.dp.UUID, 100,
					fmt.Sprintf("ip && %s.dst == %s", fam, v.ip), "reg0[0] = 1; next;")
			}
		}
		set.AddStage(st, sc.dp.UUID, 0, "1", "next;")
	}
}

// buildPreStateful sends conntrack-marked packets through ct_next.
func buildPreStateful(sc *swCtx, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		st := stage.Find(stage.Switch, pipe, "pre_stateful")
		set.AddStage(st, sc.dp.UUID, 100, "reg0[0] == 1", "ct_next;")
		set.AddStage(st, sc.dp.UUID, 0, "1", "next;")
	}
}

// buildACLStage translates northbound ACL rows at priority =
// acl.priority + 1000, with the stateful commit/established forms for
// allow-related, and seeds the fixed highest-priority stateful rules
// when any ACL is stateful.
func buildACLStage(sc *swCtx, ports []*model.Port, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		st := stage.Find(stage.Switch, pipe, "acl")
		if sc.hasStatefulACL {
			applyStatefulDefaults(sc.dp, st, set)
		}
		for _, row := range sc.acls {
			dir := getString(row.Fields, "direction")
			if (dir == "from-lport") != (pipe == stage.Ingress) {
				continue
			}
			buildOneACL(sc, st, row, set)
		}
		set.AddStage(st, sc.dp.UUID, 0, "1", "next;")
	}

	// DHCP server responses and local DNS replies bypass to-lport ACLs
	// at a fixed priority above any user rule.
	if sc.hasStatefulACL {
		egr := stage.Find(stage.Switch, stage.Egress, "acl")
		for _, p := range ports {
			if p.Dhcpv4Options != "" {
				set.AddStage(egr, sc.dp.UUID, 34000,
					fmt.Sprintf("outport == %q && ip4 && udp.src == 67 && udp.dst == 68", p.Name), "next;")
			}
			if p.Dhcpv6Options != "" {
				set.AddStage(egr, sc.dp.UUID, 34000,
					fmt.Sprintf("outport == %q && ip6 && udp.src == 547 && udp.dst == 546", p.Name), "next;")
			}
		}
		if sc.hasDNSRecords {
			set.AddStage(egr, sc.dp.UUID, 34000, "udp.src == 53", "next;")
		}
	}
}

func buildOneACL(sc *swCtx, st stage.Stage, row dbase.Row, set *Set) {
	priority := getInt(row.Fields, "priority") + 1000
	match := getString(row.Fields, "match")
	action := getString(row.Fields, "action")

	switch action {
	case "allow", "allow-stateless":
		if sc.hasStatefulACL && action == "allow" {
			// Even plain allows must commit when the datapath is
			// stateful, or returning traffic would hit the default drop.
			set.AddStage(st, sc.dp.UUID, priority, match, "reg0[1] = 1; next;")
			return
		}
		set.AddStage(st, sc.dp.UUID, priority, match, "next;")

	case "allow-related":
		commit := fmt.Sprintf("((ct.new && !ct.est) || (!ct.new && ct.est && !ct.rpl && ct_label.blocked == 1)) && (%s)", match)
		set.AddStage(st, sc.dp.UUID, priority, commit, "reg0[1] = 1; next;")
		est := fmt.Sprintf("!ct.new && ct.est && !ct.rpl && ct_label.blocked == 0 && (%s)", match)
		set.AddStage(st, sc.dp.UUID, priority, est, "next;")

	case "drop":
		if sc.hasStatefulACL {
			set.AddStage(st, sc.dp.UUID, priority,
				fmt.Sprintf("(!ct.est || (ct.est && ct_label.blocked == 1)) && (%s)", match), "drop;")
			set.AddStage(st, sc.dp.UUID, priority,
				fmt.Sprintf("ct.est && ct_label.blocked == 0 && (%s)", match),
				"ct_commit { ct_label.blocked = 1; }; drop;")
			return
		}
		set.AddStage(st, sc.dp.UUID, priority, match, "drop;")

	case "reject":
		set.AddStage(st, sc.dp.UUID, priority, fmt.Sprintf("tcp && (%s)", match),
			"tcp_reset { eth.dst <-> eth.src; ip4.dst <-> ip4.src; outport = inport; flags.loopback = 1; output; };")
		set.AddStage(st, sc.dp.UUID, priority, fmt.Sprintf("ip4 && !tcp && (%s)", match),
			"icmp4 { icmp4.type = 3; icmp4.code = 1; eth.dst <-> eth.src; ip4.dst <-> ip4.src; outport = inport; flags.loopback = 1; output; };")
		set.AddStage(st, sc.dp.UUID, priority, fmt.Sprintf("ip6 && !tcp && (%s)", match),
			"icmp6 { icmp6.type = 1; icmp6.code = 1; eth.dst <-> eth.src; ip6.dst <-> ip6.src; outport = inport; flags.loopback = 1; output; };")

	default:
		set.AddStage(st, sc.dp.UUID, priority, match, "next;")
	}
}

// applyStatefulDefaults seeds the five fixed highest-priority rules a
// stateful datapath always carries: drop invalid and reply-blocked
// traffic, allow replies and related packets of committed connections,
// and pass neighbor discovery untouched.
func applyStatefulDefaults(dp *model.Datapath, st stage.Stage, set *Set) {
	rules := []struct {
		match   string
		actions string
	}{
		{"ct.inv || (ct.est && ct.rpl && ct_label.blocked == 1)", "drop;"},
		{"ct.est && !ct.rel && !ct.new && !ct.inv && ct.rpl && ct_label.blocked == 0", "next;"},
		{"!ct.est && ct.rel && !ct.new && !ct.inv && ct_label.blocked == 0", "next;"},
		{"ct.est && !ct.rpl && ct_label.blocked == 1", "drop;"},
		{"nd || nd_ra || nd_rs", "next;"},
	}
	for _, r := range rules {
		set.AddStage(st, dp.UUID, 65535, r.match, r.actions)
	}
}

// buildQoS translates northbound QoS rows: dscp marking in qos_mark,
// rate limiting via set_meter in qos_meter.
func buildQoS(sc *swCtx, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		mark := stage.Find(stage.Switch, pipe, "qos_mark")
		meter := stage.Find(stage.Switch, pipe, "qos_meter")

		for _, row := range sc.qos {
			dir := getString(row.Fields, "direction")
			if (dir == "from-lport") != (pipe == stage.Ingress) {
				continue
			}
			priority := getInt(row.Fields, "priority")
			match := getString(row.Fields, "match")

			action := getIntMap(row.Fields, "action")
			if dscp, ok := action["dscp"]; ok {
				set.AddStage(mark, sc.dp.UUID, priority, match,
					fmt.Sprintf("ip.dscp = %d; next;", dscp))
			}
			bandwidth := getIntMap(row.Fields, "bandwidth")
			if rate, ok := bandwidth["rate"]; ok {
				meterAction := fmt.Sprintf("set_meter(%d); next;", rate)
				if burst, ok := bandwidth["burst"]; ok {
					meterAction = fmt.Sprintf("set_meter(%d, %d); next;", rate, burst)
				}
				set.AddStage(meter, sc.dp.UUID, priority, match, meterAction)
			}
		}

		set.AddStage(mark, sc.dp.UUID, 0, "1", "next;")
		set.AddStage(meter, sc.dp.UUID, 0, "1", "next;")
	}
}

// buildSwitchLB implements the lb stage: per-VIP ct_lb at 120 (with
// port) or 110 (without), established traffic re-NATted at 100.
func buildSwitchLB(sc *swCtx, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		st := stage.Find(stage.Switch, pipe, "lb")
		if pipe == stage.Ingress {
			for _, v := range sc.vips {
				fam := "ip4"
				if net.ParseIP(v.ip).To4() == nil {
					fam = "ip6"
				}
				if v.port != "" {
					set.AddStage(st, sc.dp.UUID, 120,
						fmt.Sprintf("ct.new && %s.dst == %s && %s.dst == %s", fam, v.ip, v.protocol, v.port),
						fmt.Sprintf("ct_lb(%s);", v.backends))
				} else {
					set.AddStage(st, sc.dp.UUID, 110,
						fmt.Sprintf("ct.new && %s.dst == %s", fam, v.ip),
						fmt.Sprintf("ct_lb(%s);", v.backends))
				}
			}
			if len(sc.vips) > 0 {
				set.AddStage(st, sc.dp.UUID, 100, "ct.est && !ct.rel && !ct.new && !ct.inv", "ct_lb;")
			}
		}
		set.AddStage(st, sc.dp.UUID, 0, "1", "next;")
	}
}

// buildStateful commits allowed new connections and passes everything
// else through.
func buildStateful(sc *swCtx, set *Set) {
	for _, pipe := range []stage.Pipeline{stage.Ingress, stage.Egress} {
		st := stage.Find(stage.Switch, pipe, "stateful")
		set.AddStage(st, sc.dp.UUID, 100, "reg0[1] == 1", "ct_commit { ct_label.blocked = 0; }; next;")
		set.AddStage(st, sc.dp.UUID, 0, "1", "next;")
	}
}

func macList(addrs []model.Address) string {
	var parts []string
	for _, a := range addrs {
		if a.MAC != nil {
			parts = append(parts, a.MAC.String())
		}
	}
	return strings.Join(parts, ", ")
}

// respondingPort reports whether a port participates in the ARP/ND
// responder: it must be operationally up, a router-facing port, or a
// localport.
func respondingPort(p *model.Port) bool {
	return p.Up || p.Type == "router" || p.Type == "localport"
}

// buildArpNdResponder implements arp_nd_rsp: priority-100 pass for the
// owner's own ARP traffic, priority-50 replies for every known static
// MAC/IP pair, bind_vport for virtual ports.
func buildArpNdResponder(sc *swCtx, p *model.Port, set *Set) {
	st := stage.Find(stage.Switch, stage.Ingress, "arp_nd_rsp")
	set.AddStage(st, sc.dp.UUID, 0, "1", "next;")

	if p.Type == "virtual" {
		vip := p.Options["virtual-ip"]
		parents := p.Options["virtual-parents"]
		if vip != "" && parents != "" {
			// The virtual port binds to whichever parent emits a GARP or
			// ARP reply for the virtual IP.
			match := fmt.Sprintf("inport == {%s} && ((arp.op == 1 && arp.spa == %s && arp.tpa == %s) || (arp.op == 2 && arp.spa == %s))",
				parents, vip, vip, vip)
			set.AddStage(st, sc.dp.UUID, 100, match, fmt.Sprintf("bind_vport(%q, inport); next;", p.Name))
		}
		return
	}

	if !respondingPort(p) || p.Derived {
		return
	}

	for _, a := range p.Addresses {
		if a.MAC == nil {
			continue
		}
		for _, ip := range a.IPs {
			if ip.To4() != nil {
				// The owner's self-originated ARP for its own address
				// passes through so duplicate-address detection works.
				set.AddStage(st, sc.dp.UUID, 100,
					fmt.Sprintf("arp.tpa == %s && arp.op == 1 && inport == %q", ip, p.Name), "next;")
				match := fmt.Sprintf("arp.tpa == %s && arp.op == 1", ip)
				actions := fmt.Sprintf("eth.dst = eth.src; eth.src = %s; arp.op = 2; arp.tha = arp.sha; "+
					"arp.sha = %s; arp.tpa = arp.spa; arp.spa = %s; outport = inport; flags.loopback = 1; output;",
					a.MAC, a.MAC, ip)
				set.AddStage(st, sc.dp.UUID, 50, match, actions)
			} else {
				set.AddStage(st, sc.dp.UUID, 100,
					fmt.Sprintf("nd_ns && ip6.src == %s && nd.target == %s && inport == %q", ip, ip, p.Name), "next;")
				match := fmt.Sprintf("nd_ns && nd.target == %s", ip)
				actions := fmt.Sprintf("nd_na { eth.src = %s; ip6.src = %s; nd.target = %s; nd.tll = %s; "+
					"outport = inport; flags.loopback = 1; output; };", a.MAC, ip, ip, a.MAC)
				set.AddStage(st, sc.dp.UUID, 50, match, actions)
			}
		}
	}
}

// buildDHCP implements dhcp_options/dhcp_response for a port that names
// a DHCP_Options row on either family: the discover/request and renew
// match forms produce options via put_dhcp_opts and a synthetic reply.
func buildDHCP(sc *swCtx, p *model.Port, set *Set) {
	optSt := stage.Find(stage.Switch, stage.Ingress, "dhcp_options")
	rspSt := stage.Find(stage.Switch, stage.Ingress, "dhcp_response")
	set.AddStage(optSt, sc.dp.UUID, 0, "1", "next;")
	set.AddStage(rspSt, sc.dp.UUID, 0, "1", "next;")

	if !p.Enabled || p.Derived {
		return
	}

	if p.Dhcpv4Options != "" {
		row, ok := sc.dhcpByUUID[p.Dhcpv4Options]
		if ok {
			opts := getStringMap(row.Fields, "options")
			serverIP := opts["server_id"]
			serverMAC := opts["server_mac"]
			if serverIP != "" && serverMAC != "" {
				for _, a := range p.Addresses {
					if a.MAC == nil {
						continue
					}
					for _, ip := range a.IPs {
						if ip.To4() == nil {
							continue
						}
						optAction := fmt.Sprintf("reg0[3] = put_dhcp_opts(offerip = %s, %s); next;", ip, formatDHCPOpts(opts))

						discover := fmt.Sprintf("inport == %q && eth.src == %s && ip4.src == 0.0.0.0 && "+
							"ip4.dst == 255.255.255.255 && udp.src == 68 && udp.dst == 67", p.Name, a.MAC)
						set.AddStage(optSt, sc.dp.UUID, 100, discover, optAction)

						renew := fmt.Sprintf("inport == %q && eth.src == %s && ip4.src == %s && "+
							"ip4.dst == {%s, 255.255.255.255} && udp.src == 68 && udp.dst == 67", p.Name, a.MAC, ip, serverIP)
						set.AddStage(optSt, sc.dp.UUID, 100, renew, optAction)

						reply := fmt.Sprintf("inport == %q && eth.src == %s && ip4 && udp.src == 68 && udp.dst == 67 && reg0[3]", p.Name, a.MAC)
						replyActions := fmt.Sprintf("eth.dst = eth.src; eth.src = %s; ip4.dst = %s; ip4.src = %s; "+
							"udp.src = 67; udp.dst = 68; outport = inport; flags.loopback = 1; output;",
							serverMAC, ip, serverIP)
						set.AddStage(rspSt, sc.dp.UUID, 100, reply, replyActions)
					}
				}
			}
		}
	}

	if p.Dhcpv6Options != "" {
		row, ok := sc.dhcpByUUID[p.Dhcpv6Options]
		if ok {
			opts := getStringMap(row.Fields, "options")
			serverMAC, err := net.ParseMAC(opts["server_id"])
			if err == nil {
				linkLocal := ipam.EUI64(linkLocalPrefix(), serverMAC)
				for _, a := range p.Addresses {
					if a.MAC == nil {
						continue
					}
					for _, ip := range a.IPs {
						if ip.To4() != nil {
							continue
						}
						optAction := fmt.Sprintf("reg0[3] = put_dhcpv6_opts(ia_addr = %s, %s); next;", ip, formatDHCPOpts(opts))
						match := fmt.Sprintf("inport == %q && eth.src == %s && ip6.dst == ff02::1:2 && "+
							"udp.src == 546 && udp.dst == 547", p.Name, a.MAC)
						set.AddStage(optSt, sc.dp.UUID, 100, match, optAction)

						reply := fmt.Sprintf("inport == %q && eth.src == %s && ip6 && udp.src == 546 && udp.dst == 547 && reg0[3]", p.Name, a.MAC)
						replyActions := fmt.Sprintf("eth.dst = eth.src; eth.src = %s; ip6.dst = ip6.src; ip6.src = %s; "+
							"udp.src = 547; udp.dst = 546; outport = inport; flags.loopback = 1; output;",
							serverMAC, linkLocal)
						set.AddStage(rspSt, sc.dp.UUID, 100, reply, replyActions)
					}
				}
			}
		}
	}
}

func linkLocalPrefix() *net.IPNet {
	_, n, _ := net.ParseCIDR("fe80::/64")
	return n
}

// formatDHCPOpts renders a DHCP_Options row's options map into the
// key = value list put_dhcp_opts expects, in sorted key order so the
// flow text is stable across passes.
func formatDHCPOpts(opts map[string]string) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s = %s", k, opts[k]))
	}
	return strings.Join(parts, ", ")
}

// buildDNSLookup emits the single dns_lookup/dns_response pair when the
// switch has any DNS records.
func buildDNSLookup(sc *swCtx, set *Set) {
	lookup := stage.Find(stage.Switch, stage.Ingress, "dns_lookup")
	response := stage.Find(stage.Switch, stage.Ingress, "dns_response")
	set.AddStage(lookup, sc.dp.UUID, 0, "1", "next;")
	set.AddStage(response, sc.dp.UUID, 0, "1", "next;")

	if !sc.hasDNSRecords {
		return
	}
	set.AddStage(lookup, sc.dp.UUID, 100, "udp.dst == 53", "reg0[4] = dns_lookup(); next;")
	set.AddStage(response, sc.dp.UUID, 100, "udp.dst == 53 && reg0[4] == 1",
		"eth.dst <-> eth.src; ip4.src <-> ip4.dst; udp.dst = udp.src; udp.src = 53; outport = inport; flags.loopback = 1; output;")
}

// buildExternalPort drops ARP/ND requests for the switch's router IPs
// arriving on an "external" port whose HA chassis is not the one the
// packet entered on, so only the binding chassis answers.
func buildExternalPort(sc *swCtx, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Switch, stage.Ingress, "external_port")
	set.AddStage(st, sc.dp.UUID, 0, "1", "next;")

	var routerIPs4, routerIPs6 []string
	for _, rpName := range sc.dp.RouterPorts {
		rp, ok := sc.arena.Port(rpName)
		if !ok {
			continue
		}
		for _, n := range rp.Networks {
			if n.IP.To4() != nil {
				routerIPs4 = append(routerIPs4, n.IP.String())
			} else {
				routerIPs6 = append(routerIPs6, n.IP.String())
			}
		}
	}
	sort.Strings(routerIPs4)
	sort.Strings(routerIPs6)

	for _, p := range ports {
		if p.Type != "external" || p.HaChassisGroup == "" {
			continue
		}
		if len(routerIPs4) > 0 {
			set.AddStage(st, sc.dp.UUID, 100,
				fmt.Sprintf("inport == %q && arp.tpa == {%s} && arp.op == 1 && !is_chassis_resident(%q)",
					p.Name, strings.Join(routerIPs4, ", "), p.Name), "drop;")
		}
		if len(routerIPs6) > 0 {
			set.AddStage(st, sc.dp.UUID, 100,
				fmt.Sprintf("inport == %q && nd_ns && nd.target == {%s} && !is_chassis_resident(%q)",
					p.Name, strings.Join(routerIPs6, ", "), p.Name), "drop;")
		}
	}
}

// buildL2Lookup implements l2_lkup: multicast flood handling at 70-90,
// per-MAC unicast at 50, unknown-destination flood or drop at 0.
func buildL2Lookup(sc *swCtx, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Switch, stage.Ingress, "l2_lkup")
	dp := sc.dp

	outputTo := func(group string) string {
		return fmt.Sprintf("outport = %q; output;", group)
	}

	set.AddStage(st, dp.UUID, 70, "eth.mcast", outputTo(model.MulticastFloodName))
	set.AddStage(st, dp.UUID, 85, "eth.mcast && ip4.mcast && ip4.dst == 224.0.0.0/24", outputTo(model.MulticastFloodName))

	if dp.MulticastSnoop {
		actions := outputTo(model.MulticastMrouterFloodName)
		if dp.FloodRelay {
			actions = fmt.Sprintf("clone { %s }; %s", outputTo(model.MulticastMrouterFloodName), outputTo(model.MulticastStaticName))
		} else if !dp.MulticastFloodUnregistered {
			actions = outputTo(model.MulticastStaticName)
		}
		set.AddStage(st, dp.UUID, 80, "eth.mcast && (ip4.mcast || ip6.mcast)", actions)
	}

	for _, g := range sc.arena.MulticastGroupsFor(dp.UUID) {
		if strings.HasPrefix(g.Name, "_MC_") || len(g.Members) == 0 {
			continue
		}
		set.AddStage(st, dp.UUID, 90,
			fmt.Sprintf("eth.mcast && ip4.dst == %s", g.Name), outputTo(g.Name))
	}

	unknown := false
	for _, p := range ports {
		if p.UnknownAddress {
			unknown = true
		}
		if p.Derived {
			continue
		}
		for _, a := range p.Addresses {
			if a.MAC == nil {
				continue
			}
			set.AddStage(st, dp.UUID, 50,
				fmt.Sprintf("eth.dst == %s", a.MAC),
				fmt.Sprintf("outport = %q; output;", p.Name))
		}
	}

	if unknown {
		set.AddStage(st, dp.UUID, 0, "1", outputTo(model.MulticastUnknownName))
	} else {
		set.AddStage(st, dp.UUID, 0, "1", "drop;")
	}
}

// buildSwitchEgressPortSec mirrors ingress port security on the way
// out: disabled ports drop at 150, multicast deliveries pass at 100,
// unicast deliveries are constrained per port at 50.
func buildSwitchEgressPortSec(sc *swCtx, ports []*model.Port, set *Set) {
	st := stage.Find(stage.Switch, stage.Egress, "port_sec_l2")

	for _, p := range ports {
		if p.Derived {
			continue
		}
		if !p.Enabled {
			set.AddStage(st, sc.dp.UUID, 150, fmt.Sprintf("outport == %q", p.Name), "drop;")
			continue
		}
		set.AddStage(st, sc.dp.UUID, 100, fmt.Sprintf("outport == %q && eth.mcast", p.Name), "output;")

		match := fmt.Sprintf("outport == %q", p.Name)
		addrs := p.PortSecurity
		if len(addrs) == 0 {
			addrs = p.Addresses
		}
		if macs := macList(addrs); macs != "" && !p.UnknownAddress {
			match += " && eth.dst == {" + macs + "}"
		}
		set.AddStage(st, sc.dp.UUID, 50, match, "output;")
	}
}
