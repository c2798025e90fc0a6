package join

import (
	"context"
	"net"
	"sort"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/idalloc"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

// PortReport tallies what JoinPorts did.
type PortReport struct {
	Created int
	Reused  int
	Deleted int
}

// JoinPorts joins ports: southbound Port_Binding rows seed an sb_only
// bucket; northbound Logical_Switch_Port and
// Logical_Router_Port rows move matching ports to "both" or create them
// as nb_only, synthesizing chassis-redirect ports for distributed
// gateway router ports along the way. arena must already hold every
// datapath (JoinDatapaths having run first).
func JoinPorts(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) (*PortReport, error) {
	report := &PortReport{}
	log := util.WithComponent("join")

	sbRows, err := sb.Rows(ctx, sbdb.TablePortBinding)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(sbRows))
	for _, row := range sbRows {
		name := getString(row.Fields, "logical_port")
		if name == "" {
			sbTxn.Delete(sbdb.TablePortBinding, row.UUID)
			report.Deleted++
			continue
		}
		if seen[name] {
			log.Warnf("deleting duplicate Port_Binding %s for logical port %s", row.UUID, name)
			sbTxn.Delete(sbdb.TablePortBinding, row.UUID)
			report.Deleted++
			continue
		}
		seen[name] = true

		p := &model.Port{
			Name:         name,
			DatapathUUID: getString(row.Fields, "datapath"),
			Type:         getString(row.Fields, "type"),
			TunnelKey:    uint32(getInt(row.Fields, "tunnel_key")),
			Derived:      getString(row.Fields, "type") == sbdb.PortBindingTypeChassisRedirect,
		}
		arena.AddPort(p)
		if dp, ok := arena.Datapath(p.DatapathUUID); ok && p.TunnelKey != 0 {
			dp.PortKeys.Claim(p.TunnelKey)
		}
	}
	claimed := make(map[string]bool, len(seen))

	tags := newTagAllocators()

	swPorts, err := nb.Rows(ctx, nbdb.TableLogicalSwitchPort)
	if err != nil {
		return nil, err
	}
	sortByName(swPorts)
	// Tags ports already hold, and explicit requests, are claimed before
	// any tag_request=0 port draws the lowest free tag.
	for _, row := range swPorts {
		parent := getString(row.Fields, "parent_name")
		if parent == "" {
			continue
		}
		for _, col := range []string{"tag", "tag_request"} {
			if t := getInt(row.Fields, col); t != 0 {
				tags.allocate(parent, t)
			}
		}
	}
	for _, row := range swPorts {
		name := getString(row.Fields, "name")
		if name == "" {
			continue
		}
		lsUUID := findOwningSwitch(ctx, nb, name)
		p, existed := arena.Port(name)
		if !existed {
			p = model.NewSwitchPort(name, lsUUID)
			report.Created++
		} else {
			report.Reused++
		}
		claimed[name] = true
		p.Type = getString(row.Fields, "type")
		p.DatapathUUID = lsUUID
		p.Options = getStringMap(row.Fields, "options")
		p.Enabled = getBool(row.Fields, "enabled", true)
		p.Up = getBool(row.Fields, "up", false)
		p.Dhcpv4Options = getString(row.Fields, "dhcpv4_options")
		p.Dhcpv6Options = getString(row.Fields, "dhcpv6_options")
		p.HaChassisGroup = getString(row.Fields, "ha_chassis_group")
		p.ParentName = getString(row.Fields, "parent_name")
		p.TagRequested = getInt(row.Fields, "tag_request")
		p.DynamicAddresses = getString(row.Fields, "dynamic_addresses")

		p.RouterAddressToken = false
		for _, entry := range getStringSlice(row.Fields, "addresses") {
			switch entry {
			case "router":
				p.RouterAddressToken = true
				continue
			case "unknown":
				p.UnknownAddress = true
				continue
			}
			if a, ok := model.ParseAddressEntry(entry); ok {
				p.Addresses = append(p.Addresses, a)
			}
		}
		for _, entry := range getStringSlice(row.Fields, "port_security") {
			if a, ok := model.ParseAddressEntry(entry); ok {
				p.PortSecurity = append(p.PortSecurity, a)
			}
		}
		if rp := p.Options["router-port"]; rp != "" {
			p.PeerName = rp
		}

		if p.ParentName != "" {
			if held := getInt(row.Fields, "tag"); p.TagRequested == 0 && held != 0 {
				p.Tag = held
			} else {
				p.Tag = tags.allocate(p.ParentName, p.TagRequested)
			}
		} else if p.TagRequested != 0 {
			p.Tag = p.TagRequested
		}

		if !existed {
			arena.AddPort(p)
			if dp, ok := arena.Datapath(lsUUID); ok {
				p.TunnelKey = dp.PortKeys.Allocate()
			}
		}
		if dp, ok := arena.Datapath(lsUUID); ok {
			dp.AddPort(name)
		}
	}

	rtrPorts, err := nb.Rows(ctx, nbdb.TableLogicalRouterPort)
	if err != nil {
		return nil, err
	}
	sortByName(rtrPorts)
	for _, row := range rtrPorts {
		name := getString(row.Fields, "name")
		if name == "" {
			continue
		}
		lrUUID := findOwningRouter(ctx, nb, name)
		mac, _ := net.ParseMAC(getString(row.Fields, "mac"))
		networks := parseNetworks(getStringSlice(row.Fields, "networks"))

		p, existed := arena.Port(name)
		if !existed {
			p = model.NewRouterPort(name, lrUUID, mac, networks)
			report.Created++
		} else {
			p.RouterMAC = mac
			p.Networks = networks
			report.Reused++
		}
		claimed[name] = true
		p.DatapathUUID = lrUUID
		p.Options = getStringMap(row.Fields, "options")
		p.Enabled = getBool(row.Fields, "enabled", true)
		p.HaChassisGroup = getString(row.Fields, "ha_chassis_group")
		p.GatewayChassis = getStringSlice(row.Fields, "gateway_chassis")
		p.Ipv6RAConfigs = getStringMap(row.Fields, "ipv6_ra_configs")
		if peer := getString(row.Fields, "peer"); peer != "" {
			p.PeerName = peer
		}

		if !existed {
			arena.AddPort(p)
			if dp, ok := arena.Datapath(lrUUID); ok {
				p.TunnelKey = dp.PortKeys.Allocate()
			}
		}

		dp, ok := arena.Datapath(lrUUID)
		if !ok {
			continue
		}
		dp.AddPort(name)

		needsRedirect := p.HaChassisGroup != "" || len(p.GatewayChassis) > 0 || p.Options["redirect-chassis"] != ""
		if needsRedirect && dp.GatewayRouter {
			log.Warnf("router %s: %v", lrUUID,
				util.NewConflictError(name, "redirect configuration on a centralized gateway router, ignoring"))
		}
		if needsRedirect && !dp.GatewayRouter {
			if dp.DistributedGatewayPort != "" && dp.DistributedGatewayPort != name {
				log.Warnf("router %s: %v", lrUUID,
					util.NewConflictError(name, "extra distributed gateway port, keeping "+dp.DistributedGatewayPort))
				continue
			}
			redirect, redirectExisted := arena.Port("cr-" + name)
			if !redirectExisted {
				redirect = model.NewRedirectPort(p)
				arena.AddPort(redirect)
				redirect.TunnelKey = dp.PortKeys.Allocate()
				report.Created++
			}
			claimed[redirect.Name] = true
			// A redirect port seeded from a bare southbound row needs
			// its router-side attributes refreshed from the original.
			redirect.Derived = true
			redirect.DatapathUUID = lrUUID
			redirect.Enabled = p.Enabled
			redirect.RouterMAC = p.RouterMAC
			redirect.Networks = p.Networks
			dp.AddPort(redirect.Name)
			dp.DistributedGatewayPort = name
			dp.RedirectPort = redirect.Name
		}
	}

	for name := range seen {
		if !claimed[name] {
			row := findSBRowByName(sbRows, name)
			sbTxn.Delete(sbdb.TablePortBinding, row.UUID)
			report.Deleted++
		}
	}

	return report, nil
}

// sortByName orders northbound rows by their name column so a pass is
// deterministic: "keep the first" conflict policies and tag allocation
// must not depend on snapshot iteration order.
func sortByName(rows []dbase.Row) {
	sort.Slice(rows, func(i, j int) bool {
		return getString(rows[i].Fields, "name") < getString(rows[j].Fields, "name")
	})
}

func findSBRowByName(rows []dbase.Row, name string) dbase.Row {
	for _, r := range rows {
		if getString(r.Fields, "logical_port") == name {
			return r
		}
	}
	return dbase.Row{}
}

// findOwningSwitch scans Logical_Switch rows for one whose ports list
// names portName. Returns "" if none references it (an orphaned port,
// which flow synthesis simply won't see on any datapath).
func findOwningSwitch(ctx context.Context, nb dbase.Snapshot, portName string) string {
	rows, err := nb.Rows(ctx, nbdb.TableLogicalSwitch)
	if err != nil {
		return ""
	}
	for _, row := range rows {
		for _, p := range getStringSlice(row.Fields, "ports") {
			if p == portName {
				return row.UUID
			}
		}
	}
	return ""
}

func findOwningRouter(ctx context.Context, nb dbase.Snapshot, portName string) string {
	rows, err := nb.Rows(ctx, nbdb.TableLogicalRouter)
	if err != nil {
		return ""
	}
	for _, row := range rows {
		for _, p := range getStringSlice(row.Fields, "ports") {
			if p == portName {
				return row.UUID
			}
		}
	}
	return ""
}

func parseNetworks(tokens []string) []*net.IPNet {
	var out []*net.IPNet
	for _, tok := range tokens {
		ip, n, err := net.ParseCIDR(tok)
		if err != nil {
			continue
		}
		n.IP = ip
		out = append(out, n)
	}
	return out
}

// tagAllocators hands out nested-container VLAN tags per parent_name,
// one allocator per parent: a 4096-tag space per parent, bit 0
// reserved, existing tags pre-claimed, tag_request=0 meaning "allocate
// the lowest free tag".
type tagAllocators struct {
	byParent map[string]*idalloc.Allocator
}

func newTagAllocators() *tagAllocators {
	return &tagAllocators{byParent: make(map[string]*idalloc.Allocator)}
}

func (t *tagAllocators) allocate(parent string, requested int) int {
	a, ok := t.byParent[parent]
	if !ok {
		a = idalloc.New(1, 4096, "tag:"+parent)
		t.byParent[parent] = a
	}
	if requested != 0 {
		a.Claim(uint32(requested))
		return requested
	}
	return int(a.Allocate())
}
