package join

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/sbdb"
)

// WritePortBindings converges southbound Port_Binding rows to the
// in-memory port graph: one row per arena port whose datapath survived
// the join, carrying the type/options/mac columns hypervisor agents
// read. Must run after ResolvePeers and
// ApplyIPAM so peer names and dynamic addresses are final; sb_only
// rows were already deleted by JoinPorts.
func WritePortBindings(ctx context.Context, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) error {
	sbRows, err := sb.Rows(ctx, sbdb.TablePortBinding)
	if err != nil {
		return err
	}
	byName := make(map[string]dbase.Row, len(sbRows))
	for _, row := range sbRows {
		byName[getString(row.Fields, "logical_port")] = row
	}

	for _, p := range arena.Ports() {
		dp, ok := arena.Datapath(p.DatapathUUID)
		if !ok {
			continue
		}
		fields := portBindingFields(arena, dp, p)
		row, exists := byName[p.Name]
		if !exists {
			sbTxn.Insert(sbdb.TablePortBinding, fields)
			continue
		}
		if portBindingChanged(row, fields) {
			sbTxn.Update(sbdb.TablePortBinding, row.UUID, fields)
		}
	}
	return nil
}

func portBindingFields(arena *model.Arena, dp *model.Datapath, p *model.Port) map[string]interface{} {
	fields := map[string]interface{}{
		"logical_port": p.Name,
		"datapath":     p.DatapathUUID,
		"tunnel_key":   int(p.TunnelKey),
		"type":         bindingType(arena, dp, p),
		"mac":          macColumn(p),
	}

	options := make(map[string]string)
	switch fields["type"] {
	case sbdb.PortBindingTypeChassisRedirect:
		options["distributed-port"] = strings.TrimPrefix(p.Name, "cr-")
		if rc := redirectChassisOf(arena, p); rc != "" {
			options["redirect-chassis"] = rc
		}
	case sbdb.PortBindingTypePatch, sbdb.PortBindingTypeL3Gateway:
		if p.PeerName != "" {
			options["peer"] = p.PeerName
		}
	}
	if q := p.Options["qdisc_queue_id"]; q != "" {
		options["qdisc_queue_id"] = q
	}
	if len(options) > 0 {
		fields["options"] = options
	}

	if p.ParentName != "" {
		fields["parent_port"] = p.ParentName
		fields["tag"] = p.Tag
	}

	if nat := natAddresses(arena, dp, p); len(nat) > 0 {
		fields["nat_addresses"] = nat
	}
	return fields
}

// bindingType maps an in-memory port to its southbound Port_Binding
// type: derived ports are chassisredirect,
// router-attached ports become patch (l3gateway on a centralized
// gateway router), everything else passes its northbound type through.
func bindingType(arena *model.Arena, dp *model.Datapath, p *model.Port) string {
	if p.Derived {
		return sbdb.PortBindingTypeChassisRedirect
	}
	if dp.IsRouter() || p.Type == "router" {
		owner := dp
		if p.Type == "router" && !dp.IsRouter() {
			// A switch port bonded to a router inherits the gateway
			// property from the router side of the pair.
			if peer, ok := arena.Port(p.PeerName); ok {
				if peerDP, ok := arena.Datapath(peer.DatapathUUID); ok {
					owner = peerDP
				}
			}
		}
		if owner.IsRouter() && owner.GatewayRouter {
			return sbdb.PortBindingTypeL3Gateway
		}
		return sbdb.PortBindingTypePatch
	}
	return p.Type
}

// macColumn renders the port's effective addresses into the southbound
// mac column's "MAC [IP ...]" strings, appending the bare token
// "unknown" when the port accepts unknown destinations.
func macColumn(p *model.Port) []string {
	var out []string
	for _, a := range p.Addresses {
		if a.MAC == nil {
			continue
		}
		parts := []string{a.MAC.String()}
		for _, ip := range a.IPs {
			parts = append(parts, ip.String())
		}
		out = append(out, strings.Join(parts, " "))
	}
	if p.RouterMAC != nil && len(p.Addresses) == 0 {
		parts := []string{p.RouterMAC.String()}
		for _, n := range p.Networks {
			parts = append(parts, n.IP.String())
		}
		out = append(out, strings.Join(parts, " "))
	}
	if p.UnknownAddress {
		out = append(out, "unknown")
	}
	return out
}

// redirectChassisOf recovers the redirect-chassis option from the
// distributed port a chassis-redirect port shadows.
func redirectChassisOf(arena *model.Arena, p *model.Port) string {
	original, ok := arena.Port(strings.TrimPrefix(p.Name, "cr-"))
	if !ok {
		return ""
	}
	return original.Options["redirect-chassis"]
}

// natAddresses builds the "MAC IP [IP ...] is_chassis_resident(...)"
// strings agents use to emit gratuitous ARPs for NAT addresses, on the
// chassis-redirect port of a distributed gateway router.
func natAddresses(arena *model.Arena, dp *model.Datapath, p *model.Port) []string {
	if !p.Derived || !dp.IsRouter() || dp.DistributedGatewayPort == "" {
		return nil
	}
	original, ok := arena.Port(dp.DistributedGatewayPort)
	if !ok || original.RouterMAC == nil {
		return nil
	}
	var ips []string
	for _, n := range original.Networks {
		if n.IP.To4() != nil {
			ips = append(ips, n.IP.String())
		}
	}
	if len(ips) == 0 {
		return nil
	}
	sort.Strings(ips)
	return []string{fmt.Sprintf("%s %s is_chassis_resident(%q)",
		original.RouterMAC, strings.Join(ips, " "), p.Name)}
}

// portBindingChanged compares the columns this writer owns against an
// existing row, so an unchanged port costs no transaction op.
func portBindingChanged(row dbase.Row, fields map[string]interface{}) bool {
	if getString(row.Fields, "datapath") != fields["datapath"].(string) ||
		getInt(row.Fields, "tunnel_key") != fields["tunnel_key"].(int) ||
		getString(row.Fields, "type") != fields["type"].(string) {
		return true
	}
	if !sameStringSlice(getStringSlice(row.Fields, "mac"), fields["mac"].([]string)) {
		return true
	}
	wantOpts, _ := fields["options"].(map[string]string)
	if !sameStringMap(getStringMap(row.Fields, "options"), wantOpts) {
		return true
	}
	wantNAT, _ := fields["nat_addresses"].([]string)
	if !sameStringSlice(getStringSlice(row.Fields, "nat_addresses"), wantNAT) {
		return true
	}
	if fields["parent_port"] != nil {
		if getString(row.Fields, "parent_port") != fields["parent_port"].(string) ||
			getInt(row.Fields, "tag") != fields["tag"].(int) {
			return true
		}
	}
	return false
}
