// Package mcast implements multicast groups and IGMP aggregation: five
// well-known static groups per switch datapath, southbound IGMP_Group
// consumption with stale-row pruning, in-memory aggregation by
// (datapath, address), and relay propagation onto routers with
// multicast relay enabled.
package mcast

import (
	"context"
	"sort"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

// getString/getStringSlice mirror pkg/join's row-field helpers; kept
// local rather than exported from pkg/join to avoid a cross-package
// dependency for two one-line helpers.
func getString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func getStringSlice(fields map[string]interface{}, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Report tallies what Synthesize did.
type Report struct {
	StaleDeleted int
	Groups       int
}

// Synthesize seeds every switch datapath with its five well-known
// groups, folds in aggregated IGMP
// membership, and propagates relay entries onto multicast-relay
// routers. Must run after pkg/join's port join, peering, and HA passes
// so Datapath.FloodRelay/RouterMulticastRelay and Port membership are
// final.
func Synthesize(ctx context.Context, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) (*Report, error) {
	report := &Report{}
	log := util.WithComponent("mcast")

	for _, dp := range arena.Datapaths() {
		if !dp.IsSwitch() {
			continue
		}
		seedWellKnownGroups(arena, dp)
	}

	rows, err := sb.Rows(ctx, sbdb.TableIGMPGroup)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		dpUUID := getString(row.Fields, "datapath")
		chassis := getString(row.Fields, "chassis")
		if dpUUID == "" || chassis == "" {
			log.Infof("deleting stale IGMP_Group row %s: missing datapath or chassis", row.UUID)
			sbTxn.Delete(sbdb.TableIGMPGroup, row.UUID)
			report.StaleDeleted++
			continue
		}
		address := getString(row.Fields, "address")
		ports := getStringSlice(row.Fields, "ports")
		agg := arena.IGMPAggregator(dpUUID, address)
		agg.AddEntry(chassis, ports)
	}

	// Key allocation order must not depend on map iteration, or the
	// same northbound state would produce different group keys on
	// different passes.
	aggs := arena.IGMPAggregators()
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].DatapathUUID != aggs[j].DatapathUUID {
			return aggs[i].DatapathUUID < aggs[j].DatapathUUID
		}
		return aggs[i].Address < aggs[j].Address
	})
	for _, agg := range aggs {
		dp, ok := arena.Datapath(agg.DatapathUUID)
		if !ok {
			continue
		}
		filtered := filterMembers(arena, dp, agg.AggregatedPorts())
		if len(filtered) == 0 {
			continue
		}
		key := agg.AllocateKey(dp.MulticastKeys)
		g, exists := arena.MulticastGroup(dp.UUID, agg.Address)
		if !exists {
			g = model.NewMulticastGroup(dp.UUID, agg.Address, key)
			arena.AddMulticastGroup(g)
			report.Groups++
		}
		for _, p := range filtered {
			g.AddMember(p)
		}
	}

	routers := arena.Datapaths()
	sort.Slice(routers, func(i, j int) bool { return routers[i].UUID < routers[j].UUID })
	for _, dp := range routers {
		if !dp.IsRouter() || !dp.RouterMulticastRelay {
			continue
		}
		for _, rpName := range peerSwitchRouterPorts(arena, dp) {
			propagateRelay(arena, dp, rpName)
		}
	}

	return report, nil
}

// seedWellKnownGroups registers dp's five fixed-key multicast groups if
// not already present.
func seedWellKnownGroups(arena *model.Arena, dp *model.Datapath) {
	for _, wk := range model.WellKnownMulticastGroups() {
		if _, ok := arena.MulticastGroup(dp.UUID, wk.Name); ok {
			continue
		}
		arena.AddMulticastGroup(model.NewMulticastGroup(dp.UUID, wk.Name, wk.Key))
	}
}

// filterMembers drops ports already flood-group members or attached to
// a relay router.
func filterMembers(arena *model.Arena, dp *model.Datapath, ports []string) []string {
	flood, _ := arena.MulticastGroup(dp.UUID, model.MulticastFloodName)
	floodSet := make(map[string]struct{})
	if flood != nil {
		for _, p := range flood.Members {
			floodSet[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(ports))
	for _, name := range ports {
		if _, skip := floodSet[name]; skip {
			continue
		}
		if p, ok := arena.Port(name); ok && p.Type == "router" {
			if peer, ok := arena.Port(p.PeerName); ok {
				if peerDP, ok := arena.Datapath(peer.DatapathUUID); ok && peerDP.RouterMulticastRelay {
					continue
				}
			}
		}
		out = append(out, name)
	}
	return out
}

// peerSwitchRouterPorts returns the names of dp's own router ports that
// face a switch, i.e. the ports whose peer is a switch port of type
// "router" (the mirror image of what pkg/join.ResolvePeers pairs).
func peerSwitchRouterPorts(arena *model.Arena, dp *model.Datapath) []string {
	var out []string
	for _, name := range dp.PortNames {
		p, ok := arena.Port(name)
		if !ok || p.PeerName == "" {
			continue
		}
		if peer, ok := arena.Port(p.PeerName); ok && peer.Type == "router" {
			out = append(out, name)
		}
	}
	return out
}

// propagateRelay implements relay learning: a router with multicast
// relay enabled gets, for each switch-facing port, a
// router-side IGMP group per peer switch group whose only member is
// that router port.
func propagateRelay(arena *model.Arena, router *model.Datapath, routerPortName string) {
	rp, ok := arena.Port(routerPortName)
	if !ok || rp.PeerName == "" {
		return
	}
	swPort, ok := arena.Port(rp.PeerName)
	if !ok {
		return
	}
	swDP, ok := arena.Datapath(swPort.DatapathUUID)
	if !ok {
		return
	}
	groups := arena.MulticastGroupsFor(swDP.UUID)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	for _, g := range groups {
		if len(g.Members) == 0 {
			continue
		}
		relayed, exists := arena.MulticastGroup(router.UUID, g.Name)
		if !exists {
			key := router.MulticastKeys.Allocate()
			relayed = model.NewMulticastGroup(router.UUID, g.Name, key)
			arena.AddMulticastGroup(relayed)
		}
		relayed.AddMember(routerPortName)
	}
}

// WriteBack diffs arena's multicast groups against the southbound
// Multicast_Group table and applies inserts/updates/deletes. Grouped
// here rather than folded into pkg/lflow's differ because multicast
// groups key on (datapath, name) rather than the flow hash tuple.
func WriteBack(ctx context.Context, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) error {
	rows, err := sb.Rows(ctx, sbdb.TableMulticastGroup)
	if err != nil {
		return err
	}
	type key struct {
		dp, name string
	}
	existing := make(map[key]dbase.Row, len(rows))
	for _, row := range rows {
		existing[key{getString(row.Fields, "datapath"), getString(row.Fields, "name")}] = row
	}

	wanted := make(map[key]bool)
	for _, dp := range arena.Datapaths() {
		for _, g := range arena.MulticastGroupsFor(dp.UUID) {
			k := key{dp.UUID, g.Name}
			wanted[k] = true
			fields := map[string]interface{}{
				"datapath":   dp.UUID,
				"name":       g.Name,
				"tunnel_key": int(g.Key),
				"ports":      append([]string{}, g.Members...),
			}
			if row, ok := existing[k]; ok {
				if !sameMembers(getStringSlice(row.Fields, "ports"), g.Members) ||
					rowKey(row) != int(g.Key) {
					sbTxn.Update(sbdb.TableMulticastGroup, row.UUID, fields)
				}
				continue
			}
			sbTxn.Insert(sbdb.TableMulticastGroup, fields)
		}
	}

	for k, row := range existing {
		if !wanted[k] {
			sbTxn.Delete(sbdb.TableMulticastGroup, row.UUID)
		}
	}
	return nil
}

func rowKey(row dbase.Row) int {
	switch v := row.Fields["tunnel_key"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, m := range a {
		seen[m] = struct{}{}
	}
	for _, m := range b {
		if _, ok := seen[m]; !ok {
			return false
		}
	}
	return true
}
