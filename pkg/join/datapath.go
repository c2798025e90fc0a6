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
	"github.com/nvcore/northd/pkg/stage"
	"github.com/nvcore/northd/pkg/util"
)

// DatapathReport tallies what JoinDatapaths did, for logging and
// northctl's "show" surface.
type DatapathReport struct {
	Created int
	Reused  int
	Deleted int
}

// JoinDatapaths classifies southbound Datapath_Binding rows against
// northbound Logical_Switch/Logical_Router
// rows into sb_only (deleted), nb_only (created with a fresh tunnel
// key), and both (external-ids refreshed, tunnel key reused) buckets,
// and populate arena with the resulting model.Datapath graph.
func JoinDatapaths(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena, dpKeys *idalloc.Allocator) (*DatapathReport, error) {
	report := &DatapathReport{}
	log := util.WithComponent("join")

	sbRows, err := sb.Rows(ctx, sbdb.TableDatapathBinding)
	if err != nil {
		return nil, err
	}

	// Index existing southbound rows by the northbound UUID they claim,
	// dropping malformed or duplicate rows.
	byNBUUID := make(map[string]dbase.Row)
	for _, row := range sbRows {
		ext := getStringMap(row.Fields, "external_ids")
		nbUUID := ext["logical-switch"]
		if nbUUID == "" {
			nbUUID = ext["logical-router"]
		}
		if nbUUID == "" {
			log.Warnf("deleting malformed Datapath_Binding %s: no logical-switch/logical-router external-id", row.UUID)
			sbTxn.Delete(sbdb.TableDatapathBinding, row.UUID)
			report.Deleted++
			continue
		}
		if existing, dup := byNBUUID[nbUUID]; dup {
			log.Warnf("deleting duplicate Datapath_Binding %s for logical identity %s (keeping %s)", row.UUID, nbUUID, existing.UUID)
			sbTxn.Delete(sbdb.TableDatapathBinding, row.UUID)
			report.Deleted++
			continue
		}
		byNBUUID[nbUUID] = row
	}

	consumed := make(map[string]bool)

	switches, err := nb.Rows(ctx, nbdb.TableLogicalSwitch)
	if err != nil {
		return nil, err
	}
	sortByUUID(switches)
	for _, row := range switches {
		otherConfig := getStringMap(row.Fields, "other_config")
		subnet := parseSubnet(otherConfig)
		v6prefix := parseV6Prefix(otherConfig)
		dp := model.NewSwitchDatapath(row.UUID, subnet, v6prefix)
		dp.MulticastSnoop = otherConfig["mcast_snoop"] == "true"
		dp.MulticastFloodUnregistered = otherConfig["mcast_flood_unregistered"] == "true"
		if subnet != nil {
			sw, err := newSwitchIPAM(row.UUID, subnet, getStringMap(row.Fields, "other_config"))
			if err == nil {
				dp.IPAM = sw
			} else {
				log.Warnf("switch %s: %v", row.UUID, err)
			}
		}
		key, reused := joinOneDatapath(sbTxn, byNBUUID, row.UUID, "logical-switch", getString(row.Fields, "name"), dpKeys)
		dp.TunnelKey = key
		if reused {
			report.Reused++
		} else {
			report.Created++
		}
		arena.AddDatapath(dp)
		consumed[row.UUID] = true
	}

	routers, err := nb.Rows(ctx, nbdb.TableLogicalRouter)
	if err != nil {
		return nil, err
	}
	sortByUUID(routers)
	for _, row := range routers {
		if !getBool(row.Fields, "enabled", true) {
			// A disabled router is not represented; if a southbound row
			// exists for it, it falls through to the sb_only sweep
			// below and gets deleted.
			continue
		}
		dp := model.NewRouterDatapath(row.UUID, true)
		opts := getStringMap(row.Fields, "options")
		dp.GatewayRouter = opts["chassis"] != ""
		dp.RouterMulticastRelay = opts["mcast_relay"] == "true"
		key, reused := joinOneDatapath(sbTxn, byNBUUID, row.UUID, "logical-router", getString(row.Fields, "name"), dpKeys)
		dp.TunnelKey = key
		if reused {
			report.Reused++
		} else {
			report.Created++
		}
		arena.AddDatapath(dp)
		consumed[row.UUID] = true
	}

	for nbUUID, row := range byNBUUID {
		if consumed[nbUUID] {
			continue
		}
		sbTxn.Delete(sbdb.TableDatapathBinding, row.UUID)
		report.Deleted++
	}

	return report, nil
}

// joinOneDatapath returns the tunnel key to use for nbUUID (reused from
// an existing southbound row if present, freshly allocated otherwise)
// and whether it was reused, refreshing/creating the southbound row's
// external-ids as a side effect.
func joinOneDatapath(sbTxn dbase.Txn, byNBUUID map[string]dbase.Row, nbUUID, idKind, name string, dpKeys *idalloc.Allocator) (uint32, bool) {
	extIDs := map[string]string{idKind: nbUUID, "name": name}
	if row, ok := byNBUUID[nbUUID]; ok {
		key := uint32(getInt(row.Fields, "tunnel_key"))
		dpKeys.Claim(key)
		if !sameStringMap(getStringMap(row.Fields, "external_ids"), extIDs) {
			sbTxn.Update(sbdb.TableDatapathBinding, row.UUID, map[string]interface{}{
				"external_ids": extIDs,
			})
		}
		return key, true
	}
	key := dpKeys.Allocate()
	sbTxn.Insert(sbdb.TableDatapathBinding, map[string]interface{}{
		"tunnel_key":   int(key),
		"external_ids": extIDs,
	})
	return key, false
}

// sortByUUID orders rows by UUID so fresh tunnel-key assignment is
// stable for a given northbound population.
func sortByUUID(rows []dbase.Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].UUID < rows[j].UUID })
}

func parseSubnet(otherConfig map[string]string) *net.IPNet {
	cidr := otherConfig["subnet"]
	if cidr == "" {
		return nil
	}
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil
	}
	return n
}

func parseV6Prefix(otherConfig map[string]string) *net.IPNet {
	cidr := otherConfig["ipv6_prefix"]
	if cidr == "" {
		return nil
	}
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil
	}
	return n
}

// DatapathTypeOf is a small convenience for callers that only have an
// arena Datapath and need the stage package's enum for catalog lookups.
func DatapathTypeOf(dp *model.Datapath) stage.DatapathType { return dp.Kind }
