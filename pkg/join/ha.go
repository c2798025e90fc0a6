package join

import (
	"context"
	"fmt"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

// HAReport tallies what JoinHAChassisGroups did.
type HAReport struct {
	Created int
	Updated int
	Deleted int
}

// JoinHAChassisGroups derives one southbound HA chassis group per
// router port that carries ha_chassis_group, legacy
// gateway_chassis, or a single redirect-chassis option, and delete
// southbound groups no port binding references any longer. Must run
// after JoinPorts so arena's ports (and their HaChassisGroup/
// GatewayChassis/Options fields) are populated.
func JoinHAChassisGroups(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) (*HAReport, error) {
	report := &HAReport{}
	log := util.WithComponent("join")

	referenced := make(map[string]bool)
	for _, p := range arena.Ports() {
		if p.DatapathUUID == "" {
			continue
		}
		g, err := desiredHAGroup(ctx, nb, p)
		if err != nil {
			log.Warnf("port %s: %v", p.Name, err)
			continue
		}
		if g == nil {
			continue
		}
		arena.AddHAChassisGroup(g)
		referenced[g.Name] = true
	}

	sbRows, err := sb.Rows(ctx, sbdb.TableHAChassisGroup)
	if err != nil {
		return nil, err
	}
	existingByName := make(map[string]dbase.Row, len(sbRows))
	for _, row := range sbRows {
		existingByName[getString(row.Fields, "name")] = row
	}

	for _, g := range arena.HAChassisGroups() {
		row, exists := existingByName[g.Name]
		if !exists {
			writeHAGroup(sbTxn, g, "")
			report.Created++
			continue
		}
		if needsHAUpdate(row, g) {
			writeHAGroup(sbTxn, g, row.UUID)
			report.Updated++
		}
	}

	for name, row := range existingByName {
		if !referenced[name] {
			log.Infof("deleting unreferenced HA chassis group %s", name)
			sbTxn.Delete(sbdb.TableHAChassisGroup, row.UUID)
			report.Deleted++
		}
	}

	return report, nil
}

// desiredHAGroup computes the HA chassis group a port wants, trying
// ha_chassis_group, then legacy gateway_chassis, then the
// redirect-chassis option. Returns (nil, nil) if the port carries none
// of the three.
func desiredHAGroup(ctx context.Context, nb dbase.Snapshot, p *model.Port) (*model.HAChassisGroup, error) {
	if p.HaChassisGroup != "" {
		return resolveHAChassisGroupRow(ctx, nb, p.HaChassisGroup)
	}
	if len(p.GatewayChassis) > 0 {
		return resolveGatewayChassisList(ctx, nb, p.Name, p.GatewayChassis), nil
	}
	if chassis := p.Options["redirect-chassis"]; chassis != "" {
		g := model.NewHAChassisGroup(p.Name + "_" + chassis)
		g.AddMember(chassis, 1)
		return g, nil
	}
	return nil, nil
}

// resolveHAChassisGroupRow dereferences a northbound HA_Chassis_Group
// row UUID into a model.HAChassisGroup, walking its ha_chassis member
// UUIDs in turn.
func resolveHAChassisGroupRow(ctx context.Context, nb dbase.Snapshot, uuid string) (*model.HAChassisGroup, error) {
	row, ok, err := nb.Row(ctx, nbdb.TableHAChassisGroup, uuid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ha_chassis_group %s: %w", uuid, util.ErrNotFound)
	}
	g := model.NewHAChassisGroup(getString(row.Fields, "name"))
	for _, memberUUID := range getStringSlice(row.Fields, "ha_chassis") {
		mrow, ok, err := nb.Row(ctx, nbdb.TableHAChassis, memberUUID)
		if err != nil || !ok {
			continue
		}
		g.AddMember(getString(mrow.Fields, "chassis_name"), int32(getInt(mrow.Fields, "priority")))
	}
	return g, nil
}

// resolveGatewayChassisList dereferences a legacy gateway_chassis UUID
// list into a model.HAChassisGroup named after the owning router port,
// preserving each member's stored priority rather than synthesizing
// fresh descending ones.
func resolveGatewayChassisList(ctx context.Context, nb dbase.Snapshot, portName string, uuids []string) *model.HAChassisGroup {
	g := model.NewHAChassisGroup(portName)
	for _, u := range uuids {
		row, ok, err := nb.Row(ctx, nbdb.TableGatewayChassis, u)
		if err != nil || !ok {
			continue
		}
		g.AddMember(getString(row.Fields, "chassis_name"), int32(getInt(row.Fields, "priority")))
	}
	return g
}

// needsHAUpdate decides whether an existing southbound group must be
// rewritten:
// name, cardinality, and per-member (chassis-name, priority).
func needsHAUpdate(row dbase.Row, g *model.HAChassisGroup) bool {
	existing := decodeHAMembers(row)
	if len(existing) != len(g.Members) {
		return true
	}
	byChassis := make(map[string]int32, len(existing))
	for _, m := range existing {
		byChassis[m.Chassis] = m.Priority
	}
	for _, m := range g.Members {
		prio, ok := byChassis[m.Chassis]
		if !ok || prio != m.Priority {
			return true
		}
	}
	return false
}

func decodeHAMembers(row dbase.Row) []model.HAChassisEntry {
	raw, _ := row.Fields["members"].([]model.HAChassisEntry)
	return raw
}

// writeHAGroup inserts (uuid == "") or updates the southbound HA
// chassis group row for g. Members are written as a denormalized
// []model.HAChassisEntry under the "members" key rather than as real
// HA_Chassis row references: pkg/dbase's fixture-backed Database has no
// separate member-row table, matching the rest of this core's
// generic-row abstraction.
func writeHAGroup(sbTxn dbase.Txn, g *model.HAChassisGroup, uuid string) {
	g.SortByPriority()
	fields := map[string]interface{}{
		"name":    g.Name,
		"members": append([]model.HAChassisEntry{}, g.Members...),
	}
	if uuid == "" {
		sbTxn.Insert(sbdb.TableHAChassisGroup, fields)
		return
	}
	sbTxn.Update(sbdb.TableHAChassisGroup, uuid, fields)
}
