// Package reconcile implements one full reconciliation pass as one
// atomic unit of work, in strict order: datapath join, port join and
// peering, HA chassis groups, IPAM, port bindings, the set/meter/DNS/
// DHCP/RBAC mirrors, multicast, flow synthesis, and the flow
// write-back. It is wired against the dbase.Snapshot/Txn interfaces so
// it runs identically against the in-memory fixture and the
// Redis-backed database.
package reconcile

import (
	"context"
	"fmt"

	"github.com/nvcore/northd/pkg/addrsync"
	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/idalloc"
	"github.com/nvcore/northd/pkg/ipam"
	"github.com/nvcore/northd/pkg/join"
	"github.com/nvcore/northd/pkg/lflow"
	"github.com/nvcore/northd/pkg/mcast"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/rbac"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

// Report aggregates every component's tally for one pass, surfaced to
// northctl's "show" command and to the lifecycle loop's logging.
type Report struct {
	Datapaths   *join.DatapathReport
	Ports       *join.PortReport
	IPAM        *join.IPAMReport
	HA          *join.HAReport
	AddressSets *addrsync.Report
	PortGroups  *addrsync.Report
	Meters      *addrsync.Report
	DNS         *addrsync.Report
	DHCPOptions *addrsync.Report
	RBAC        *rbac.Report
	Mcast       *mcast.Report
	Flows       *lflow.Report
	FlowCount   int

	MACBindingsPruned int
}

// Run executes one reconciliation pass against nb/sb snapshots and
// commits the synthesized southbound state through sbTxn. macam is the
// process-wide MAC-address-management state; the caller owns its
// lifetime across passes. nbTxn carries back the northbound writes a pass
// makes: a port's dynamic_addresses and NB_Global's sb_cfg/hv_cfg. A
// container port's allocated tag goes to its southbound Port_Binding
// only; the northbound tag column is not written.
func Run(ctx context.Context, nb, sb dbase.Snapshot, nbTxn, sbTxn dbase.Txn, macam *ipam.MACAM) (*Report, error) {
	log := util.WithComponent("reconcile")
	report := &Report{}
	arena := model.NewArena()

	dpKeys := idalloc.New(idalloc.DatapathKeyMin, idalloc.DatapathKeyMax, "dpkeys")
	dpReport, err := join.JoinDatapaths(ctx, nb, sb, sbTxn, arena, dpKeys)
	if err != nil {
		return nil, fmt.Errorf("reconcile: join datapaths: %w", err)
	}
	report.Datapaths = dpReport

	portReport, err := join.JoinPorts(ctx, nb, sb, sbTxn, arena)
	if err != nil {
		return nil, fmt.Errorf("reconcile: join ports: %w", err)
	}
	report.Ports = portReport

	join.ResolvePeers(arena)
	if errs := arena.ResolvePeers(); len(errs) > 0 {
		for _, e := range errs {
			log.Warnf("peer resolution: %v", e)
		}
	}

	haReport, err := join.JoinHAChassisGroups(ctx, nb, sb, sbTxn, arena)
	if err != nil {
		return nil, fmt.Errorf("reconcile: join HA chassis groups: %w", err)
	}
	report.HA = haReport

	ipamReport, err := join.ApplyIPAM(ctx, nb, nbTxn, arena, macam)
	if err != nil {
		return nil, fmt.Errorf("reconcile: apply IPAM: %w", err)
	}
	report.IPAM = ipamReport

	if err := join.WritePortBindings(ctx, sb, sbTxn, arena); err != nil {
		return nil, fmt.Errorf("reconcile: write port bindings: %w", err)
	}

	pruned, err := join.PruneMACBindings(ctx, sb, sbTxn, arena)
	if err != nil {
		return nil, fmt.Errorf("reconcile: prune MAC bindings: %w", err)
	}
	report.MACBindingsPruned = pruned

	addrsOf := func(portName string) []model.Address {
		p, ok := arena.Port(portName)
		if !ok {
			return nil
		}
		if peer, ok := arena.Peer(p); ok {
			return p.EffectiveAddresses(peer)
		}
		return p.Addresses
	}

	pgReport, err := addrsync.SyncPortGroups(ctx, nb, sb, sbTxn, arena)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync port groups: %w", err)
	}
	report.PortGroups = pgReport

	asReport, err := addrsync.SyncAddressSets(ctx, nb, sb, sbTxn, arena, addrsOf)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync address sets: %w", err)
	}
	report.AddressSets = asReport

	meterReport, err := addrsync.SyncMeters(ctx, nb, sb, sbTxn)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync meters: %w", err)
	}
	report.Meters = meterReport

	dnsReport, err := addrsync.SyncDNS(ctx, nb, sb, sbTxn)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync DNS: %w", err)
	}
	report.DNS = dnsReport

	dhcpReport, err := addrsync.SyncDHCPOptions(ctx, nb, sb, sbTxn)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync DHCP options: %w", err)
	}
	report.DHCPOptions = dhcpReport

	rbacReport, err := rbac.Sync(ctx, sb, sbTxn)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync RBAC: %w", err)
	}
	report.RBAC = rbacReport

	mcastReport, err := mcast.Synthesize(ctx, sb, sbTxn, arena)
	if err != nil {
		return nil, fmt.Errorf("reconcile: synthesize multicast: %w", err)
	}
	report.Mcast = mcastReport

	if err := mcast.WriteBack(ctx, sb, sbTxn, arena); err != nil {
		return nil, fmt.Errorf("reconcile: write back multicast groups: %w", err)
	}

	flows := lflow.NewSet()
	for _, dp := range arena.Datapaths() {
		if dp.IsSwitch() {
			if err := lflow.BuildSwitchPipeline(ctx, nb, arena, dp, flows); err != nil {
				return nil, fmt.Errorf("reconcile: build switch pipeline for %s: %w", dp.UUID, err)
			}
		} else {
			if err := lflow.BuildRouterPipeline(ctx, nb, arena, dp, flows); err != nil {
				return nil, fmt.Errorf("reconcile: build router pipeline for %s: %w", dp.UUID, err)
			}
		}
	}
	report.FlowCount = flows.Len()

	flowReport, err := lflow.WriteBack(ctx, sb, sbTxn, flows)
	if err != nil {
		return nil, fmt.Errorf("reconcile: write back flows: %w", err)
	}
	report.Flows = flowReport

	if err := mirrorConfig(ctx, nb, sb, nbTxn); err != nil {
		log.Warnf("mirror config numbers: %v", err)
	}

	log.Infof("pass complete: %d datapaths, %d ports, %d flows (%d inserted, %d deleted)",
		len(arena.Datapaths()), len(arena.Ports()), report.FlowCount, flowReport.Inserted, flowReport.Deleted)
	return report, nil
}

// mirrorConfig maintains sb_cfg and hv_cfg on NB_Global: sb_cfg tracks
// the southbound
// configuration number this pass just applied; hv_cfg mirrors back the
// slowest chassis's acknowledged nb_cfg, so a client waiting on
// NB_Global.hv_cfg knows every hypervisor has caught up to a given
// northbound generation.
func mirrorConfig(ctx context.Context, nb, sb dbase.Snapshot, nbTxn dbase.Txn) error {
	nbRows, err := nb.Rows(ctx, nbdb.TableNBGlobal)
	if err != nil || len(nbRows) == 0 {
		return err
	}
	nbRow := nbRows[0]
	nbCfg, _ := nbRow.Fields["nb_cfg"].(int)

	sbRows, err := sb.Rows(ctx, sbdb.TableSBGlobal)
	if err != nil {
		return err
	}
	sbCfg := nbCfg
	if len(sbRows) > 0 {
		if v, ok := sbRows[0].Fields["nb_cfg"].(int); ok {
			sbCfg = v
		}
	}

	chassisRows, err := sb.Rows(ctx, sbdb.TableChassis)
	if err != nil {
		return err
	}
	hvCfg := sbCfg
	for _, c := range chassisRows {
		if v, ok := c.Fields["nb_cfg"].(int); ok && v < hvCfg {
			hvCfg = v
		}
	}

	curSB, _ := nbRow.Fields["sb_cfg"].(int)
	curHV, _ := nbRow.Fields["hv_cfg"].(int)
	if curSB == sbCfg && curHV == hvCfg {
		return nil
	}
	return nbTxn.Update(nbdb.TableNBGlobal, nbRow.UUID, map[string]interface{}{
		"sb_cfg": sbCfg,
		"hv_cfg": hvCfg,
	})
}

// EnsureMACPrefix makes the MAC prefix stable across restarts: it
// reads NB_Global.options["mac_prefix"],
// returning the persisted MACAM if present, or minting and persisting a
// fresh one otherwise. Callers hold this MACAM across every subsequent
// pass for the process's lifetime.
func EnsureMACPrefix(ctx context.Context, nb dbase.Snapshot, nbTxn dbase.Txn) (*ipam.MACAM, error) {
	rows, err := nb.Rows(ctx, nbdb.TableNBGlobal)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		macam := ipam.NewMACAM()
		if _, err := nbTxn.Insert(nbdb.TableNBGlobal, map[string]interface{}{
			"options": map[string]string{"mac_prefix": macam.String()},
		}); err != nil {
			return nil, err
		}
		return macam, nil
	}

	row := rows[0]
	opts, _ := row.Fields["options"].(map[string]string)
	if opts == nil {
		if m, ok := row.Fields["options"].(map[string]interface{}); ok {
			opts = make(map[string]string, len(m))
			for k, v := range m {
				if s, ok := v.(string); ok {
					opts[k] = s
				}
			}
		}
	}
	if prefix, ok := opts["mac_prefix"]; ok && prefix != "" {
		parsed, err := ipam.ParseMACPrefix(prefix)
		if err != nil {
			return nil, fmt.Errorf("reconcile: invalid persisted mac_prefix %q: %w", prefix, err)
		}
		return ipam.NewMACAMWithPrefix(parsed), nil
	}

	macam := ipam.NewMACAM()
	newOpts := make(map[string]string, len(opts)+1)
	for k, v := range opts {
		newOpts[k] = v
	}
	newOpts["mac_prefix"] = macam.String()
	if err := nbTxn.Update(nbdb.TableNBGlobal, row.UUID, map[string]interface{}{"options": newOpts}); err != nil {
		return nil, err
	}
	return macam, nil
}
