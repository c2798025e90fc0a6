package mcast

import (
	"context"
	"testing"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/sbdb"
)

func newSwitchWithPorts(arena *model.Arena, uuid string, ports ...string) *model.Datapath {
	dp := model.NewSwitchDatapath(uuid, nil, nil)
	arena.AddDatapath(dp)
	for _, name := range ports {
		p := model.NewSwitchPort(name, uuid)
		p.Enabled = true
		arena.AddPort(p)
	}
	return dp
}

func runSynthesize(t *testing.T, sb *dbase.MemoryDB, arena *model.Arena) *Report {
	t.Helper()
	ctx := context.Background()
	snap, err := sb.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	txn, err := sb.Txn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	report, err := Synthesize(ctx, snap, txn, arena)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return report
}

func TestWellKnownGroupsSeeded(t *testing.T) {
	arena := model.NewArena()
	dp := newSwitchWithPorts(arena, "sw1", "p1")
	runSynthesize(t, dbase.NewMemoryDB(), arena)

	for _, wk := range model.WellKnownMulticastGroups() {
		g, ok := arena.MulticastGroup(dp.UUID, wk.Name)
		if !ok {
			t.Errorf("missing well-known group %s", wk.Name)
			continue
		}
		if g.Key != wk.Key {
			t.Errorf("group %s key = %d, want %d", wk.Name, g.Key, wk.Key)
		}
	}
}

func TestIGMPAggregationAcrossChassis(t *testing.T) {
	sb, err := dbase.LoadFixtureBytes([]byte(`
IGMP_Group:
  - _uuid: g1
    datapath: sw1
    chassis: hv1
    address: 239.0.0.1
    ports: [p1]
  - _uuid: g2
    datapath: sw1
    chassis: hv2
    address: 239.0.0.1
    ports: [p2]
  - _uuid: stale
    datapath: sw1
    chassis: ""
    address: 239.0.0.2
    ports: [p1]
`))
	if err != nil {
		t.Fatal(err)
	}
	arena := model.NewArena()
	dp := newSwitchWithPorts(arena, "sw1", "p1", "p2")

	report := runSynthesize(t, sb, arena)
	if report.StaleDeleted != 1 {
		t.Fatalf("expected the chassis-less row pruned, got %+v", report)
	}

	g, ok := arena.MulticastGroup(dp.UUID, "239.0.0.1")
	if !ok {
		t.Fatal("expected an aggregated group for 239.0.0.1")
	}
	if len(g.Members) != 2 {
		t.Fatalf("expected ports from both chassis aggregated, got %v", g.Members)
	}
	if g.Key == 0 {
		t.Fatal("aggregated group needs an allocated key")
	}

	ctx := context.Background()
	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableIGMPGroup)
	if len(rows) != 2 {
		t.Fatalf("expected only the live IGMP rows to survive, got %d", len(rows))
	}
}

func TestRelayPropagation(t *testing.T) {
	sb, err := dbase.LoadFixtureBytes([]byte(`
IGMP_Group:
  - _uuid: g1
    datapath: sw1
    chassis: hv1
    address: 239.0.0.1
    ports: [p1]
`))
	if err != nil {
		t.Fatal(err)
	}
	arena := model.NewArena()
	newSwitchWithPorts(arena, "sw1", "p1")

	// A switch-side port bonded to a relay router, and the router port
	// facing it.
	swPort := model.NewSwitchPort("sw1-to-r1", "sw1")
	swPort.Type = "router"
	swPort.PeerName = "r1-to-sw1"
	arena.AddPort(swPort)

	router := model.NewRouterDatapath("lr1", true)
	router.RouterMulticastRelay = true
	arena.AddDatapath(router)
	rp := model.NewRouterPort("r1-to-sw1", "lr1", nil, nil)
	rp.PeerName = "sw1-to-r1"
	arena.AddPort(rp)

	runSynthesize(t, sb, arena)

	relayed, ok := arena.MulticastGroup("lr1", "239.0.0.1")
	if !ok {
		t.Fatal("relay router should learn the peer switch's IGMP group")
	}
	if len(relayed.Members) != 1 || relayed.Members[0] != "r1-to-sw1" {
		t.Fatalf("relayed group's only member must be the peer router port, got %v", relayed.Members)
	}
}

func TestWriteBackConvergesGroups(t *testing.T) {
	sb := dbase.NewMemoryDB()
	arena := model.NewArena()
	newSwitchWithPorts(arena, "sw1", "p1")
	runSynthesize(t, sb, arena)

	ctx := context.Background()
	snap, _ := sb.Snapshot(ctx)
	txn, _ := sb.Txn(ctx)
	if err := WriteBack(ctx, snap, txn, arena); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	snap, _ = sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableMulticastGroup)
	if len(rows) != len(model.WellKnownMulticastGroups()) {
		t.Fatalf("expected the five well-known groups written, got %d rows", len(rows))
	}

	// Second write-back against the committed rows changes nothing.
	snap2, _ := sb.Snapshot(ctx)
	txn2, _ := sb.Txn(ctx)
	if err := WriteBack(ctx, snap2, txn2, arena); err != nil {
		t.Fatal(err)
	}
	if err := txn2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	snap3, _ := sb.Snapshot(ctx)
	rows3, _ := snap3.Rows(ctx, sbdb.TableMulticastGroup)
	if len(rows3) != len(rows) {
		t.Fatalf("idempotent write-back grew the table: %d -> %d", len(rows), len(rows3))
	}
}
