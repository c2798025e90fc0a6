package join

import (
	"context"
	"testing"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/idalloc"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/sbdb"
)

func mustFixture(t *testing.T, yaml string) *dbase.MemoryDB {
	t.Helper()
	db, err := dbase.LoadFixtureBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func openPass(t *testing.T, db *dbase.MemoryDB) (dbase.Snapshot, dbase.Txn) {
	t.Helper()
	ctx := context.Background()
	snap, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	txn, err := db.Txn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return snap, txn
}

func newDPKeys() *idalloc.Allocator {
	return idalloc.New(idalloc.DatapathKeyMin, idalloc.DatapathKeyMax, "test-dpkeys")
}

func TestJoinDatapathsPurgesOrphanedSouthbound(t *testing.T) {
	nb := mustFixture(t, `
Logical_Switch:
  - _uuid: sw1
    name: sw1
`)
	sb := mustFixture(t, `
Datapath_Binding:
  - _uuid: db1
    tunnel_key: 5
    external_ids: {logical-switch: sw1, name: sw1}
  - _uuid: db2
    tunnel_key: 6
    external_ids: {logical-switch: gone}
  - _uuid: db3
    tunnel_key: 7
    external_ids: {}
`)
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)
	arena := model.NewArena()

	report, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys())
	if err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// The orphan and the malformed row both go; the matched row stays
	// with its tunnel key intact.
	if report.Deleted != 2 || report.Reused != 1 || report.Created != 0 {
		t.Fatalf("report = %+v, want deleted=2 reused=1 created=0", report)
	}
	dp, ok := arena.Datapath("sw1")
	if !ok || dp.TunnelKey != 5 {
		t.Fatalf("expected sw1 to reuse tunnel key 5, got %+v", dp)
	}

	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableDatapathBinding)
	if len(rows) != 1 || rows[0].UUID != "db1" {
		t.Fatalf("expected only db1 to survive, got %+v", rows)
	}
}

func TestJoinDatapathsDuplicateSouthboundDeleted(t *testing.T) {
	nb := mustFixture(t, `
Logical_Switch:
  - _uuid: sw1
    name: sw1
`)
	sb := mustFixture(t, `
Datapath_Binding:
  - _uuid: db1
    tunnel_key: 5
    external_ids: {logical-switch: sw1, name: sw1}
  - _uuid: db2
    tunnel_key: 9
    external_ids: {logical-switch: sw1, name: sw1}
`)
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)

	report, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, model.NewArena(), newDPKeys())
	if err != nil {
		t.Fatal(err)
	}
	if report.Deleted != 1 {
		t.Fatalf("expected the duplicate row deleted, got %+v", report)
	}
}

func TestJoinDatapathsDisabledRouterNotRepresented(t *testing.T) {
	nb := mustFixture(t, `
Logical_Router:
  - _uuid: lr1
    name: r1
    enabled: false
`)
	sb := mustFixture(t, `
Datapath_Binding:
  - _uuid: db1
    tunnel_key: 3
    external_ids: {logical-router: lr1, name: r1}
`)
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)
	arena := model.NewArena()

	report, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := arena.Datapath("lr1"); ok {
		t.Fatal("a disabled router must not be represented")
	}
	if report.Deleted != 1 {
		t.Fatalf("its southbound row must fall into the sb_only sweep, got %+v", report)
	}
}

const portFixtureNB = `
Logical_Switch:
  - _uuid: sw1
    name: sw1
    ports: [sp1]
Logical_Switch_Port:
  - _uuid: spr1
    name: sp1
    type: router
    addresses: [router]
    options: {router-port: rp1}
Logical_Router:
  - _uuid: lr1
    name: r1
    ports: [rp1]
Logical_Router_Port:
  - _uuid: rpr1
    name: rp1
    mac: "0a:00:00:00:00:10"
    networks: ["10.0.0.1/24"]
`

func joinAll(t *testing.T, nb, sb *dbase.MemoryDB) (*model.Arena, *PortReport) {
	t.Helper()
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)
	arena := model.NewArena()
	if _, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys()); err != nil {
		t.Fatal(err)
	}
	report, err := JoinPorts(ctx, nbSnap, sbSnap, sbTxn, arena)
	if err != nil {
		t.Fatal(err)
	}
	ResolvePeers(arena)
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return arena, report
}

func TestPortPeeringSymmetry(t *testing.T) {
	arena, _ := joinAll(t, mustFixture(t, portFixtureNB), dbase.NewMemoryDB())

	sp, ok := arena.Port("sp1")
	if !ok || sp.PeerName != "rp1" {
		t.Fatalf("switch port should peer with rp1, got %+v", sp)
	}
	rp, ok := arena.Port("rp1")
	if !ok || rp.PeerName != "sp1" {
		t.Fatalf("router port should peer back with sp1, got %+v", rp)
	}
	if !sp.IsPeerOf(rp) {
		t.Fatal("peering must be symmetric")
	}
	if errs := arena.ResolvePeers(); len(errs) != 0 {
		t.Fatalf("unexpected peer violations: %v", errs)
	}

	// The "router" address token expands to the peer's networks.
	if len(sp.Addresses) != 1 || sp.Addresses[0].MAC.String() != "0a:00:00:00:00:10" {
		t.Fatalf("expected router-port addresses folded in, got %+v", sp.Addresses)
	}

	sw, _ := arena.Datapath("sw1")
	if len(sw.RouterPorts) != 1 || sw.RouterPorts[0] != "rp1" {
		t.Fatalf("router port must be recorded on the switch datapath, got %+v", sw.RouterPorts)
	}
}

func TestRedirectPortSynthesis(t *testing.T) {
	nb := mustFixture(t, `
Logical_Router:
  - _uuid: lr1
    name: r1
    ports: [rp1, rp2]
Logical_Router_Port:
  - _uuid: rpr1
    name: rp1
    mac: "0a:00:00:00:00:10"
    networks: ["192.0.2.1/24"]
    options: {redirect-chassis: c1}
  - _uuid: rpr2
    name: rp2
    mac: "0a:00:00:00:00:11"
    networks: ["198.51.100.1/24"]
    options: {redirect-chassis: c2}
`)
	arena, _ := joinAll(t, nb, dbase.NewMemoryDB())

	lr, _ := arena.Datapath("lr1")
	// At most one distributed gateway port per router: the first wins.
	if lr.DistributedGatewayPort != "rp1" || lr.RedirectPort != "cr-rp1" {
		t.Fatalf("expected rp1/cr-rp1, got dgw=%q redirect=%q", lr.DistributedGatewayPort, lr.RedirectPort)
	}
	if _, ok := arena.Port("cr-rp2"); ok {
		t.Fatal("the second gateway port must not synthesize a redirect port")
	}
	cr, ok := arena.Port("cr-rp1")
	if !ok || !cr.Derived {
		t.Fatalf("expected a derived cr-rp1 port, got %+v", cr)
	}
	if cr.TunnelKey == 0 {
		t.Fatal("derived port needs a tunnel key")
	}
}

func TestPortBindingWriteBack(t *testing.T) {
	nb := mustFixture(t, `
Logical_Router:
  - _uuid: lr1
    name: r1
    ports: [rp1]
Logical_Router_Port:
  - _uuid: rpr1
    name: rp1
    mac: "0a:00:00:00:00:10"
    networks: ["192.0.2.1/24"]
    options: {redirect-chassis: c1}
`)
	sb := dbase.NewMemoryDB()
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)
	arena := model.NewArena()
	if _, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys()); err != nil {
		t.Fatal(err)
	}
	if _, err := JoinPorts(ctx, nbSnap, sbSnap, sbTxn, arena); err != nil {
		t.Fatal(err)
	}
	ResolvePeers(arena)
	if err := WritePortBindings(ctx, sbSnap, sbTxn, arena); err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TablePortBinding)
	byName := make(map[string]dbase.Row, len(rows))
	for _, r := range rows {
		byName[getString(r.Fields, "logical_port")] = r
	}
	cr, ok := byName["cr-rp1"]
	if !ok {
		t.Fatalf("expected a cr-rp1 Port_Binding, got %v", byName)
	}
	if getString(cr.Fields, "type") != sbdb.PortBindingTypeChassisRedirect {
		t.Fatalf("cr-rp1 type = %q", getString(cr.Fields, "type"))
	}
	opts := getStringMap(cr.Fields, "options")
	if opts["distributed-port"] != "rp1" || opts["redirect-chassis"] != "c1" {
		t.Fatalf("cr-rp1 options = %v", opts)
	}
	if len(getStringSlice(cr.Fields, "nat_addresses")) != 1 {
		t.Fatalf("expected one nat_addresses entry, got %v", cr.Fields["nat_addresses"])
	}

	rp, ok := byName["rp1"]
	if !ok || getString(rp.Fields, "type") != sbdb.PortBindingTypePatch {
		t.Fatalf("rp1 should bind as patch, got %+v", rp.Fields)
	}
}

func TestPortKeyStabilityAcrossPasses(t *testing.T) {
	nb := mustFixture(t, portFixtureNB)
	sb := dbase.NewMemoryDB()

	run := func() *model.Arena {
		ctx := context.Background()
		nbSnap, _ := openPass(t, nb)
		sbSnap, sbTxn := openPass(t, sb)
		arena := model.NewArena()
		if _, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys()); err != nil {
			t.Fatal(err)
		}
		if _, err := JoinPorts(ctx, nbSnap, sbSnap, sbTxn, arena); err != nil {
			t.Fatal(err)
		}
		ResolvePeers(arena)
		if err := WritePortBindings(ctx, sbSnap, sbTxn, arena); err != nil {
			t.Fatal(err)
		}
		if err := sbTxn.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		return arena
	}

	first := run()
	second := run()
	for _, name := range []string{"sp1", "rp1"} {
		a, _ := first.Port(name)
		b, _ := second.Port(name)
		if a.TunnelKey != b.TunnelKey {
			t.Errorf("port %s tunnel key changed across passes: %d -> %d", name, a.TunnelKey, b.TunnelKey)
		}
	}
	swA, _ := first.Datapath("sw1")
	swB, _ := second.Datapath("sw1")
	if swA.TunnelKey != swB.TunnelKey {
		t.Errorf("datapath tunnel key changed: %d -> %d", swA.TunnelKey, swB.TunnelKey)
	}
}

func TestContainerTagAllocation(t *testing.T) {
	nb := mustFixture(t, `
Logical_Switch:
  - _uuid: sw1
    name: sw1
    ports: [c1, c2, c3]
Logical_Switch_Port:
  - _uuid: u1
    name: c1
    parent_name: vm1
    tag_request: 0
  - _uuid: u2
    name: c2
    parent_name: vm1
    tag_request: 7
  - _uuid: u3
    name: c3
    parent_name: vm1
    tag_request: 0
`)
	arena, _ := joinAll(t, nb, dbase.NewMemoryDB())

	tags := make(map[int]string)
	for _, name := range []string{"c1", "c2", "c3"} {
		p, _ := arena.Port(name)
		if p.Tag == 0 {
			t.Fatalf("port %s got no tag", name)
		}
		if prev, dup := tags[p.Tag]; dup {
			t.Fatalf("tag %d assigned to both %s and %s", p.Tag, prev, name)
		}
		tags[p.Tag] = name
	}
	c2, _ := arena.Port("c2")
	if c2.Tag != 7 {
		t.Fatalf("explicit tag_request must be honored, got %d", c2.Tag)
	}
}

func TestHAChassisGroupFromGatewayChassis(t *testing.T) {
	nb := mustFixture(t, `
Logical_Router:
  - _uuid: lr1
    name: r1
    ports: [rp1]
Logical_Router_Port:
  - _uuid: rpr1
    name: rp1
    mac: "0a:00:00:00:00:10"
    networks: ["192.0.2.1/24"]
    gateway_chassis: [gc1, gc2]
Gateway_Chassis:
  - _uuid: gc1
    chassis_name: hv1
    priority: 20
  - _uuid: gc2
    chassis_name: hv2
    priority: 10
`)
	sb := dbase.NewMemoryDB()
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)
	arena := model.NewArena()
	if _, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys()); err != nil {
		t.Fatal(err)
	}
	if _, err := JoinPorts(ctx, nbSnap, sbSnap, sbTxn, arena); err != nil {
		t.Fatal(err)
	}
	report, err := JoinHAChassisGroups(ctx, nbSnap, sbSnap, sbTxn, arena)
	if err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if report.Created != 1 {
		t.Fatalf("expected one group created, got %+v", report)
	}

	g, ok := arena.HAChassisGroup("rp1")
	if !ok {
		t.Fatal("legacy gateway_chassis must derive a group named after the port")
	}
	if len(g.Members) != 2 || g.Members[0].Chassis != "hv1" || g.Members[0].Priority != 20 {
		t.Fatalf("expected priority-ordered members, got %+v", g.Members)
	}

	// Re-running against the committed state must not rewrite the group.
	sbSnap2, sbTxn2 := openPass(t, sb)
	report2, err := JoinHAChassisGroups(ctx, nbSnap, sbSnap2, sbTxn2, arena)
	if err != nil {
		t.Fatal(err)
	}
	if report2.Created != 0 || report2.Updated != 0 || report2.Deleted != 0 {
		t.Fatalf("second HA sync must be a no-op, got %+v", report2)
	}
}

func TestPruneMACBindings(t *testing.T) {
	nb := mustFixture(t, portFixtureNB)
	sb := mustFixture(t, `
MAC_Binding:
  - _uuid: mb1
    logical_port: rp1
    datapath: lr1
    ip: 10.0.0.9
    mac: "0a:00:00:00:00:99"
  - _uuid: mb2
    logical_port: vanished
    datapath: lr1
    ip: 10.0.0.10
    mac: "0a:00:00:00:00:aa"
  - _uuid: mb3
    logical_port: rp1
    datapath: gone-router
    ip: 10.0.0.11
    mac: "0a:00:00:00:00:bb"
`)
	ctx := context.Background()
	nbSnap, _ := openPass(t, nb)
	sbSnap, sbTxn := openPass(t, sb)
	arena := model.NewArena()
	if _, err := JoinDatapaths(ctx, nbSnap, sbSnap, sbTxn, arena, newDPKeys()); err != nil {
		t.Fatal(err)
	}
	if _, err := JoinPorts(ctx, nbSnap, sbSnap, sbTxn, arena); err != nil {
		t.Fatal(err)
	}
	pruned, err := PruneMACBindings(ctx, sbSnap, sbTxn, arena)
	if err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if pruned != 2 {
		t.Fatalf("expected the two orphaned bindings pruned, got %d", pruned)
	}

	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableMACBinding)
	if len(rows) != 1 || rows[0].UUID != "mb1" {
		t.Fatalf("expected only the live binding to survive, got %+v", rows)
	}
}
