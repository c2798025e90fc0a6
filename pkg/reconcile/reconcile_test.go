package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/ipam"
	"github.com/nvcore/northd/pkg/nbdb"
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

func runPass(t *testing.T, nb, sb *dbase.MemoryDB, macam *ipam.MACAM) *Report {
	t.Helper()
	ctx := context.Background()
	nbSnap, err := nb.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sbSnap, err := sb.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	nbTxn, err := nb.Txn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sbTxn, err := sb.Txn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	report, err := Run(ctx, nbSnap, sbSnap, nbTxn, sbTxn, macam)
	if err != nil {
		t.Fatal(err)
	}
	if err := nbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return report
}

func testMACAM() *ipam.MACAM {
	return ipam.NewMACAMWithPrefix([3]byte{0x0a, 0xab, 0xcd})
}

const dynamicFixture = `
Logical_Switch:
  - _uuid: sw1
    name: S
    ports: [P]
    other_config:
      subnet: 10.0.0.0/24
      exclude_ips: 10.0.0.4..10.0.0.6
Logical_Switch_Port:
  - _uuid: lsp1
    name: P
    addresses: [dynamic]
`

func TestDynamicIPAssignment(t *testing.T) {
	nb := mustFixture(t, dynamicFixture)
	sb := dbase.NewMemoryDB()

	report := runPass(t, nb, sb, testMACAM())
	if report.IPAM.Allocated != 1 {
		t.Fatalf("expected one dynamic allocation, got %+v", report.IPAM)
	}

	ctx := context.Background()
	snap, _ := nb.Snapshot(ctx)
	row, ok, _ := snap.Row(ctx, nbdb.TableLogicalSwitchPort, "lsp1")
	if !ok {
		t.Fatal("port row vanished")
	}
	dyn, _ := row.Fields["dynamic_addresses"].(string)
	if !strings.HasPrefix(dyn, "0a:ab:cd:") {
		t.Fatalf("dynamic MAC must carry the process prefix, got %q", dyn)
	}
	// .1 is reserved for the router, .4-.6 are excluded; the first free
	// host is .2.
	if !strings.HasSuffix(dyn, " 10.0.0.2") {
		t.Fatalf("expected the first free host 10.0.0.2, got %q", dyn)
	}
}

func TestPrepopulatedDynamicUnchanged(t *testing.T) {
	nb := mustFixture(t, `
Logical_Switch:
  - _uuid: sw1
    name: S
    ports: [P]
    other_config:
      subnet: 10.0.0.0/24
Logical_Switch_Port:
  - _uuid: lsp1
    name: P
    addresses: [dynamic]
    dynamic_addresses: "0a:ab:cd:11:22:33 10.0.0.2"
`)
	sb := dbase.NewMemoryDB()

	report := runPass(t, nb, sb, testMACAM())
	if report.IPAM.Allocated != 0 {
		t.Fatalf("a valid persisted value must not re-allocate, got %+v", report.IPAM)
	}

	ctx := context.Background()
	snap, _ := nb.Snapshot(ctx)
	row, _, _ := snap.Row(ctx, nbdb.TableLogicalSwitchPort, "lsp1")
	if dyn, _ := row.Fields["dynamic_addresses"].(string); dyn != "0a:ab:cd:11:22:33 10.0.0.2" {
		t.Fatalf("dynamic_addresses must stay untouched, got %q", dyn)
	}
}

const topologyFixture = `
NB_Global:
  - _uuid: nbg
    nb_cfg: 1
    options: {mac_prefix: "0a:ab:cd"}
Logical_Switch:
  - _uuid: sw1
    name: S
    ports: [p1, sp-r]
    acls: [acl1]
Logical_Switch_Port:
  - _uuid: lsp1
    name: p1
    addresses: ["0a:00:00:00:00:01 10.0.0.5"]
  - _uuid: lsp2
    name: sp-r
    type: router
    addresses: [router]
    options: {router-port: rp-s}
Logical_Router:
  - _uuid: lr1
    name: R
    ports: [rp-s]
    nat: [n1]
Logical_Router_Port:
  - _uuid: lrp1
    name: rp-s
    mac: "0a:00:00:00:00:10"
    networks: ["10.0.0.1/24"]
    options: {redirect-chassis: c1}
ACL:
  - _uuid: acl1
    direction: from-lport
    priority: 2000
    match: ip4.src==10.0.0.5
    action: allow-related
NAT:
  - _uuid: n1
    type: dnat_and_snat
    external_ip: 192.0.2.5
    logical_ip: 10.0.0.5
    external_mac: "aa:aa:aa:aa:aa:aa"
    logical_port: p1
`

func TestReconcileIdempotence(t *testing.T) {
	nb := mustFixture(t, topologyFixture)
	sb := dbase.NewMemoryDB()
	macam := testMACAM()

	first := runPass(t, nb, sb, macam)
	if first.Flows.Inserted == 0 {
		t.Fatal("first pass must populate the southbound flow table")
	}

	ctx := context.Background()
	countRows := func() map[string]int {
		snap, _ := sb.Snapshot(ctx)
		out := map[string]int{}
		for _, table := range []string{
			sbdb.TableDatapathBinding, sbdb.TablePortBinding, sbdb.TableLogicalFlow,
			sbdb.TableMulticastGroup, sbdb.TableHAChassisGroup,
			sbdb.TableRBACPermission, sbdb.TableRBACRole,
		} {
			rows, _ := snap.Rows(ctx, table)
			out[table] = len(rows)
		}
		return out
	}
	before := countRows()

	second := runPass(t, nb, sb, macam)
	if second.Flows.Inserted != 0 || second.Flows.Deleted != 0 {
		t.Fatalf("second pass must commit no flow changes, got %+v", second.Flows)
	}
	if second.Datapaths.Created != 0 || second.Datapaths.Deleted != 0 {
		t.Fatalf("second pass must reuse every datapath, got %+v", second.Datapaths)
	}

	after := countRows()
	for table, n := range before {
		if after[table] != n {
			t.Errorf("table %s row count drifted: %d -> %d", table, n, after[table])
		}
	}
}

func TestSouthboundPurgeCascades(t *testing.T) {
	nb := dbase.NewMemoryDB()
	sb := mustFixture(t, `
Datapath_Binding:
  - _uuid: db1
    tunnel_key: 4
    external_ids: {logical-switch: gone-switch}
Port_Binding:
  - _uuid: pb1
    logical_port: ghost
    datapath: gone-switch
    tunnel_key: 1
Logical_Flow:
  - _uuid: lf1
    logical_datapath: gone-switch
    pipeline: ingress
    table_id: 0
    priority: 50
    match: "1"
    actions: "next;"
`)
	runPass(t, nb, sb, testMACAM())

	ctx := context.Background()
	snap, _ := sb.Snapshot(ctx)
	for _, table := range []string{sbdb.TableDatapathBinding, sbdb.TablePortBinding, sbdb.TableLogicalFlow} {
		rows, _ := snap.Rows(ctx, table)
		if len(rows) != 0 {
			t.Errorf("expected %s purged with its datapath, got %d rows", table, len(rows))
		}
	}
}

func TestDistributedNATEndToEnd(t *testing.T) {
	nb := mustFixture(t, topologyFixture)
	sb := dbase.NewMemoryDB()
	runPass(t, nb, sb, testMACAM())

	ctx := context.Background()
	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TablePortBinding)
	var foundRedirect bool
	for _, r := range rows {
		if r.Fields["logical_port"] == "cr-rp-s" && r.Fields["type"] == sbdb.PortBindingTypeChassisRedirect {
			foundRedirect = true
		}
	}
	if !foundRedirect {
		t.Fatal("expected a chassisredirect Port_Binding named cr-rp-s")
	}

	flows, _ := snap.Rows(ctx, sbdb.TableLogicalFlow)
	var undnat bool
	for _, f := range flows {
		match, _ := f.Fields["match"].(string)
		actions, _ := f.Fields["actions"].(string)
		if strings.Contains(match, "ip4.src == 10.0.0.5") &&
			strings.Contains(match, `is_chassis_resident("p1")`) &&
			strings.Contains(actions, "eth.src = aa:aa:aa:aa:aa:aa") {
			undnat = true
		}
	}
	if !undnat {
		t.Fatal("expected the distributed undnat flow in the southbound flow table")
	}
}

func TestEnsureMACPrefixPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	nb := mustFixture(t, `
NB_Global:
  - _uuid: nbg
    options: {}
`)
	snap, _ := nb.Snapshot(ctx)
	txn, _ := nb.Txn(ctx)
	macam, err := EnsureMACPrefix(ctx, snap, txn)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// A restart reads back the same prefix instead of minting another.
	snap2, _ := nb.Snapshot(ctx)
	txn2, _ := nb.Txn(ctx)
	restored, err := EnsureMACPrefix(ctx, snap2, txn2)
	if err != nil {
		t.Fatal(err)
	}
	if restored.String() != macam.String() {
		t.Fatalf("prefix changed across restarts: %s -> %s", macam.String(), restored.String())
	}
}
