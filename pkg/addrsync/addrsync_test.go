package addrsync

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nvcore/northd/pkg/dbase"
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

func pass(t *testing.T, db *dbase.MemoryDB) (dbase.Snapshot, dbase.Txn) {
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

func TestPortGroupDerivesAddressSets(t *testing.T) {
	nb := mustFixture(t, `
Port_Group:
  - _uuid: pg1
    name: web
    ports: [p1, p2]
`)
	sb := dbase.NewMemoryDB()
	ctx := context.Background()
	arena := model.NewArena()

	addrsOf := func(port string) []model.Address {
		switch port {
		case "p1":
			return []model.Address{{IPs: []net.IP{net.ParseIP("10.0.0.2"), net.ParseIP("2001:db8::2")}}}
		case "p2":
			return []model.Address{{IPs: []net.IP{net.ParseIP("10.0.0.3")}}}
		}
		return nil
	}

	nbSnap, _ := pass(t, nb)
	sbSnap, sbTxn := pass(t, sb)
	if _, err := SyncPortGroups(ctx, nbSnap, sbSnap, sbTxn, arena); err != nil {
		t.Fatal(err)
	}
	if _, err := SyncAddressSets(ctx, nbSnap, sbSnap, sbTxn, arena, addrsOf); err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableAddressSet)
	got := map[string][]string{}
	for _, row := range rows {
		name := getString(row.Fields, "name")
		addrs := getStringSlice(row.Fields, "addresses")
		sort.Strings(addrs)
		got[name] = addrs
	}
	want := map[string][]string{
		"web_ip4": {"10.0.0.2", "10.0.0.3"},
		"web_ip6": {"2001:db8::2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("derived address sets mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncMetersSortsBands(t *testing.T) {
	nb := mustFixture(t, `
Meter:
  - _uuid: m1
    name: acl-meter
    unit: kbps
    bands: [b2, b1]
Meter_Band:
  - _uuid: b1
    action: drop
    rate: 100
    burst_size: 10
  - _uuid: b2
    action: drop
    rate: 500
    burst_size: 50
`)
	sb := dbase.NewMemoryDB()
	ctx := context.Background()
	nbSnap, _ := pass(t, nb)
	sbSnap, sbTxn := pass(t, sb)
	report, err := SyncMeters(ctx, nbSnap, sbSnap, sbTxn)
	if err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if report.Meters != 1 {
		t.Fatalf("expected one meter written, got %+v", report)
	}

	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableMeter)
	if len(rows) != 1 {
		t.Fatalf("expected one southbound meter, got %d", len(rows))
	}
	bands, _ := rows[0].Fields["bands"].([]map[string]interface{})
	if len(bands) != 2 || bands[0]["rate"].(int) != 100 || bands[1]["rate"].(int) != 500 {
		t.Fatalf("bands must be sorted by rate, got %v", bands)
	}

	// Re-sync against the committed state is a no-op.
	sbSnap2, sbTxn2 := pass(t, sb)
	report2, err := SyncMeters(ctx, nbSnap, sbSnap2, sbTxn2)
	if err != nil {
		t.Fatal(err)
	}
	if report2.Meters != 0 {
		t.Fatalf("unchanged meter must not rewrite, got %+v", report2)
	}
}

func TestSyncDNSDropsUnparseableRecords(t *testing.T) {
	// A label longer than 63 octets can never be a legal DNS name.
	badName := strings.Repeat("a", 300)
	nb := mustFixture(t, fmt.Sprintf(`
DNS:
  - _uuid: d1
    records:
      "vm1.local": "10.0.0.2"
      "%s": "x"
`, badName))
	sb := dbase.NewMemoryDB()
	ctx := context.Background()
	nbSnap, _ := pass(t, nb)
	sbSnap, sbTxn := pass(t, sb)
	if _, err := SyncDNS(ctx, nbSnap, sbSnap, sbTxn); err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	snap, _ := sb.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableDNS)
	if len(rows) != 1 {
		t.Fatalf("expected one southbound DNS row, got %d", len(rows))
	}
	records := getStringMap(rows[0].Fields, "records")
	if _, ok := records["vm1.local"]; !ok {
		t.Fatalf("valid record must be mirrored, got %v", records)
	}
	if len(records) != 1 {
		t.Fatalf("invalid record must be dropped, got %v", records)
	}

	// Stale southbound DNS rows (northbound row gone) are deleted.
	empty := dbase.NewMemoryDB()
	emptySnap, _ := pass(t, empty)
	sbSnap2, sbTxn2 := pass(t, sb)
	if _, err := SyncDNS(ctx, emptySnap, sbSnap2, sbTxn2); err != nil {
		t.Fatal(err)
	}
	if err := sbTxn2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	snap2, _ := sb.Snapshot(ctx)
	rows2, _ := snap2.Rows(ctx, sbdb.TableDNS)
	if len(rows2) != 0 {
		t.Fatalf("orphaned southbound DNS rows must be purged, got %d", len(rows2))
	}
}

func TestSyncDHCPOptionsMirrors(t *testing.T) {
	nb := mustFixture(t, `
DHCP_Options:
  - _uuid: o1
    cidr: 10.0.0.0/24
    options:
      server_id: 10.0.0.1
      server_mac: "0a:00:00:00:00:01"
      lease_time: "3600"
      router: 10.0.0.1
`)
	sb := dbase.NewMemoryDB()
	ctx := context.Background()
	nbSnap, _ := pass(t, nb)
	sbSnap, sbTxn := pass(t, sb)
	report, err := SyncDHCPOptions(ctx, nbSnap, sbSnap, sbTxn)
	if err != nil {
		t.Fatal(err)
	}
	if err := sbTxn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if report.DHCPOptions != 1 {
		t.Fatalf("expected one row mirrored, got %+v", report)
	}

	// Idempotent on re-sync.
	sbSnap2, sbTxn2 := pass(t, sb)
	report2, err := SyncDHCPOptions(ctx, nbSnap, sbSnap2, sbTxn2)
	if err != nil {
		t.Fatal(err)
	}
	if report2.DHCPOptions != 0 {
		t.Fatalf("unchanged options must not rewrite, got %+v", report2)
	}
}
