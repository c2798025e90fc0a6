package lflow

import (
	"context"
	"testing"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/stage"
)

func TestSetCoalescesDuplicates(t *testing.T) {
	s := NewSet()
	f := Flow{DatapathUUID: "dp1", Pipeline: stage.Ingress, Table: 6, Priority: 3000, Match: "ip4", Actions: "next;"}
	s.Add(f)
	s.Add(f)
	if s.Len() != 1 {
		t.Fatalf("expected exact duplicates to coalesce, got %d flows", s.Len())
	}

	g := f
	g.Actions = "drop;"
	s.Add(g)
	if s.Len() != 2 {
		t.Fatalf("flows differing in actions must not coalesce, got %d", s.Len())
	}
}

func TestListDeterministicOrder(t *testing.T) {
	s := NewSet()
	s.Add(Flow{DatapathUUID: "dp1", Pipeline: stage.Ingress, Table: 0, Priority: 50, Match: "b", Actions: "next;"})
	s.Add(Flow{DatapathUUID: "dp1", Pipeline: stage.Ingress, Table: 0, Priority: 100, Match: "a", Actions: "drop;"})
	s.Add(Flow{DatapathUUID: "dp1", Pipeline: stage.Ingress, Table: 0, Priority: 50, Match: "a", Actions: "next;"})

	got := s.List()
	if got[0].Priority != 100 {
		t.Fatalf("expected descending priority first, got %+v", got[0])
	}
	if got[1].Match != "a" || got[2].Match != "b" {
		t.Fatalf("expected match tiebreak in lexical order, got %q then %q", got[1].Match, got[2].Match)
	}
}

func writeFlows(t *testing.T, db *dbase.MemoryDB, set *Set) *Report {
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
	report, err := WriteBack(ctx, snap, txn, set)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return report
}

func TestWriteBackConverges(t *testing.T) {
	db := dbase.NewMemoryDB()
	set := NewSet()
	set.Add(Flow{DatapathUUID: "dp1", Pipeline: stage.Ingress, Table: 6, Priority: 3000, Match: "ip4", Actions: "next;"})
	set.Add(Flow{DatapathUUID: "dp1", Pipeline: stage.Egress, Table: 4, Priority: 1000, Match: "ip6", Actions: "drop;"})

	report := writeFlows(t, db, set)
	if report.Inserted != 2 || report.Deleted != 0 {
		t.Fatalf("first write: inserted=%d deleted=%d, want 2/0", report.Inserted, report.Deleted)
	}

	// Idempotence: an unchanged set commits zero ops.
	report = writeFlows(t, db, set)
	if report.Inserted != 0 || report.Deleted != 0 {
		t.Fatalf("second write: inserted=%d deleted=%d, want 0/0", report.Inserted, report.Deleted)
	}

	// Dropping a flow from the target set deletes its southbound row.
	smaller := NewSet()
	smaller.Add(Flow{DatapathUUID: "dp1", Pipeline: stage.Ingress, Table: 6, Priority: 3000, Match: "ip4", Actions: "next;"})
	report = writeFlows(t, db, smaller)
	if report.Inserted != 0 || report.Deleted != 1 {
		t.Fatalf("shrunk write: inserted=%d deleted=%d, want 0/1", report.Inserted, report.Deleted)
	}

	ctx := context.Background()
	snap, _ := db.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, sbdb.TableLogicalFlow)
	if len(rows) != 1 {
		t.Fatalf("expected 1 southbound flow row, got %d", len(rows))
	}
}

// Every flow a builder emits must name a stage in the catalog whose
// datapath type matches the owning datapath — the "stage validity"
// property. Shared by the switch and router builder tests.
func assertStageValidity(t *testing.T, set *Set, dpType stage.DatapathType) {
	t.Helper()
	for _, f := range set.List() {
		if !stage.Valid(dpType, f.Pipeline, f.Table) {
			t.Errorf("flow (%s table=%d prio=%d match=%q) references no %s stage",
				f.Pipeline, f.Table, f.Priority, f.Match, dpType)
		}
		if f.Priority < 0 || f.Priority > 65535 {
			t.Errorf("flow priority %d out of range: %+v", f.Priority, f)
		}
		if f.Match == "" || f.Actions == "" {
			t.Errorf("flow with empty match/actions: %+v", f)
		}
	}
}
