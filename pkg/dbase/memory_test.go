package dbase

import (
	"context"
	"testing"
)

const fixtureYAML = `
Logical_Switch:
  - _uuid: sw1
    name: sw1
    ports: ["p1"]
Logical_Switch_Port:
  - _uuid: p1
    name: p1
    addresses: ["dynamic"]
`

func TestLoadFixtureBytesAndSnapshot(t *testing.T) {
	db, err := LoadFixtureBytes([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	snap, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := snap.Rows(ctx, "Logical_Switch")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 Logical_Switch row, got %d err=%v", len(rows), err)
	}
	if rows[0].Fields["name"] != "sw1" {
		t.Fatalf("expected name=sw1, got %v", rows[0].Fields["name"])
	}

	row, ok, err := snap.Row(ctx, "Logical_Switch_Port", "p1")
	if err != nil || !ok {
		t.Fatalf("expected to find row p1, ok=%v err=%v", ok, err)
	}
	if row.Fields["name"] != "p1" {
		t.Fatalf("unexpected fields: %v", row.Fields)
	}
}

func TestIndexLookup(t *testing.T) {
	db, _ := LoadFixtureBytes([]byte(fixtureYAML))
	ctx := context.Background()
	snap, _ := db.Snapshot(ctx)

	rows, err := snap.Index(ctx, "Logical_Switch", "name", "sw1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 match on name index, got %d err=%v", len(rows), err)
	}
	rows, err = snap.Index(ctx, "Logical_Switch", "name", "does-not-exist")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected 0 matches, got %d", len(rows))
	}
}

func TestTxnInsertUpdateDeleteCommit(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()

	txn, _ := db.Txn(ctx)
	id, err := txn.Insert("Logical_Switch", map[string]interface{}{"name": "sw2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	snap, _ := db.Snapshot(ctx)
	row, ok, _ := snap.Row(ctx, "Logical_Switch", id)
	if !ok || row.Fields["name"] != "sw2" {
		t.Fatalf("expected inserted row to be visible, got %v ok=%v", row, ok)
	}

	txn2, _ := db.Txn(ctx)
	if err := txn2.Update("Logical_Switch", id, map[string]interface{}{"name": "sw2-renamed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	txn2.Commit(ctx)

	snap2, _ := db.Snapshot(ctx)
	row2, _, _ := snap2.Row(ctx, "Logical_Switch", id)
	if row2.Fields["name"] != "sw2-renamed" {
		t.Fatalf("expected update to apply, got %v", row2.Fields["name"])
	}

	txn3, _ := db.Txn(ctx)
	txn3.Delete("Logical_Switch", id)
	txn3.Commit(ctx)

	snap3, _ := db.Snapshot(ctx)
	_, ok3, _ := snap3.Row(ctx, "Logical_Switch", id)
	if ok3 {
		t.Fatalf("expected row to be deleted")
	}
}

func TestTxnAbortDiscardsMutations(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()

	txn, _ := db.Txn(ctx)
	txn.Insert("Logical_Switch", map[string]interface{}{"name": "sw-aborted"})
	txn.Abort()
	if err := txn.Commit(ctx); err == nil {
		t.Fatalf("expected commit after abort to fail")
	}

	snap, _ := db.Snapshot(ctx)
	rows, _ := snap.Rows(ctx, "Logical_Switch")
	if len(rows) != 0 {
		t.Fatalf("expected aborted insert to never apply, got %d rows", len(rows))
	}
}

func TestSnapshotIsolatedFromLaterMutations(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	txn, _ := db.Txn(ctx)
	id, _ := txn.Insert("Logical_Switch", map[string]interface{}{"name": "sw1"})
	txn.Commit(ctx)

	snap, _ := db.Snapshot(ctx)

	txn2, _ := db.Txn(ctx)
	txn2.Update("Logical_Switch", id, map[string]interface{}{"name": "sw1-changed"})
	txn2.Commit(ctx)

	row, _, _ := snap.Row(ctx, "Logical_Switch", id)
	if row.Fields["name"] != "sw1" {
		t.Fatalf("expected snapshot to retain the pre-mutation value, got %v", row.Fields["name"])
	}
}
