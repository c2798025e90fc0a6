package dbase

import (
	"context"
	"testing"
)

func TestFixtureRowsDecodeThroughModels(t *testing.T) {
	db, err := LoadFixtureBytes([]byte(`
Logical_Switch_Port:
  - _uuid: p1
    name: p1
    enabled: false
    tag_request: 7
    addresses: [dynamic]
    options: {router-port: rp1}
`))
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := db.Snapshot(context.Background())
	row, ok, _ := snap.Row(context.Background(), "Logical_Switch_Port", "p1")
	if !ok {
		t.Fatal("row p1 missing")
	}

	// Optional (pointer-typed) columns come back as their base values.
	if v, ok := row.Fields["enabled"].(bool); !ok || v {
		t.Fatalf("enabled should decode to bool false, got %T %v", row.Fields["enabled"], row.Fields["enabled"])
	}
	if v, ok := row.Fields["tag_request"].(int); !ok || v != 7 {
		t.Fatalf("tag_request should decode to int 7, got %T %v", row.Fields["tag_request"], row.Fields["tag_request"])
	}
	if v, ok := row.Fields["addresses"].([]string); !ok || len(v) != 1 || v[0] != "dynamic" {
		t.Fatalf("addresses should decode to []string, got %T %v", row.Fields["addresses"], row.Fields["addresses"])
	}
	if v, ok := row.Fields["options"].(map[string]string); !ok || v["router-port"] != "rp1" {
		t.Fatalf("options should decode to map[string]string, got %T %v", row.Fields["options"], row.Fields["options"])
	}
}

func TestFixtureRejectsUnknownTable(t *testing.T) {
	_, err := LoadFixtureBytes([]byte(`
No_Such_Table:
  - name: x
`))
	if err == nil {
		t.Fatal("a table absent from the registered models must be rejected")
	}
}

func TestFixtureRejectsUnknownColumn(t *testing.T) {
	_, err := LoadFixtureBytes([]byte(`
Logical_Switch:
  - name: sw1
    no_such_column: 1
`))
	if err == nil {
		t.Fatal("a column absent from the model struct must be rejected")
	}
}

func TestFixtureRejectsWrongType(t *testing.T) {
	_, err := LoadFixtureBytes([]byte(`
Logical_Switch:
  - name: sw1
    ports: not-a-list
`))
	if err == nil {
		t.Fatal("a scalar where the model declares a set must be rejected")
	}
}

func TestSharedTableDecodesAgainstEitherModel(t *testing.T) {
	// "datapaths" exists only on the southbound DNS model; the decoder
	// must fall through to it when the northbound shape rejects the row.
	db, err := LoadFixtureBytes([]byte(`
DNS:
  - _uuid: d1
    datapaths: [dp1]
    records: {"vm1.local": "10.0.0.2"}
`))
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := db.Snapshot(context.Background())
	row, ok, _ := snap.Row(context.Background(), "DNS", "d1")
	if !ok {
		t.Fatal("row d1 missing")
	}
	if v, ok := row.Fields["datapaths"].([]string); !ok || len(v) != 1 {
		t.Fatalf("datapaths should decode through the southbound model, got %T %v", row.Fields["datapaths"], row.Fields["datapaths"])
	}
}
