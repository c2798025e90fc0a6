package dbase

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// MemoryDB is an in-memory Database backed by a YAML fixture, used by
// every unit test in this repository so reconciliation logic can run
// without a real ovsdb-server. It is safe for the single-writer usage
// pattern the core follows (one snapshot + one txn in flight at a
// time); it is not a general-purpose concurrent store.
type MemoryDB struct {
	mu     sync.Mutex
	tables map[string]map[string]Row // table -> uuid -> row
}

// NewMemoryDB creates an empty in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{tables: make(map[string]map[string]Row)}
}

// LoadFixtureFile reads a YAML fixture file and returns a populated
// MemoryDB. The fixture format is:
//
//	Logical_Switch:
//	  - _uuid: sw1        # optional; a UUID is generated if omitted
//	    name: sw1
//	    ports: [p1, p2]
//	Logical_Switch_Port:
//	  - name: p1
//	    addresses: ["dynamic"]
func LoadFixtureFile(path string) (*MemoryDB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dbase: reading fixture %s: %w", path, err)
	}
	return LoadFixtureBytes(data)
}

// LoadFixtureBytes parses raw YAML fixture bytes (see LoadFixtureFile
// for the format). Every row is decoded through the registered row
// models, so a fixture naming an unknown table or column, or carrying
// a value of the wrong type, fails here instead of misbehaving
// mid-reconciliation.
func LoadFixtureBytes(data []byte) (*MemoryDB, error) {
	var seed map[string][]map[string]interface{}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("dbase: parsing fixture: %w", err)
	}
	schema, err := DefaultSchema()
	if err != nil {
		return nil, err
	}
	db := NewMemoryDB()
	for table, rows := range seed {
		for _, fields := range rows {
			id, _ := fields["_uuid"].(string)
			if id == "" {
				id = uuid.NewString()
			}
			delete(fields, "_uuid")
			decoded, err := schema.DecodeRow(table, fields)
			if err != nil {
				return nil, fmt.Errorf("dbase: fixture row %s/%s: %w", table, id, err)
			}
			db.put(table, Row{Table: table, UUID: id, Fields: decoded})
		}
	}
	return db, nil
}

func (db *MemoryDB) put(table string, row Row) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.tables[table] == nil {
		db.tables[table] = make(map[string]Row)
	}
	db.tables[table][row.UUID] = row
}

func (db *MemoryDB) del(table, id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.tables[table], id)
}

// Snapshot returns a point-in-time read view. Rows are copied so later
// mutations via a Txn don't retroactively change an in-flight snapshot.
func (db *MemoryDB) Snapshot(_ context.Context) (Snapshot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	copyOf := make(map[string]map[string]Row, len(db.tables))
	for table, rows := range db.tables {
		rc := make(map[string]Row, len(rows))
		for id, r := range rows {
			rc[id] = r
		}
		copyOf[table] = rc
	}
	return &memSnapshot{tables: copyOf}, nil
}

// Txn opens a transaction accumulating mutations against db.
func (db *MemoryDB) Txn(_ context.Context) (Txn, error) {
	return &memTxn{db: db}, nil
}

// Close is a no-op for the in-memory backend.
func (db *MemoryDB) Close() error { return nil }

type memSnapshot struct {
	tables map[string]map[string]Row
}

func (s *memSnapshot) Rows(_ context.Context, table string) ([]Row, error) {
	out := make([]Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, r)
	}
	return out, nil
}

func (s *memSnapshot) Row(_ context.Context, table, uuid string) (Row, bool, error) {
	r, ok := s.tables[table][uuid]
	return r, ok, nil
}

func (s *memSnapshot) Index(_ context.Context, table, index, value string) ([]Row, error) {
	var out []Row
	for _, r := range s.tables[table] {
		if v, ok := r.Fields[index]; ok {
			if s, ok := v.(string); ok && s == value {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

type memOp struct {
	kind   string // "insert", "update", "delete"
	table  string
	uuid   string
	fields map[string]interface{}
}

type memTxn struct {
	db      *MemoryDB
	ops     []memOp
	aborted bool
}

func (t *memTxn) Insert(table string, fields map[string]interface{}) (string, error) {
	id := uuid.NewString()
	t.ops = append(t.ops, memOp{kind: "insert", table: table, uuid: id, fields: fields})
	return id, nil
}

func (t *memTxn) Update(table, uuid string, fields map[string]interface{}) error {
	t.ops = append(t.ops, memOp{kind: "update", table: table, uuid: uuid, fields: fields})
	return nil
}

func (t *memTxn) Delete(table, uuid string) error {
	t.ops = append(t.ops, memOp{kind: "delete", table: table, uuid: uuid})
	return nil
}

func (t *memTxn) Commit(_ context.Context) error {
	if t.aborted {
		return fmt.Errorf("dbase: commit after abort")
	}
	for _, op := range t.ops {
		switch op.kind {
		case "insert":
			t.db.put(op.table, Row{Table: op.table, UUID: op.uuid, Fields: op.fields})
		case "update":
			t.db.mu.Lock()
			row, ok := t.db.tables[op.table][op.uuid]
			if !ok {
				row = Row{Table: op.table, UUID: op.uuid, Fields: make(map[string]interface{})}
			}
			// Merge into a fresh map: the old one may be shared with an
			// outstanding Snapshot.
			merged := make(map[string]interface{}, len(row.Fields)+len(op.fields))
			for k, v := range row.Fields {
				merged[k] = v
			}
			for k, v := range op.fields {
				merged[k] = v
			}
			row.Fields = merged
			if t.db.tables[op.table] == nil {
				t.db.tables[op.table] = make(map[string]Row)
			}
			t.db.tables[op.table][op.uuid] = row
			t.db.mu.Unlock()
		case "delete":
			t.db.del(op.table, op.uuid)
		}
	}
	t.ops = nil
	return nil
}

func (t *memTxn) Abort() {
	t.aborted = true
	t.ops = nil
}
