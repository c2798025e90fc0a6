// Package dbase defines the narrow interfaces the core assumes about
// its database collaborator: a transactional snapshot view of both
// databases, named indexes, a distributed advisory lock, and row
// insert/update/delete/commit primitives. The core (pkg/join,
// pkg/lflow, ...) depends only on these interfaces — never on a
// concrete driver — so the same reconciliation code runs against an
// in-memory YAML fixture in tests and a Redis-backed store in
// integration runs.
//
// Row shape is deliberately generic (table name + field map) rather
// than the typed nbdb/sbdb structs, so the same snapshot/txn machinery
// serves both schemas and the in-memory fixture.
package dbase

import "context"

// Row is one database row: its table, UUID, and field values. Field
// values are the Go-native form (string, []string, map[string]string,
// *bool, int, ...) matching the ovsdb struct tags in pkg/nbdb/pkg/sbdb.
type Row struct {
	Table  string
	UUID   string
	Fields map[string]interface{}
}

// Snapshot is a read-only, point-in-time view of one database, taken at
// the start of a reconciliation pass; each pass is a full recomputation
// with no incremental updates below row granularity.
type Snapshot interface {
	// Rows returns every row of the given table, in no particular
	// order.
	Rows(ctx context.Context, table string) ([]Row, error)
	// Row looks up a single row by UUID.
	Row(ctx context.Context, table, uuid string) (Row, bool, error)
	// Index looks up a named secondary index (e.g. "name" on
	// Logical_Switch) and returns the matching rows.
	Index(ctx context.Context, table, index, value string) ([]Row, error)
}

// Txn accumulates row mutations against one database and applies them
// atomically on Commit.
type Txn interface {
	Insert(table string, fields map[string]interface{}) (uuid string, err error)
	Update(table, uuid string, fields map[string]interface{}) error
	Delete(table, uuid string) error
	Commit(ctx context.Context) error
	// Abort discards the transaction without applying its mutations.
	Abort()
}

// Database opens snapshots and transactions against one logical
// database (northbound or southbound).
type Database interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Txn(ctx context.Context) (Txn, error)
	Close() error
}

// Lock is the distributed advisory lock that enforces the
// single-writer invariant. Exactly
// one process holds the lock named "ovn_northd" at a time; Lost fires
// when the holder's session expires so the lifecycle loop can step down
// without being told by a peer.
type Lock interface {
	// Acquire blocks until the lock is held or ctx is canceled.
	Acquire(ctx context.Context) error
	// Release gives up the lock.
	Release(ctx context.Context) error
	// Lost returns a channel that closes if the lock is involuntarily
	// lost (session expiry, revoked lease).
	Lost() <-chan struct{}
}
