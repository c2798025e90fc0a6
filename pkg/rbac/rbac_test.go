package rbac

import (
	"context"
	"testing"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/sbdb"
)

func runSync(t *testing.T, db *dbase.MemoryDB) *Report {
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
	report, err := Sync(ctx, snap, txn)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return report
}

func TestSyncWritesFixedSurface(t *testing.T) {
	db := dbase.NewMemoryDB()
	report := runSync(t, db)
	if report.PermissionsWritten != 4 || !report.RoleWritten {
		t.Fatalf("expected 4 permissions + role, got %+v", report)
	}

	ctx := context.Background()
	snap, _ := db.Snapshot(ctx)
	perms, _ := snap.Rows(ctx, sbdb.TableRBACPermission)
	if len(perms) != 4 {
		t.Fatalf("expected 4 RBAC_Permission rows, got %d", len(perms))
	}
	byTable := map[string]dbase.Row{}
	for _, r := range perms {
		byTable[r.Fields["table"].(string)] = r
	}
	for _, table := range []string{sbdb.TableChassis, sbdb.TableEncap, sbdb.TablePortBinding, sbdb.TableMACBinding} {
		if _, ok := byTable[table]; !ok {
			t.Errorf("missing permission row for %s", table)
		}
	}

	// Port_Binding is update-only: the agent may claim a port, never
	// create or destroy one.
	pb := byTable[sbdb.TablePortBinding]
	if ins, _ := pb.Fields["insert"].(bool); ins {
		t.Error("Port_Binding must not be insertable by the agent role")
	}
	upd := pb.Fields["update"].([]string)
	if len(upd) != 1 || upd[0] != "chassis" {
		t.Errorf("Port_Binding update columns = %v, want [chassis]", upd)
	}

	roles, _ := snap.Rows(ctx, sbdb.TableRBACRole)
	if len(roles) != 1 || roles[0].Fields["name"] != AgentRole {
		t.Fatalf("expected one %q role row, got %+v", AgentRole, roles)
	}
	refs := roles[0].Fields["permissions"].(map[string]string)
	if len(refs) != 4 {
		t.Fatalf("role must reference all 4 permissions, got %v", refs)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	db := dbase.NewMemoryDB()
	runSync(t, db)

	ctx := context.Background()
	before, _ := db.Snapshot(ctx)
	permsBefore, _ := before.Rows(ctx, sbdb.TableRBACPermission)

	runSync(t, db)
	after, _ := db.Snapshot(ctx)
	permsAfter, _ := after.Rows(ctx, sbdb.TableRBACPermission)
	if len(permsAfter) != len(permsBefore) {
		t.Fatalf("re-sync grew the permission table: %d -> %d", len(permsBefore), len(permsAfter))
	}
	rolesAfter, _ := after.Rows(ctx, sbdb.TableRBACRole)
	if len(rolesAfter) != 1 {
		t.Fatalf("re-sync must keep exactly one role row, got %d", len(rolesAfter))
	}
}
