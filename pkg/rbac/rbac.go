// Package rbac upserts the fixed agent-role authorization surface:
// exactly four southbound tables are writable by the ovn-controller
// role. One RBAC_Role row and its four RBAC_Permission rows are
// converged every pass; there is no northbound input to translate, so
// the permission set is a compile-time table.
package rbac

import (
	"context"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

// AgentRole is the sole RBAC role this translator grants.
const AgentRole = "ovn-controller"

// permission is one fixed per-table entry in the agent role's
// permission set.
type permission struct {
	table         string
	authorization []string
	insert        bool
	delete        bool
	update        []string
}

// fixedPermissions is the four-table RBAC surface. It is a compile-time
// table for the same reason pkg/stage's Catalog is: southbound readers
// interpret it positionally, and the set must never be scattered across
// code paths.
var fixedPermissions = []permission{
	{
		table:         sbdb.TableChassis,
		authorization: []string{"name"},
		insert:        true,
		delete:        true,
		update:        []string{"nb_cfg", "external_ids", "encaps", "vtep_logical_switches"},
	},
	{
		table:         sbdb.TableEncap,
		authorization: []string{"chassis_name"},
		insert:        true,
		delete:        true,
		update:        []string{"type", "options", "ip"},
	},
	{
		table:         sbdb.TablePortBinding,
		authorization: nil,
		update:        []string{"chassis"},
	},
	{
		table:         sbdb.TableMACBinding,
		authorization: nil,
		insert:        true,
		delete:        true,
		update:        []string{"logical_port", "ip", "mac", "datapath"},
	},
}

// Report tallies what Sync did.
type Report struct {
	PermissionsWritten int
	RoleWritten        bool
}

// Sync upserts the agent role's RBAC_Permission rows and the
// RBAC_Role row referencing them by table
// name. Existing rows matching the fixed table are left alone except
// for a field refresh; nothing is ever deleted here because the
// permission set is fixed, not reconciled against northbound state.
func Sync(ctx context.Context, sb dbase.Snapshot, sbTxn dbase.Txn) (*Report, error) {
	report := &Report{}
	log := util.WithComponent("rbac")

	permRows, err := sb.Rows(ctx, sbdb.TableRBACPermission)
	if err != nil {
		return nil, err
	}
	byTable := make(map[string]dbase.Row, len(permRows))
	for _, row := range permRows {
		if t, ok := row.Fields["table"].(string); ok {
			byTable[t] = row
		}
	}

	byTableUUID := make(map[string]string, len(fixedPermissions))
	for _, p := range fixedPermissions {
		fields := map[string]interface{}{
			"table":         p.table,
			"authorization": p.authorization,
			"insert":        p.insert,
			"delete":        p.delete,
			"update":        p.update,
		}
		if row, ok := byTable[p.table]; ok {
			if permissionChanged(row, fields) {
				if err := sbTxn.Update(sbdb.TableRBACPermission, row.UUID, fields); err != nil {
					return nil, err
				}
			}
			byTableUUID[p.table] = row.UUID
		} else {
			uuid, err := sbTxn.Insert(sbdb.TableRBACPermission, fields)
			if err != nil {
				return nil, err
			}
			byTableUUID[p.table] = uuid
		}
		report.PermissionsWritten++
	}

	permissions := make(map[string]string, len(byTableUUID))
	for table, uuid := range byTableUUID {
		permissions[table] = uuid
	}

	roleRows, err := sb.Rows(ctx, sbdb.TableRBACRole)
	if err != nil {
		return nil, err
	}
	var existingRole *dbase.Row
	for i, row := range roleRows {
		if row.Fields["name"] == AgentRole {
			existingRole = &roleRows[i]
			break
		}
	}
	if existingRole != nil {
		current, _ := existingRole.Fields["permissions"].(map[string]string)
		if !samePermissionRefs(current, permissions) {
			if err := sbTxn.Update(sbdb.TableRBACRole, existingRole.UUID, map[string]interface{}{
				"permissions": permissions,
			}); err != nil {
				return nil, err
			}
		}
	} else {
		if _, err := sbTxn.Insert(sbdb.TableRBACRole, map[string]interface{}{
			"name":        AgentRole,
			"permissions": permissions,
		}); err != nil {
			return nil, err
		}
	}
	report.RoleWritten = true
	log.Debugf("synced RBAC role %s with %d permissions", AgentRole, report.PermissionsWritten)
	return report, nil
}

// permissionChanged reports whether an existing RBAC_Permission row
// differs from the fixed-table entry, so an unchanged row costs no
// transaction op on re-sync.
func permissionChanged(row dbase.Row, fields map[string]interface{}) bool {
	if b, _ := row.Fields["insert"].(bool); b != fields["insert"].(bool) {
		return true
	}
	if b, _ := row.Fields["delete"].(bool); b != fields["delete"].(bool) {
		return true
	}
	return !sameStrings(toStringSlice(row.Fields["authorization"]), fields["authorization"].([]string)) ||
		!sameStrings(toStringSlice(row.Fields["update"]), fields["update"].([]string))
}

func toStringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func samePermissionRefs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
