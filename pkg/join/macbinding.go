package join

import (
	"context"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

// PruneMACBindings deletes southbound MAC_Binding rows whose logical
// port or datapath no longer exists. Agents insert these rows as they
// learn neighbors; once the port or datapath they hang off is gone
// nothing will ever expire them, so the translator sweeps them here.
// Must run after JoinDatapaths and JoinPorts so arena reflects the
// surviving graph.
func PruneMACBindings(ctx context.Context, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) (int, error) {
	log := util.WithComponent("join")

	rows, err := sb.Rows(ctx, sbdb.TableMACBinding)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, row := range rows {
		portName := getString(row.Fields, "logical_port")
		dpUUID := getString(row.Fields, "datapath")

		_, portOK := arena.Port(portName)
		_, dpOK := arena.Datapath(dpUUID)
		if portOK && dpOK {
			continue
		}
		log.Debugf("pruning MAC_Binding %s: port %q or datapath %q gone", row.UUID, portName, dpUUID)
		sbTxn.Delete(sbdb.TableMACBinding, row.UUID)
		pruned++
	}
	return pruned, nil
}
