// Package lflow synthesizes the switch and router logical-flow
// pipelines and implements the flow differ/writer that converges the
// southbound Logical_Flow table to the synthesized set. Flow identity
// is the full (datapath, pipeline, table, priority, match, actions)
// tuple, and the differ is the same three-way (nb_only/sb_only/both)
// comparison the datapath and port joins use.
package lflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/stage"
)

// Flow is one synthesized logical-flow row, identified by its full
// (datapath, pipeline, table, priority, match, actions) tuple.
type Flow struct {
	DatapathUUID string
	Pipeline     stage.Pipeline
	Table        uint8
	Priority     int
	Match        string
	Actions      string
}

func (f Flow) key() string {
	return fmt.Sprintf("%s\x00%d\x00%d\x00%d\x00%s\x00%s",
		f.DatapathUUID, f.Pipeline, f.Table, f.Priority, f.Match, f.Actions)
}

// Set accumulates synthesized flows for one reconciliation pass,
// silently coalescing exact-tuple duplicates.
type Set struct {
	byKey map[string]Flow
}

// NewSet creates an empty flow set.
func NewSet() *Set {
	return &Set{byKey: make(map[string]Flow)}
}

// Add inserts f, coalescing an exact duplicate.
func (s *Set) Add(f Flow) {
	s.byKey[f.key()] = f
}

// AddStage is a convenience for builders that already have a
// stage.Stage in hand.
func (s *Set) AddStage(st stage.Stage, dpUUID string, priority int, match, actions string) {
	s.Add(Flow{
		DatapathUUID: dpUUID,
		Pipeline:     st.Pipeline,
		Table:        st.Table,
		Priority:     priority,
		Match:        match,
		Actions:      actions,
	})
}

// List returns every flow in the set, sorted for deterministic output:
// by datapath, then pipeline, then table, then descending priority,
// then match, then actions.
func (s *Set) List() []Flow {
	out := make([]Flow, 0, len(s.byKey))
	for _, f := range s.byKey {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DatapathUUID != b.DatapathUUID {
			return a.DatapathUUID < b.DatapathUUID
		}
		if a.Pipeline != b.Pipeline {
			return a.Pipeline < b.Pipeline
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Match != b.Match {
			return a.Match < b.Match
		}
		return a.Actions < b.Actions
	})
	return out
}

// Len reports how many distinct flows the set holds.
func (s *Set) Len() int { return len(s.byKey) }

// Report tallies what WriteBack did.
type Report struct {
	Inserted int
	Deleted  int
}

// WriteBack converges the southbound flow table: every Logical_Flow
// row is matched against the in-memory set by its full identity tuple; a
// hit drops the in-memory copy (already present, nothing to do), a miss
// deletes the southbound row; any in-memory flow left unmatched is
// inserted.
func WriteBack(ctx context.Context, sb dbase.Snapshot, sbTxn dbase.Txn, set *Set) (*Report, error) {
	report := &Report{}

	rows, err := sb.Rows(ctx, sbdb.TableLogicalFlow)
	if err != nil {
		return nil, err
	}

	remaining := make(map[string]Flow, set.Len())
	for k, f := range set.byKey {
		remaining[k] = f
	}

	for _, row := range rows {
		f := flowFromRow(row)
		k := f.key()
		if _, hit := remaining[k]; hit {
			delete(remaining, k)
			continue
		}
		sbTxn.Delete(sbdb.TableLogicalFlow, row.UUID)
		report.Deleted++
	}

	for _, f := range remaining {
		sbTxn.Insert(sbdb.TableLogicalFlow, map[string]interface{}{
			"logical_datapath": f.DatapathUUID,
			"pipeline":         f.Pipeline.String(),
			"table_id":         int(f.Table),
			"priority":         f.Priority,
			"match":            f.Match,
			"actions":          f.Actions,
		})
		report.Inserted++
	}

	return report, nil
}

func flowFromRow(row dbase.Row) Flow {
	pipe := stage.Ingress
	if s, _ := row.Fields["pipeline"].(string); s == "egress" {
		pipe = stage.Egress
	}
	return Flow{
		DatapathUUID: getString(row.Fields, "logical_datapath"),
		Pipeline:     pipe,
		Table:        uint8(getInt(row.Fields, "table_id")),
		Priority:     getInt(row.Fields, "priority"),
		Match:        getString(row.Fields, "match"),
		Actions:      getString(row.Fields, "actions"),
	}
}

func getString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func getInt(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
