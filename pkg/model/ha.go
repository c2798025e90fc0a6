package model

import "sort"

// HAChassisEntry is one (chassis, priority) member of an HA chassis
// group.
type HAChassisEntry struct {
	Chassis  string
	Priority int32
}

// HAChassisGroup is a named, ordered set of chassis synthesized from a
// northbound port's HA configuration or its legacy gateway-chassis
// list.
type HAChassisGroup struct {
	Name    string
	Members []HAChassisEntry
}

// NewHAChassisGroup creates an empty group.
func NewHAChassisGroup(name string) *HAChassisGroup {
	return &HAChassisGroup{Name: name}
}

// AddMember appends or updates a (chassis, priority) entry.
func (g *HAChassisGroup) AddMember(chassis string, priority int32) {
	for i, m := range g.Members {
		if m.Chassis == chassis {
			g.Members[i].Priority = priority
			return
		}
	}
	g.Members = append(g.Members, HAChassisEntry{Chassis: chassis, Priority: priority})
}

// SortByPriority orders members highest-priority first, breaking ties
// by chassis name for determinism.
func (g *HAChassisGroup) SortByPriority() {
	sort.Slice(g.Members, func(i, j int) bool {
		if g.Members[i].Priority != g.Members[j].Priority {
			return g.Members[i].Priority > g.Members[j].Priority
		}
		return g.Members[i].Chassis < g.Members[j].Chassis
	})
}

// Active returns the highest-priority chassis, or "" if the group is
// empty.
func (g *HAChassisGroup) Active() string {
	if len(g.Members) == 0 {
		return ""
	}
	g.SortByPriority()
	return g.Members[0].Chassis
}

// FromGatewayChassisList synthesizes an HA chassis group from a legacy
// northbound gateway_chassis list, assigning descending priorities in
// list order (the first entry wins ties), matching ovn-northd's legacy
// compatibility behavior.
func FromGatewayChassisList(name string, chassisNames []string) *HAChassisGroup {
	g := NewHAChassisGroup(name)
	base := int32(len(chassisNames))
	for i, c := range chassisNames {
		g.AddMember(c, base-int32(i))
	}
	return g
}
