// Package model holds the in-memory entity graph one reconciliation
// pass builds from the northbound and southbound snapshots: datapaths,
// ports, multicast groups, port groups, and HA chassis groups. The graph is rebuilt from scratch every pass — nothing
// here is persisted directly; pkg/join populates it and pkg/lflow reads
// it.
//
// Structs here are small data holders with a handful of convenience
// methods, no behavior hidden behind interfaces.
package model

import (
	"net"

	"github.com/nvcore/northd/pkg/idalloc"
	"github.com/nvcore/northd/pkg/ipam"
	"github.com/nvcore/northd/pkg/stage"
)

// Datapath represents either a logical switch or a logical router.
// Exactly one of the two roles is meaningful at a time; Kind says which.
type Datapath struct {
	UUID string
	Kind stage.DatapathType

	// Switch-only fields.
	Subnet   *net.IPNet
	V6Prefix *net.IPNet
	IPAM     *ipam.Switch

	// Router-only fields.
	RouterEnabled bool
	// RouterMulticastRelay mirrors the router's multicast relay option;
	// a switch peered to this router learns its flood_relay flag from
	// it.
	RouterMulticastRelay bool
	// GatewayRouter is true for a centralized gateway router (one whose
	// ports connect directly to physical infrastructure rather than
	// only to other logical switches/routers); it suppresses
	// chassis-redirect port synthesis for its own ports.
	GatewayRouter bool

	TunnelKey uint32

	PortKeys      *idalloc.Allocator
	MulticastKeys *idalloc.Allocator

	PortNames []string // ordered, insertion order
	// RouterPorts holds, for a switch datapath, the logical-router-port
	// peers of its "router"-typed ports.
	RouterPorts []string
	// FloodRelay is set on a switch datapath whose peered router has
	// multicast relay enabled.
	FloodRelay bool

	DistributedGatewayPort string // port name, may be empty
	RedirectPort           string // port name, may be empty
	LocalnetPort           string // port name, may be empty

	PortGroups  map[string]struct{} // names of port groups intersecting this datapath
	RouterGroup string

	MulticastSnoop     bool
	MulticastFloodUnregistered bool
}

// NewSwitchDatapath creates an empty logical-switch datapath. subnet and
// v6Prefix may be nil.
func NewSwitchDatapath(uuid string, subnet, v6Prefix *net.IPNet) *Datapath {
	return &Datapath{
		UUID:          uuid,
		Kind:          stage.Switch,
		Subnet:        subnet,
		V6Prefix:      v6Prefix,
		PortKeys:      idalloc.New(idalloc.PortKeyMin, idalloc.PortKeyMax, "portkey:"+uuid),
		MulticastKeys: idalloc.New(idalloc.MulticastKeyMin, idalloc.MulticastKeyMax, "mcastkey:"+uuid),
		PortGroups:    make(map[string]struct{}),
	}
}

// NewRouterDatapath creates an empty logical-router datapath.
func NewRouterDatapath(uuid string, enabled bool) *Datapath {
	return &Datapath{
		UUID:          uuid,
		Kind:          stage.Router,
		RouterEnabled: enabled,
		PortKeys:      idalloc.New(idalloc.PortKeyMin, idalloc.PortKeyMax, "portkey:"+uuid),
		MulticastKeys: idalloc.New(idalloc.MulticastKeyMin, idalloc.MulticastKeyMax, "mcastkey:"+uuid),
		PortGroups:    make(map[string]struct{}),
	}
}

// IsSwitch reports whether this datapath is a logical switch.
func (d *Datapath) IsSwitch() bool { return d.Kind == stage.Switch }

// IsRouter reports whether this datapath is a logical router.
func (d *Datapath) IsRouter() bool { return d.Kind == stage.Router }

// AddPort appends name to the datapath's port list, ignoring duplicates.
func (d *Datapath) AddPort(name string) {
	for _, n := range d.PortNames {
		if n == name {
			return
		}
	}
	d.PortNames = append(d.PortNames, name)
}

// AddRouterPort appends name to the datapath's router-ports list,
// ignoring duplicates.
func (d *Datapath) AddRouterPort(name string) {
	for _, n := range d.RouterPorts {
		if n == name {
			return
		}
	}
	d.RouterPorts = append(d.RouterPorts, name)
}

// HasPortGroup reports whether portGroup intersects this datapath.
func (d *Datapath) HasPortGroup(name string) bool {
	_, ok := d.PortGroups[name]
	return ok
}
