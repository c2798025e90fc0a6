package join

import (
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/util"
)

// ResolvePeers is the second half of the port join: switch ports of
// type "router" pair with their named router-port peer, router ports
// pair with an explicit "peer" router port, and flood_relay propagates
// from a peered router's multicast-relay setting onto the switch
// datapath. Must run after JoinPorts (both passes) and before
// pkg/lflow, which reads Port.PeerName and Datapath.FloodRelay.
//
// Port.Type == "router" is ambiguous by itself (both a switch port
// bonded to a router and a genuine logical router port use it), so the
// two cases are told apart by the kind of datapath each port lives on.
func ResolvePeers(arena *model.Arena) {
	log := util.WithComponent("join")

	for _, p := range arena.Ports() {
		dp, ok := arena.Datapath(p.DatapathUUID)
		if !ok || !dp.IsSwitch() {
			continue
		}
		if p.Type != "router" || p.PeerName == "" {
			continue
		}
		rp, ok := arena.Port(p.PeerName)
		if !ok {
			log.Warnf("switch port %s: router-port peer %s not found", p.Name, p.PeerName)
			continue
		}
		rp.PeerName = p.Name
		dp.AddRouterPort(rp.Name)
		if p.RouterAddressToken {
			p.Addresses = p.EffectiveAddresses(rp)
		}

		router, ok := arena.Datapath(rp.DatapathUUID)
		if ok && router.RouterMulticastRelay {
			dp.FloodRelay = true
		}
	}

	for _, p := range arena.Ports() {
		dp, ok := arena.Datapath(p.DatapathUUID)
		if !ok || !dp.IsRouter() || p.PeerName == "" {
			continue
		}
		if peer, already := arena.Port(p.PeerName); already && peer.PeerName == p.Name {
			continue // already linked from the switch-port sweep above
		}
		peer, ok := arena.Port(p.PeerName)
		if !ok {
			log.Warnf("router port %s: peer %s not found", p.Name, p.PeerName)
			continue
		}
		peerDP, ok := arena.Datapath(peer.DatapathUUID)
		if ok && peerDP.IsSwitch() {
			log.Warnf("router port %s: peer %s is a switch port, not a router port", p.Name, p.PeerName)
			continue
		}
		peer.PeerName = p.Name
	}
}
