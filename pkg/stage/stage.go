// Package stage encodes the fixed pipeline-stage catalog. Southbound
// readers interpret (pipeline, table) pairs
// positionally, so the set of stages and their table indices must be a
// single compile-time table rather than scattered literals — this is
// the one place in the repo allowed to assign a table index.
package stage

// DatapathType distinguishes logical switches from logical routers.
type DatapathType uint8

const (
	Switch DatapathType = iota
	Router
)

func (d DatapathType) String() string {
	if d == Router {
		return "router"
	}
	return "switch"
}

// Pipeline is ingress or egress within one datapath.
type Pipeline uint8

const (
	Ingress Pipeline = iota
	Egress
)

func (p Pipeline) String() string {
	if p == Egress {
		return "egress"
	}
	return "ingress"
}

// Stage identifies one table within one pipeline of one datapath type.
// Its 10-bit wire encoding is bit 9 = datapath type, bit 8 = pipeline,
// bits 7..0 = table index.
type Stage struct {
	Name     string
	DPType   DatapathType
	Pipeline Pipeline
	Table    uint8
}

// Code returns the stage's 10-bit wire encoding.
func (s Stage) Code() uint16 {
	var code uint16
	if s.DPType == Router {
		code |= 1 << 9
	}
	if s.Pipeline == Egress {
		code |= 1 << 8
	}
	code |= uint16(s.Table)
	return code
}

// Switch ingress stage table indices, in pipeline order.
const (
	SwIngPortSecL2 uint8 = iota
	SwIngPortSecIP
	SwIngPortSecND
	SwIngPreACL
	SwIngPreLB
	SwIngPreStateful
	SwIngACL
	SwIngQoSMark
	SwIngQoSMeter
	SwIngLB
	SwIngStateful
	SwIngArpNdRsp
	SwIngDHCPOptions
	SwIngDHCPResponse
	SwIngDNSLookup
	SwIngDNSResponse
	SwIngExternalPort
	SwIngL2Lookup
)

// Switch egress stage table indices, in pipeline order.
const (
	SwEgrPreLB uint8 = iota
	SwEgrPreACL
	SwEgrPreStateful
	SwEgrLB
	SwEgrACL
	SwEgrQoSMark
	SwEgrQoSMeter
	SwEgrStateful
	SwEgrPortSecIP
	SwEgrPortSecL2
)

// Router ingress stage table indices, in pipeline order.
const (
	RtrIngAdmission uint8 = iota
	RtrIngLookupNeighbor
	RtrIngLearnNeighbor
	RtrIngIPInput
	RtrIngDefrag
	RtrIngUNSNAT
	RtrIngDNAT
	RtrIngNDRAOptions
	RtrIngNDRAResponse
	RtrIngIPRouting
	RtrIngPolicy
	RtrIngArpResolve
	RtrIngChkPktLen
	RtrIngLargerPkts
	RtrIngGwRedirect
	RtrIngArpRequest
)

// Router egress stage table indices, in pipeline order.
const (
	RtrEgrUNDNAT uint8 = iota
	RtrEgrSNAT
	RtrEgrEgrLoop
	RtrEgrDelivery
)

func sw(name string, pipe Pipeline, table uint8) Stage {
	return Stage{Name: name, DPType: Switch, Pipeline: pipe, Table: table}
}

func rtr(name string, pipe Pipeline, table uint8) Stage {
	return Stage{Name: name, DPType: Router, Pipeline: pipe, Table: table}
}

// Catalog is the complete, ordered set of pipeline stages, in pipeline
// order; flow builders must iterate stages (not tables) when producing
// deterministic output.
var Catalog = []Stage{
	sw("port_sec_l2", Ingress, SwIngPortSecL2),
	sw("port_sec_ip", Ingress, SwIngPortSecIP),
	sw("port_sec_nd", Ingress, SwIngPortSecND),
	sw("pre_acl", Ingress, SwIngPreACL),
	sw("pre_lb", Ingress, SwIngPreLB),
	sw("pre_stateful", Ingress, SwIngPreStateful),
	sw("acl", Ingress, SwIngACL),
	sw("qos_mark", Ingress, SwIngQoSMark),
	sw("qos_meter", Ingress, SwIngQoSMeter),
	sw("lb", Ingress, SwIngLB),
	sw("stateful", Ingress, SwIngStateful),
	sw("arp_nd_rsp", Ingress, SwIngArpNdRsp),
	sw("dhcp_options", Ingress, SwIngDHCPOptions),
	sw("dhcp_response", Ingress, SwIngDHCPResponse),
	sw("dns_lookup", Ingress, SwIngDNSLookup),
	sw("dns_response", Ingress, SwIngDNSResponse),
	sw("external_port", Ingress, SwIngExternalPort),
	sw("l2_lkup", Ingress, SwIngL2Lookup),

	sw("pre_lb", Egress, SwEgrPreLB),
	sw("pre_acl", Egress, SwEgrPreACL),
	sw("pre_stateful", Egress, SwEgrPreStateful),
	sw("lb", Egress, SwEgrLB),
	sw("acl", Egress, SwEgrACL),
	sw("qos_mark", Egress, SwEgrQoSMark),
	sw("qos_meter", Egress, SwEgrQoSMeter),
	sw("stateful", Egress, SwEgrStateful),
	sw("port_sec_ip", Egress, SwEgrPortSecIP),
	sw("port_sec_l2", Egress, SwEgrPortSecL2),

	rtr("admission", Ingress, RtrIngAdmission),
	rtr("lookup_neighbor", Ingress, RtrIngLookupNeighbor),
	rtr("learn_neighbor", Ingress, RtrIngLearnNeighbor),
	rtr("ip_input", Ingress, RtrIngIPInput),
	rtr("defrag", Ingress, RtrIngDefrag),
	rtr("unsnat", Ingress, RtrIngUNSNAT),
	rtr("dnat", Ingress, RtrIngDNAT),
	rtr("nd_ra_options", Ingress, RtrIngNDRAOptions),
	rtr("nd_ra_response", Ingress, RtrIngNDRAResponse),
	rtr("ip_routing", Ingress, RtrIngIPRouting),
	rtr("policy", Ingress, RtrIngPolicy),
	rtr("arp_resolve", Ingress, RtrIngArpResolve),
	rtr("chk_pkt_len", Ingress, RtrIngChkPktLen),
	rtr("larger_pkts", Ingress, RtrIngLargerPkts),
	rtr("gw_redirect", Ingress, RtrIngGwRedirect),
	rtr("arp_request", Ingress, RtrIngArpRequest),

	rtr("undnat", Egress, RtrEgrUNDNAT),
	rtr("snat", Egress, RtrEgrSNAT),
	rtr("egr_loop", Egress, RtrEgrEgrLoop),
	rtr("delivery", Egress, RtrEgrDelivery),
}

// Valid reports whether (dpType, pipeline, table) names a stage in the
// catalog.
func Valid(dpType DatapathType, pipe Pipeline, table uint8) bool {
	for _, s := range Catalog {
		if s.DPType == dpType && s.Pipeline == pipe && s.Table == table {
			return true
		}
	}
	return false
}

// Find looks up a catalog stage by its datapath type, pipeline, and
// name. Flow builders use this instead of referencing table-index
// constants directly so stage renames stay in one place.
func Find(dpType DatapathType, pipe Pipeline, name string) Stage {
	for _, s := range Catalog {
		if s.DPType == dpType && s.Pipeline == pipe && s.Name == name {
			return s
		}
	}
	panic("stage: unknown stage " + name)
}
