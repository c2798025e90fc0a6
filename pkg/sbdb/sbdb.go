// Package sbdb defines the southbound database's row models, the
// translator's write side: Datapath_Binding, Port_Binding,
// Logical_Flow, Multicast_Group, MAC_Binding, DHCP(v6)_Options,
// Address_Set, Port_Group, DNS, Meter(_Band), Gateway_Chassis,
// HA_Chassis(_Group), IGMP_Group, IP_Multicast, Chassis, RBAC_Role,
// RBAC_Permission. As with pkg/nbdb, the libovsdb model registration
// is the schema of record for pkg/dbase's row decoding.
package sbdb

import "github.com/ovn-org/libovsdb/model"

// SBGlobal is the single-row SB_Global table.
type SBGlobal struct {
	UUID        string            `ovsdb:"_uuid"`
	NbCfg       int               `ovsdb:"nb_cfg"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	Connections []string          `ovsdb:"connections"`
	SSL         *string           `ovsdb:"ssl"`
	IPSec       bool              `ovsdb:"ipsec"`
}

// DatapathBinding binds a southbound datapath (by tunnel key) to the
// northbound logical switch/router it was synthesized from.
type DatapathBinding struct {
	UUID        string            `ovsdb:"_uuid"`
	TunnelKey   int               `ovsdb:"tunnel_key"`
	ExternalIDs map[string]string `ovsdb:"external_ids"` // "logical-switch" or "logical-router" = NB UUID, "name"
}

// PortBinding binds a logical port (real or derived) to a chassis and
// datapath.
type PortBinding struct {
	UUID             string            `ovsdb:"_uuid"`
	LogicalPort      string            `ovsdb:"logical_port"`
	Datapath         string            `ovsdb:"datapath"`
	Chassis          *string           `ovsdb:"chassis"`
	Encap            *string           `ovsdb:"encap"`
	Type             string            `ovsdb:"type"`
	Options          map[string]string `ovsdb:"options"`
	MAC              []string          `ovsdb:"mac"`
	NatAddresses     []string          `ovsdb:"nat_addresses"`
	TunnelKey        int               `ovsdb:"tunnel_key"`
	ParentPort       *string           `ovsdb:"parent_port"`
	Tag              *int              `ovsdb:"tag"`
	Up               *bool             `ovsdb:"up"`
	GatewayChassis   []string          `ovsdb:"gateway_chassis"`
	HaChassisGroup   *string           `ovsdb:"ha_chassis_group"`
	VirtualParent    *string           `ovsdb:"virtual_parent"`
	RequestedChassis *string           `ovsdb:"requested_chassis"`
	ExternalIDs      map[string]string `ovsdb:"external_ids"`
}

// Port_Binding.type values.
const (
	PortBindingTypeDefault         = ""
	PortBindingTypeRouter          = "router"
	PortBindingTypeLocalnet        = "localnet"
	PortBindingTypeVTEP            = "vtep"
	PortBindingTypeExternal        = "external"
	PortBindingTypePatch           = "patch"
	PortBindingTypeL3Gateway       = "l3gateway"
	PortBindingTypeChassisRedirect = "chassisredirect"
	PortBindingTypeVirtual         = "virtual"
)

// LogicalFlow is one synthesized OpenFlow-equivalent flow row; identity
// is (datapath, pipeline, table, priority, match, actions).
type LogicalFlow struct {
	UUID        string            `ovsdb:"_uuid"`
	LogicalDatapath string        `ovsdb:"logical_datapath"`
	Pipeline    string            `ovsdb:"pipeline"` // "ingress" or "egress"
	TableID     int               `ovsdb:"table_id"`
	Priority    int               `ovsdb:"priority"`
	Match       string            `ovsdb:"match"`
	Actions     string            `ovsdb:"actions"`
	Tags        map[string]string `ovsdb:"tags"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// MulticastGroup is one synthesized multicast-group row.
type MulticastGroup struct {
	UUID      string   `ovsdb:"_uuid"`
	Datapath  string   `ovsdb:"datapath"`
	Name      string   `ovsdb:"name"`
	TunnelKey int      `ovsdb:"tunnel_key"`
	Ports     []string `ovsdb:"ports"`
}

// MACBinding is one learned/pruned neighbor entry.
type MACBinding struct {
	UUID        string `ovsdb:"_uuid"`
	LogicalPort string `ovsdb:"logical_port"`
	IP          string `ovsdb:"ip"`
	MAC         string `ovsdb:"mac"`
	Datapath    string `ovsdb:"datapath"`
}

// DHCPOptions mirrors one northbound DHCP_Options row into the
// southbound database for ovn-controller's consumption.
type DHCPOptions struct {
	UUID    string            `ovsdb:"_uuid"`
	Cidr    string            `ovsdb:"cidr"`
	Options map[string]string `ovsdb:"options"`
}

// DHCPv6Options is the IPv6 analogue of DHCPOptions.
type DHCPv6Options struct {
	UUID    string            `ovsdb:"_uuid"`
	Cidr    string            `ovsdb:"cidr"`
	Options map[string]string `ovsdb:"options"`
}

// AddressSet mirrors a synthesized or northbound-derived address set.
type AddressSet struct {
	UUID      string   `ovsdb:"_uuid"`
	Name      string   `ovsdb:"name"`
	Addresses []string `ovsdb:"addresses"`
}

// PortGroup mirrors a northbound port group's membership for flow
// matches.
type PortGroup struct {
	UUID  string   `ovsdb:"_uuid"`
	Name  string   `ovsdb:"name"`
	Ports []string `ovsdb:"ports"`
}

// DNS mirrors a northbound DNS record set.
type DNS struct {
	UUID        string            `ovsdb:"_uuid"`
	Datapaths   []string          `ovsdb:"datapaths"`
	Records     map[string]string `ovsdb:"records"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Meter mirrors a northbound metering policy.
type Meter struct {
	UUID  string   `ovsdb:"_uuid"`
	Name  string   `ovsdb:"name"`
	Unit  string   `ovsdb:"unit"`
	Bands []string `ovsdb:"bands"`
	Fair  *bool    `ovsdb:"fair"`
}

// MeterBand mirrors a northbound meter band.
type MeterBand struct {
	UUID      string `ovsdb:"_uuid"`
	Action    string `ovsdb:"action"`
	Rate      int    `ovsdb:"rate"`
	BurstSize int    `ovsdb:"burst_size"`
}

// GatewayChassis mirrors a legacy single-chassis binding.
type GatewayChassis struct {
	UUID        string `ovsdb:"_uuid"`
	Name        string `ovsdb:"name"`
	ChassisName string `ovsdb:"chassis_name"`
	Priority    int    `ovsdb:"priority"`
}

// HAChassis mirrors one HA chassis group member.
type HAChassis struct {
	UUID        string `ovsdb:"_uuid"`
	ChassisName string `ovsdb:"chassis_name"`
	Priority    int    `ovsdb:"priority"`
}

// HAChassisGroup mirrors a northbound HA chassis group.
type HAChassisGroup struct {
	UUID      string   `ovsdb:"_uuid"`
	Name      string   `ovsdb:"name"`
	HaChassis []string `ovsdb:"ha_chassis"`
}

// IGMPGroup is one reported IGMP membership row, the raw input to
// pkg/model's IGMPAggregator.
type IGMPGroup struct {
	UUID     string   `ovsdb:"_uuid"`
	Address  string   `ovsdb:"address"`
	Datapath *string  `ovsdb:"datapath"`
	Chassis  *string  `ovsdb:"chassis"`
	Ports    []string `ovsdb:"ports"`
}

// IPMulticast carries per-datapath multicast snooping/querier settings.
type IPMulticast struct {
	UUID             string `ovsdb:"_uuid"`
	Datapath         string `ovsdb:"datapath"`
	Enabled          *bool  `ovsdb:"enabled"`
	Querier          *bool  `ovsdb:"querier"`
	EthSrc           string `ovsdb:"eth_src"`
	Ip4Src           string `ovsdb:"ip4_src"`
	TableSize        int    `ovsdb:"table_size"`
	IdleTimeout      int    `ovsdb:"idle_timeout"`
	QueryInterval    int    `ovsdb:"query_interval"`
	QueryMaxResponse int    `ovsdb:"query_max_response"`
}

// Chassis is one registered hypervisor agent.
type Chassis struct {
	UUID                string            `ovsdb:"_uuid"`
	Name                string            `ovsdb:"name"`
	Hostname            string            `ovsdb:"hostname"`
	Encaps              []string          `ovsdb:"encaps"`
	VtepLogicalSwitches []string          `ovsdb:"vtep_logical_switches"`
	ExternalIDs         map[string]string `ovsdb:"external_ids"`
	NbCfg               int               `ovsdb:"nb_cfg"`
	OtherConfig         map[string]string `ovsdb:"other_config"`
}

// Encap is a chassis's tunnel-encapsulation endpoint.
type Encap struct {
	UUID        string            `ovsdb:"_uuid"`
	Type        string            `ovsdb:"type"`
	IP          string            `ovsdb:"ip"`
	Options     map[string]string `ovsdb:"options"`
	ChassisName string            `ovsdb:"chassis_name"`
}

// RBACRole names one authorized southbound write role, e.g.
// "ovn-controller".
type RBACRole struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Permissions map[string]string `ovsdb:"permissions"` // table name -> RBAC_Permission UUID
}

// RBACPermission is one per-table authorization entry referenced by an
// RBACRole.
type RBACPermission struct {
	UUID          string   `ovsdb:"_uuid"`
	Table         string   `ovsdb:"table"`
	Authorization []string `ovsdb:"authorization"`
	Insert        bool     `ovsdb:"insert"`
	Delete        bool     `ovsdb:"delete"`
	Update        []string `ovsdb:"update"`
}

// Table name constants.
const (
	TableSBGlobal        = "SB_Global"
	TableDatapathBinding = "Datapath_Binding"
	TablePortBinding     = "Port_Binding"
	TableLogicalFlow     = "Logical_Flow"
	TableMulticastGroup  = "Multicast_Group"
	TableMACBinding      = "MAC_Binding"
	TableDHCPOptions     = "DHCP_Options"
	TableDHCPv6Options   = "DHCPv6_Options"
	TableAddressSet      = "Address_Set"
	TablePortGroup       = "Port_Group"
	TableDNS             = "DNS"
	TableMeter           = "Meter"
	TableMeterBand       = "Meter_Band"
	TableGatewayChassis  = "Gateway_Chassis"
	TableHAChassis       = "HA_Chassis"
	TableHAChassisGroup  = "HA_Chassis_Group"
	TableIGMPGroup       = "IGMP_Group"
	TableIPMulticast     = "IP_Multicast"
	TableChassis         = "Chassis"
	TableEncap           = "Encap"
	TableRBACRole        = "RBAC_Role"
	TableRBACPermission  = "RBAC_Permission"
)

// DBModel registers every southbound row type with libovsdb so a client
// can be opened against OVN_Southbound.
func DBModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel("OVN_Southbound", map[string]model.Model{
		TableSBGlobal:        &SBGlobal{},
		TableDatapathBinding: &DatapathBinding{},
		TablePortBinding:     &PortBinding{},
		TableLogicalFlow:     &LogicalFlow{},
		TableMulticastGroup:  &MulticastGroup{},
		TableMACBinding:      &MACBinding{},
		TableDHCPOptions:     &DHCPOptions{},
		TableDHCPv6Options:   &DHCPv6Options{},
		TableAddressSet:      &AddressSet{},
		TablePortGroup:       &PortGroup{},
		TableDNS:             &DNS{},
		TableMeter:           &Meter{},
		TableMeterBand:       &MeterBand{},
		TableGatewayChassis:  &GatewayChassis{},
		TableHAChassis:       &HAChassis{},
		TableHAChassisGroup:  &HAChassisGroup{},
		TableIGMPGroup:       &IGMPGroup{},
		TableIPMulticast:     &IPMulticast{},
		TableChassis:         &Chassis{},
		TableEncap:           &Encap{},
		TableRBACRole:        &RBACRole{},
		TableRBACPermission:  &RBACPermission{},
	})
}
