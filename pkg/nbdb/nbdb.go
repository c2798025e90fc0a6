// Package nbdb defines the northbound database's row models and
// registers them with libovsdb's model package. The registered model
// is the schema of record: pkg/dbase decodes every fixture row through
// these structs (by ovsdb tag), and a libovsdb client opened against
// OVN_Northbound uses the same registration.
package nbdb

import "github.com/ovn-org/libovsdb/model"

// NBGlobal is the single-row NB_Global table: process-wide settings
// and counters the core reads and writes.
type NBGlobal struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	NbCfg       int               `ovsdb:"nb_cfg"`
	SbCfg       int               `ovsdb:"sb_cfg"`
	HvCfg       int               `ovsdb:"hv_cfg"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	Connections []string          `ovsdb:"connections"`
	SSL         *string           `ovsdb:"ssl"`
	IPSec       bool              `ovsdb:"ipsec"`
}

// LogicalSwitch is one logical-switch northbound row.
type LogicalSwitch struct {
	UUID              string            `ovsdb:"_uuid"`
	Name              string            `ovsdb:"name"`
	Ports             []string          `ovsdb:"ports"`
	ACLs              []string          `ovsdb:"acls"`
	QOSRules          []string          `ovsdb:"qos_rules"`
	LoadBalancer      []string          `ovsdb:"load_balancer"`
	LoadBalancerGroup []string          `ovsdb:"load_balancer_group"`
	DNSRecords        []string          `ovsdb:"dns_records"`
	OtherConfig       map[string]string `ovsdb:"other_config"`
	ExternalIDs       map[string]string `ovsdb:"external_ids"`
	ForwardingGroups  []string          `ovsdb:"forwarding_groups"`
}

// LogicalSwitchPort is one logical-switch-port northbound row.
type LogicalSwitchPort struct {
	UUID             string            `ovsdb:"_uuid"`
	Name             string            `ovsdb:"name"`
	Type             string            `ovsdb:"type"`
	Addresses        []string          `ovsdb:"addresses"`
	PortSecurity     []string          `ovsdb:"port_security"`
	DynamicAddresses *string           `ovsdb:"dynamic_addresses"`
	Options          map[string]string `ovsdb:"options"`
	ExternalIDs      map[string]string `ovsdb:"external_ids"`
	Enabled          *bool             `ovsdb:"enabled"`
	Up               *bool             `ovsdb:"up"`
	Dhcpv4Options    *string           `ovsdb:"dhcpv4_options"`
	Dhcpv6Options    *string           `ovsdb:"dhcpv6_options"`
	HaChassisGroup   *string           `ovsdb:"ha_chassis_group"`
	ParentName       *string           `ovsdb:"parent_name"`
	Tag              *int              `ovsdb:"tag"`
	TagRequest       *int              `ovsdb:"tag_request"`
}

// LogicalRouter is one logical-router northbound row.
type LogicalRouter struct {
	UUID         string            `ovsdb:"_uuid"`
	Name         string            `ovsdb:"name"`
	Ports        []string          `ovsdb:"ports"`
	StaticRoutes []string          `ovsdb:"static_routes"`
	Policies     []string          `ovsdb:"policies"`
	Nat          []string          `ovsdb:"nat"`
	LoadBalancer []string          `ovsdb:"load_balancer"`
	Options      map[string]string `ovsdb:"options"`
	ExternalIDs  map[string]string `ovsdb:"external_ids"`
	Enabled      *bool             `ovsdb:"enabled"`
}

// LogicalRouterPort is one logical-router-port northbound row.
type LogicalRouterPort struct {
	UUID           string            `ovsdb:"_uuid"`
	Name           string            `ovsdb:"name"`
	Networks       []string          `ovsdb:"networks"`
	MAC            string            `ovsdb:"mac"`
	Peer           *string           `ovsdb:"peer"`
	Options        map[string]string `ovsdb:"options"`
	ExternalIDs    map[string]string `ovsdb:"external_ids"`
	Enabled        *bool             `ovsdb:"enabled"`
	GatewayChassis []string          `ovsdb:"gateway_chassis"`
	HaChassisGroup *string           `ovsdb:"ha_chassis_group"`
}

// LogicalRouterStaticRoute is one static-route northbound row.
type LogicalRouterStaticRoute struct {
	UUID       string            `ovsdb:"_uuid"`
	IPPrefix   string            `ovsdb:"ip_prefix"`
	Nexthop    string            `ovsdb:"nexthop"`
	OutputPort *string           `ovsdb:"output_port"`
	Policy     *string           `ovsdb:"policy"`
	RouteTable string            `ovsdb:"route_table"`
	Options    map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// LogicalRouterPolicy is one routing-policy northbound row.
type LogicalRouterPolicy struct {
	UUID        string            `ovsdb:"_uuid"`
	Priority    int               `ovsdb:"priority"`
	Match       string            `ovsdb:"match"`
	Action      string            `ovsdb:"action"`
	Nexthops    []string          `ovsdb:"nexthops"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// NAT is one NAT-rule northbound row.
type NAT struct {
	UUID        string            `ovsdb:"_uuid"`
	Type        string            `ovsdb:"type"` // "dnat", "snat", "dnat_and_snat"
	ExternalIP  string            `ovsdb:"external_ip"`
	LogicalIP   string            `ovsdb:"logical_ip"`
	LogicalPort *string           `ovsdb:"logical_port"`
	ExternalMAC *string           `ovsdb:"external_mac"`
	ExternalPortRange string      `ovsdb:"external_port_range"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// LoadBalancer is one load-balancer northbound row.
type LoadBalancer struct {
	UUID            string            `ovsdb:"_uuid"`
	Name            string            `ovsdb:"name"`
	Vips            map[string]string `ovsdb:"vips"`
	Protocol        *string           `ovsdb:"protocol"`
	Options         map[string]string `ovsdb:"options"`
	HealthCheck     []string          `ovsdb:"health_check"`
	IPPortMappings  map[string]string `ovsdb:"ip_port_mappings"`
	SelectionFields []string          `ovsdb:"selection_fields"`
	ExternalIDs     map[string]string `ovsdb:"external_ids"`
}

// ACL is one access-control-list northbound row.
type ACL struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        *string           `ovsdb:"name"`
	Direction   string            `ovsdb:"direction"`
	Priority    int               `ovsdb:"priority"`
	Match       string            `ovsdb:"match"`
	Action      string            `ovsdb:"action"`
	Log         bool              `ovsdb:"log"`
	Severity    *string           `ovsdb:"severity"`
	Meter       *string           `ovsdb:"meter"`
	Label       int               `ovsdb:"label"`
	Tier        int               `ovsdb:"tier"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// QoS is one QoS-rule northbound row.
type QoS struct {
	UUID        string            `ovsdb:"_uuid"`
	Direction   string            `ovsdb:"direction"`
	Priority    int               `ovsdb:"priority"`
	Match       string            `ovsdb:"match"`
	Action      map[string]int    `ovsdb:"action"`
	Bandwidth   map[string]int    `ovsdb:"bandwidth"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// AddressSet is one named address-set northbound row.
type AddressSet struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Addresses   []string          `ovsdb:"addresses"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// PortGroup is one named port-group northbound row.
type PortGroup struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Ports       []string          `ovsdb:"ports"`
	ACLs        []string          `ovsdb:"acls"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Meter is one metering-policy northbound row.
type Meter struct {
	UUID    string   `ovsdb:"_uuid"`
	Name    string   `ovsdb:"name"`
	Unit    string   `ovsdb:"unit"` // "kbps" or "pktps"
	Bands   []string `ovsdb:"bands"`
	Fair    *bool    `ovsdb:"fair"`
}

// MeterBand is one rate/burst band referenced by a Meter.
type MeterBand struct {
	UUID      string `ovsdb:"_uuid"`
	Action    string `ovsdb:"action"`
	Rate      int    `ovsdb:"rate"`
	BurstSize int    `ovsdb:"burst_size"`
}

// DNS is one DNS-record-set northbound row.
type DNS struct {
	UUID        string            `ovsdb:"_uuid"`
	Records     map[string]string `ovsdb:"records"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// DHCPOptions is one DHCP-option-set northbound row (shared by both the
// dhcpv4_options and dhcpv6_options columns).
type DHCPOptions struct {
	UUID        string            `ovsdb:"_uuid"`
	Cidr        string            `ovsdb:"cidr"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// GatewayChassis is one legacy single-chassis-binding northbound row.
type GatewayChassis struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	ChassisName string            `ovsdb:"chassis_name"`
	Priority    int               `ovsdb:"priority"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// HAChassisGroup is one named HA chassis group northbound row.
type HAChassisGroup struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	HaChassis   []string          `ovsdb:"ha_chassis"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// HAChassis is one (chassis, priority) member row of an HA chassis
// group.
type HAChassis struct {
	UUID        string            `ovsdb:"_uuid"`
	ChassisName string            `ovsdb:"chassis_name"`
	Priority    int               `ovsdb:"priority"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Table name constants, matching the literal OVSDB schema table names.
const (
	TableNBGlobal                 = "NB_Global"
	TableLogicalSwitch            = "Logical_Switch"
	TableLogicalSwitchPort        = "Logical_Switch_Port"
	TableLogicalRouter            = "Logical_Router"
	TableLogicalRouterPort        = "Logical_Router_Port"
	TableLogicalRouterStaticRoute = "Logical_Router_Static_Route"
	TableLogicalRouterPolicy      = "Logical_Router_Policy"
	TableNAT                      = "NAT"
	TableLoadBalancer             = "Load_Balancer"
	TableACL                      = "ACL"
	TableQoS                      = "QoS"
	TableAddressSet               = "Address_Set"
	TablePortGroup                = "Port_Group"
	TableMeter                    = "Meter"
	TableMeterBand                = "Meter_Band"
	TableDNS                      = "DNS"
	TableDHCPOptions              = "DHCP_Options"
	TableGatewayChassis           = "Gateway_Chassis"
	TableHAChassisGroup           = "HA_Chassis_Group"
	TableHAChassis                = "HA_Chassis"
)

// DBModel registers every northbound row type with libovsdb so a client
// can be opened against OVN_Northbound.
func DBModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel("OVN_Northbound", map[string]model.Model{
		TableNBGlobal:                 &NBGlobal{},
		TableLogicalSwitch:            &LogicalSwitch{},
		TableLogicalSwitchPort:        &LogicalSwitchPort{},
		TableLogicalRouter:            &LogicalRouter{},
		TableLogicalRouterPort:        &LogicalRouterPort{},
		TableLogicalRouterStaticRoute: &LogicalRouterStaticRoute{},
		TableLogicalRouterPolicy:      &LogicalRouterPolicy{},
		TableNAT:                      &NAT{},
		TableLoadBalancer:             &LoadBalancer{},
		TableACL:                      &ACL{},
		TableQoS:                      &QoS{},
		TableAddressSet:               &AddressSet{},
		TablePortGroup:                &PortGroup{},
		TableMeter:                    &Meter{},
		TableMeterBand:                &MeterBand{},
		TableDNS:                      &DNS{},
		TableDHCPOptions:              &DHCPOptions{},
		TableGatewayChassis:           &GatewayChassis{},
		TableHAChassisGroup:           &HAChassisGroup{},
		TableHAChassis:                &HAChassis{},
	})
}
