// Package addrsync mirrors northbound address sets, port groups,
// meters, DNS records, and DHCP option dictionaries into southbound: southbound Address_Set/Port_Group mirrors (including
// port-group-derived IPv4/IPv6 sets), meter band mirroring, a
// supported-DHCP-option catalog check against github.com/insomniacslk/dhcp's
// option tables, and DNS record validation against github.com/miekg/dns's
// parser.
package addrsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/sbdb"
	"github.com/nvcore/northd/pkg/util"
)

func getString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func getStringSlice(fields map[string]interface{}, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getStringMap(fields map[string]interface{}, key string) map[string]string {
	switch v := fields[key].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// Report tallies what this package's sync functions did.
type Report struct {
	AddressSets int
	PortGroups  int
	Meters      int
	DNS         int
	DHCPOptions int
}

// SyncAddressSets mirrors every northbound Address_Set row verbatim
// into southbound, and additionally
// derives the two port-group address sets (name_ip4, name_ip6) for
// every port group in arena.
func SyncAddressSets(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena, addrsOf func(string) []model.Address) (*Report, error) {
	report := &Report{}

	wanted := make(map[string][]string)

	nbRows, err := nb.Rows(ctx, nbdb.TableAddressSet)
	if err != nil {
		return nil, err
	}
	for _, row := range nbRows {
		wanted[getString(row.Fields, "name")] = getStringSlice(row.Fields, "addresses")
	}

	for _, pg := range arena.PortGroups() {
		v4name, v6name := pg.AddressSetNames()
		wanted[v4name] = pg.IPv4Addresses(addrsOf)
		wanted[v6name] = pg.IPv6Addresses(addrsOf)
	}

	sbRows, err := sb.Rows(ctx, sbdb.TableAddressSet)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]dbase.Row, len(sbRows))
	for _, row := range sbRows {
		existing[getString(row.Fields, "name")] = row
	}

	for name, addrs := range wanted {
		sort.Strings(addrs)
		row, ok := existing[name]
		fields := map[string]interface{}{"name": name, "addresses": addrs}
		if !ok {
			sbTxn.Insert(sbdb.TableAddressSet, fields)
			report.AddressSets++
			continue
		}
		if !sameStrings(getStringSlice(row.Fields, "addresses"), addrs) {
			sbTxn.Update(sbdb.TableAddressSet, row.UUID, fields)
			report.AddressSets++
		}
	}
	for name, row := range existing {
		if _, ok := wanted[name]; !ok {
			sbTxn.Delete(sbdb.TableAddressSet, row.UUID)
		}
	}

	return report, nil
}

// SyncPortGroups mirrors every northbound Port_Group's membership into
// southbound, and populates arena with the corresponding model.PortGroup
// entries SyncAddressSets needs.
func SyncPortGroups(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn, arena *model.Arena) (*Report, error) {
	report := &Report{}

	nbRows, err := nb.Rows(ctx, nbdb.TablePortGroup)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string][]string, len(nbRows))
	for _, row := range nbRows {
		name := getString(row.Fields, "name")
		ports := getStringSlice(row.Fields, "ports")
		wanted[name] = ports

		pg := model.NewPortGroup(name)
		for _, p := range ports {
			pg.AddMember(p)
		}
		arena.AddPortGroup(pg)
	}

	sbRows, err := sb.Rows(ctx, sbdb.TablePortGroup)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]dbase.Row, len(sbRows))
	for _, row := range sbRows {
		existing[getString(row.Fields, "name")] = row
	}

	for name, ports := range wanted {
		row, ok := existing[name]
		fields := map[string]interface{}{"name": name, "ports": ports}
		if !ok {
			sbTxn.Insert(sbdb.TablePortGroup, fields)
			report.PortGroups++
			continue
		}
		if !sameStrings(getStringSlice(row.Fields, "ports"), ports) {
			sbTxn.Update(sbdb.TablePortGroup, row.UUID, fields)
			report.PortGroups++
		}
	}
	for name, row := range existing {
		if _, ok := wanted[name]; !ok {
			sbTxn.Delete(sbdb.TablePortGroup, row.UUID)
		}
	}

	return report, nil
}

// SyncMeters mirrors meters: every northbound Meter row's bands are
// mirrored into southbound, sorted by
// (rate, burst_size) so equivalent band sets always compare equal.
func SyncMeters(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn) (*Report, error) {
	report := &Report{}

	bandRows, err := nb.Rows(ctx, nbdb.TableMeterBand)
	if err != nil {
		return nil, err
	}
	bandsByUUID := make(map[string]dbase.Row, len(bandRows))
	for _, row := range bandRows {
		bandsByUUID[row.UUID] = row
	}

	meters, err := nb.Rows(ctx, nbdb.TableMeter)
	if err != nil {
		return nil, err
	}

	sbMeters, err := sb.Rows(ctx, sbdb.TableMeter)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]dbase.Row, len(sbMeters))
	for _, row := range sbMeters {
		existing[getString(row.Fields, "name")] = row
	}

	wanted := make(map[string]bool, len(meters))
	for _, m := range meters {
		name := getString(m.Fields, "name")
		wanted[name] = true

		type band struct {
			action    string
			rate      int
			burstSize int
		}
		var bands []band
		for _, bandUUID := range getStringSlice(m.Fields, "bands") {
			brow, ok := bandsByUUID[bandUUID]
			if !ok {
				continue
			}
			bands = append(bands, band{
				action:    getString(brow.Fields, "action"),
				rate:      getIntField(brow.Fields, "rate"),
				burstSize: getIntField(brow.Fields, "burst_size"),
			})
		}
		sort.Slice(bands, func(i, j int) bool {
			if bands[i].rate != bands[j].rate {
				return bands[i].rate < bands[j].rate
			}
			return bands[i].burstSize < bands[j].burstSize
		})
		bandFields := make([]map[string]interface{}, 0, len(bands))
		for _, b := range bands {
			bandFields = append(bandFields, map[string]interface{}{
				"action": b.action, "rate": b.rate, "burst_size": b.burstSize,
			})
		}

		fields := map[string]interface{}{
			"name":  name,
			"unit":  getString(m.Fields, "unit"),
			"bands": bandFields,
		}
		if row, ok := existing[name]; !ok {
			sbTxn.Insert(sbdb.TableMeter, fields)
			report.Meters++
		} else if meterChanged(row, fields) {
			sbTxn.Update(sbdb.TableMeter, row.UUID, fields)
			report.Meters++
		}
	}
	for name, row := range existing {
		if !wanted[name] {
			sbTxn.Delete(sbdb.TableMeter, row.UUID)
		}
	}

	return report, nil
}

// SyncDNS mirrors DNS rows: each row's records are validated with
// github.com/miekg/dns
// (a record whose name+value can't round-trip through an RR string is
// dropped with a warning) before being mirrored southbound.
func SyncDNS(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn) (*Report, error) {
	report := &Report{}
	log := util.WithComponent("addrsync")

	nbRows, err := nb.Rows(ctx, nbdb.TableDNS)
	if err != nil {
		return nil, err
	}

	sbRows, err := sb.Rows(ctx, sbdb.TableDNS)
	if err != nil {
		return nil, err
	}
	// Southbound DNS rows are matched to their northbound source by the
	// dns_id external-id, the same way Datapath_Binding rows carry their
	// logical-switch id.
	existing := make(map[string]dbase.Row, len(sbRows))
	for _, row := range sbRows {
		existing[getStringMap(row.Fields, "external_ids")["dns_id"]] = row
	}

	wanted := make(map[string]bool, len(nbRows))
	for _, row := range nbRows {
		records := getStringMap(row.Fields, "records")
		valid := make(map[string]string, len(records))
		vb := &util.ValidationBuilder{}
		for name, value := range records {
			if !validDNSRecord(name, value) {
				vb.AddErrorf("dropping unparseable record %q -> %q", name, value)
				continue
			}
			valid[name] = value
		}
		if err := vb.Build(); err != nil {
			log.Warnf("DNS row %s: %v", row.UUID, err)
		}
		wanted[row.UUID] = true
		fields := map[string]interface{}{
			"records":      valid,
			"external_ids": map[string]string{"dns_id": row.UUID},
		}
		if ex, ok := existing[row.UUID]; !ok {
			sbTxn.Insert(sbdb.TableDNS, fields)
			report.DNS++
		} else if !sameStringMap(getStringMap(ex.Fields, "records"), valid) {
			sbTxn.Update(sbdb.TableDNS, ex.UUID, fields)
			report.DNS++
		}
	}
	for id, row := range existing {
		if !wanted[id] {
			sbTxn.Delete(sbdb.TableDNS, row.UUID)
		}
	}

	return report, nil
}

// validDNSRecord checks that name is a syntactically valid DNS name and
// that a synthetic TXT RR string built from name and the quoted value
// parses with miekg/dns's parser. The value is carried as TXT data, so
// it is not checked as an A/AAAA address or a hostname.
func validDNSRecord(name, value string) bool {
	if _, ok := dns.IsDomainName(name); !ok {
		return false
	}
	_, err := dns.NewRR(fmt.Sprintf("%s. 0 IN TXT %q", name, value))
	return err == nil
}

// SyncDHCPOptions upserts the supported-option catalog: every
// northbound DHCP_Options row's option keys are checked against
// dhcpOptionCatalog (dhcpv4's standard option-code table) before being
// mirrored southbound; unrecognized
// keys are kept (ovn-controller tolerates vendor-specific keys) but
// logged.
func SyncDHCPOptions(ctx context.Context, nb, sb dbase.Snapshot, sbTxn dbase.Txn) (*Report, error) {
	report := &Report{}
	log := util.WithComponent("addrsync")

	nbRows, err := nb.Rows(ctx, nbdb.TableDHCPOptions)
	if err != nil {
		return nil, err
	}
	sbRows, err := sb.Rows(ctx, sbdb.TableDHCPOptions)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]dbase.Row, len(sbRows))
	for _, row := range sbRows {
		existing[getStringMap(row.Fields, "external_ids")["nb_id"]] = row
	}

	wanted := make(map[string]bool, len(nbRows))
	for _, row := range nbRows {
		opts := getStringMap(row.Fields, "options")
		for key := range opts {
			if _, known := dhcpOptionCatalog[key]; !known {
				log.Debugf("DHCP_Options row %s: option %q is not in the known catalog", row.UUID, key)
			}
		}
		wanted[row.UUID] = true
		fields := map[string]interface{}{
			"cidr":         getString(row.Fields, "cidr"),
			"options":      opts,
			"external_ids": map[string]string{"nb_id": row.UUID},
		}
		if ex, ok := existing[row.UUID]; !ok {
			sbTxn.Insert(sbdb.TableDHCPOptions, fields)
			report.DHCPOptions++
		} else if !sameStringMap(getStringMap(ex.Fields, "options"), opts) {
			sbTxn.Update(sbdb.TableDHCPOptions, ex.UUID, fields)
			report.DHCPOptions++
		}
	}
	for id, row := range existing {
		if !wanted[id] {
			sbTxn.Delete(sbdb.TableDHCPOptions, row.UUID)
		}
	}

	return report, nil
}

// dhcpOptionCatalog maps OVN's DHCP_Options option names to the
// standard DHCPv4 option code they correspond to, per dhcpv4's option
// registry.
var dhcpOptionCatalog = map[string]dhcpv4.OptionCode{
	"netmask":          dhcpv4.OptionSubnetMask,
	"router":           dhcpv4.OptionRouter,
	"dns_server":       dhcpv4.OptionDomainNameServer,
	"domain_name":      dhcpv4.OptionDomainName,
	"hostname":         dhcpv4.OptionHostName,
	"mtu":              dhcpv4.OptionInterfaceMTU,
	"lease_time":       dhcpv4.OptionIPAddressLeaseTime,
	"server_id":        dhcpv4.OptionServerIdentifier,
	"tftp_server":      dhcpv4.OptionTFTPServerName,
	"bootfile_name":    dhcpv4.OptionBootfileName,
	"domain_search":    dhcpv4.OptionDomainSearch,
	"classless_static_route": dhcpv4.OptionClasslessStaticRoute,
	"ntp_server":       dhcpv4.OptionNTPServers,
}

// meterChanged compares a southbound Meter row's unit and sorted band
// list against the freshly computed fields, so unchanged meters cost no
// transaction op.
func meterChanged(row dbase.Row, fields map[string]interface{}) bool {
	if getString(row.Fields, "unit") != fields["unit"].(string) {
		return true
	}
	return fmt.Sprintf("%v", row.Fields["bands"]) != fmt.Sprintf("%v", fields["bands"])
}

func getIntField(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}

func sameStringMap(a, b map[string]string) bool {
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
