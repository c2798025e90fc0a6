package join

import (
	"context"
	"net"
	"sort"

	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/ipam"
	"github.com/nvcore/northd/pkg/model"
	"github.com/nvcore/northd/pkg/nbdb"
	"github.com/nvcore/northd/pkg/util"
)

// IPAMReport tallies what ApplyIPAM did.
type IPAMReport struct {
	Claimed   int
	Allocated int
}

// ApplyIPAM runs the per-switch address pass once peers are known: for
// each switch datapath, claim every statically-addressed
// port's MAC/IPv4, fold in connected router ports' first IPv4, then
// resolve any single "dynamic" token per port, persisting a fresh
// dynamic_addresses value to northbound when one was allocated. Must
// run after JoinPorts and ResolvePeers.
func ApplyIPAM(ctx context.Context, nb dbase.Snapshot, nbTxn dbase.Txn, arena *model.Arena, macam *ipam.MACAM) (*IPAMReport, error) {
	report := &IPAMReport{}
	log := util.WithComponent("join")
	resolver := ipam.NewResolver(macam)

	rows, err := nb.Rows(ctx, nbdb.TableLogicalSwitchPort)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]dbase.Row, len(rows))
	for _, row := range rows {
		byName[getString(row.Fields, "name")] = row
	}

	for _, dp := range arena.Datapaths() {
		if !dp.IsSwitch() {
			continue
		}

		// Router-port addresses are reserved before any dynamic
		// allocation can hand them out.
		for _, rpName := range dp.RouterPorts {
			rp, ok := arena.Port(rpName)
			if ok {
				claimRouterPortIPv4(dp.IPAM, rp.Networks)
			}
		}

		names := append([]string{}, dp.PortNames...)
		sort.Strings(names)
		for _, name := range names {
			p, ok := arena.Port(name)
			if !ok || p.Derived {
				continue
			}
			row := byName[name]

			entries := getStringSlice(row.Fields, "addresses")
			dynamicSeen := false
			for _, entry := range entries {
				d, ok := ipam.Classify(entry, p.DynamicAddresses != "")
				if !ok {
					continue
				}
				if d.Mode == ipam.ModeDynamic || d.Mode == ipam.ModeDynamicKeep {
					if dynamicSeen {
						log.Warnf("port %s: multiple dynamic address slots, ignoring extra", name)
						continue
					}
					dynamicSeen = true
				}
				if d.Mode == ipam.ModeStatic && d.IsIPv4Dynamic && p.DynamicAddresses != "" {
					// A mixed "mac dynamic" entry with a persisted value
					// reclaims it rather than allocating a fresh IPv4.
					prevMAC, prevIPs := ipam.ParseDynamicAddresses(p.DynamicAddresses)
					if prevMAC != nil && prevMAC.String() == d.MAC.String() {
						resolver.MACAM.Claim(prevMAC)
						if dp.IPAM != nil {
							for _, ip := range prevIPs {
								dp.IPAM.ClaimIPv4(ip)
							}
						}
						replaceAddress(p, prevMAC, prevIPs)
						report.Claimed++
						continue
					}
				}
				mac, ips, persist, err := resolver.Resolve(d, dp.IPAM, p.DynamicAddresses)
				if err != nil {
					log.Warnf("port %s: %v", name, err)
				}
				if mac == nil && len(ips) == 0 {
					continue
				}
				switch d.Mode {
				case ipam.ModeStatic:
					// The entry itself is already in p.Addresses from the
					// port join parse; only a mixed-form allocation adds
					// anything new.
					if persist {
						replaceAddress(p, mac, ips)
					}
					report.Claimed++
				default:
					p.Addresses = append(p.Addresses, model.Address{MAC: mac, IPs: ips})
					report.Claimed++
				}
				if persist {
					value := ipam.FormatDynamicAddresses(mac, ips)
					p.DynamicAddresses = value
					nbTxn.Update(nbdb.TableLogicalSwitchPort, row.UUID, map[string]interface{}{
						"dynamic_addresses": value,
					})
					report.Claimed--
					report.Allocated++
				}
			}
		}
	}

	return report, nil
}

// replaceAddress swaps the parsed entry for mac with the resolved one,
// so a mixed "mac dynamic" entry's allocated IPv4 lands in the port's
// effective address list exactly once.
func replaceAddress(p *model.Port, mac net.HardwareAddr, ips []net.IP) {
	for i, a := range p.Addresses {
		if a.MAC != nil && a.MAC.String() == mac.String() {
			p.Addresses[i].IPs = ips
			return
		}
	}
	p.Addresses = append(p.Addresses, model.Address{MAC: mac, IPs: ips})
}
