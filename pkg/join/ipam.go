package join

import (
	"net"

	"github.com/nvcore/northd/pkg/ipam"
)

// newSwitchIPAM builds the per-switch IPAM bitmap from a logical
// switch's other_config: parse subnet, reject /32 or malformed,
// allocate the bitmap, pre-mark index 0, and apply exclude_ips.
func newSwitchIPAM(name string, subnet *net.IPNet, otherConfig map[string]string) (*ipam.Switch, error) {
	return ipam.NewSwitch(name, subnet.String(), otherConfig["exclude_ips"])
}

// claimRouterPortIPv4 records a connected router port's first IPv4 as
// taken on the switch it attaches to, skipping the subnet's own start
// address (already reserved at index 0).
func claimRouterPortIPv4(sw *ipam.Switch, networks []*net.IPNet) {
	if sw == nil || sw.Subnet == nil {
		return
	}
	for _, n := range networks {
		if n == nil || n.IP.To4() == nil {
			continue
		}
		if n.IP.Equal(sw.StartIPv4) {
			continue
		}
		sw.ClaimIPv4(n.IP)
		return
	}
}
