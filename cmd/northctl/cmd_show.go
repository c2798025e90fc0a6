package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvcore/northd/pkg/cliutil"
	"github.com/nvcore/northd/pkg/lifecycle"
	"github.com/nvcore/northd/pkg/reconcile"
)

func newShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the most recently committed reconciliation pass's tallies",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := lifecycle.SendCommand(unixctlPath, "report")
			if err != nil {
				return err
			}
			if jsonOutput {
				fmt.Println(reply)
				return nil
			}
			if reply == "null" {
				fmt.Println("no reconciliation pass has committed yet")
				return nil
			}

			var r reconcile.Report
			if err := json.Unmarshal([]byte(reply), &r); err != nil {
				return fmt.Errorf("northctl: parsing report: %w", err)
			}
			printReport(&r)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	return cmd
}

func printReport(r *reconcile.Report) {
	fmt.Printf("%s %d\n\n", cliutil.Bold("logical flows:"), r.FlowCount)

	t := cliutil.NewTable("COMPONENT", "CREATED/INSERTED", "REUSED/UNCHANGED", "DELETED")
	if r.Datapaths != nil {
		t.Row("datapaths", itoa(r.Datapaths.Created), itoa(r.Datapaths.Reused), itoa(r.Datapaths.Deleted))
	}
	if r.Ports != nil {
		t.Row("ports", itoa(r.Ports.Created), itoa(r.Ports.Reused), itoa(r.Ports.Deleted))
	}
	if r.HA != nil {
		t.Row("ha-chassis-groups", itoa(r.HA.Created), itoa(r.HA.Updated), itoa(r.HA.Deleted))
	}
	if r.Mcast != nil {
		t.Row("multicast-groups", itoa(r.Mcast.Groups), "-", itoa(r.Mcast.StaleDeleted))
	}
	if r.Flows != nil {
		t.Row("flows", itoa(r.Flows.Inserted), "-", itoa(r.Flows.Deleted))
	}
	t.Flush()

	fmt.Println()
	if r.IPAM != nil {
		fmt.Printf("%s claimed=%d allocated=%d\n", cliutil.DotPad("ipam:", 16), r.IPAM.Claimed, r.IPAM.Allocated)
	}
	if r.RBAC != nil {
		fmt.Printf("%s permissions=%d role-written=%t\n", cliutil.DotPad("rbac:", 16), r.RBAC.PermissionsWritten, r.RBAC.RoleWritten)
	}
	if r.AddressSets != nil {
		fmt.Printf("%s %d\n", cliutil.DotPad("address-sets:", 16), r.AddressSets.AddressSets)
	}
	if r.PortGroups != nil {
		fmt.Printf("%s %d\n", cliutil.DotPad("port-groups:", 16), r.PortGroups.PortGroups)
	}
	if r.Meters != nil {
		fmt.Printf("%s %d\n", cliutil.DotPad("meters:", 16), r.Meters.Meters)
	}
	if r.DNS != nil {
		fmt.Printf("%s %d\n", cliutil.DotPad("dns:", 16), r.DNS.DNS)
	}
	if r.DHCPOptions != nil {
		fmt.Printf("%s %d\n", cliutil.DotPad("dhcp-options:", 16), r.DHCPOptions.DHCPOptions)
	}
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
