// Command northctl is the operator control surface for a running northd
// process: the exit/pause/resume/is-paused control-socket commands,
// plus a status/show pair for inspecting the most recent
// reconciliation pass. The protocol is a single-line request/response
// over a Unix socket (pkg/lifecycle's ControlSocket).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvcore/northd/pkg/config"
	"github.com/nvcore/northd/pkg/version"
)

var unixctlPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "northctl",
		Short: "Control a running northd daemon",
		Long: `northctl talks to a running northd process over its control socket.

  northctl pause          # stop committing after the current pass
  northctl resume         # resume committing
  northctl is-paused      # print true/false
  northctl status         # show leader/pause state
  northctl show           # show the last reconciliation pass's tallies
  northctl exit           # ask the daemon to shut down cleanly`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults, _ := config.LoadDefaults()
	defaultPath := config.DefaultUnixctlPath
	if defaults != nil && defaults.UnixctlPath != "" {
		defaultPath = defaults.UnixctlPath
	}
	rootCmd.PersistentFlags().StringVarP(&unixctlPath, "unixctl", "u", defaultPath, "control socket path")

	rootCmd.AddCommand(
		newExitCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newIsPausedCmd(),
		newStatusCmd(),
		newShowCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
