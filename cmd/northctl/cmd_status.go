package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvcore/northd/pkg/cliutil"
	"github.com/nvcore/northd/pkg/lifecycle"
)

// daemonStatus mirrors the JSON object ControlSocket's "status" command
// replies with; see pkg/lifecycle/controlsocket.go.
type daemonStatus struct {
	Paused    bool   `json:"paused"`
	Exiting   bool   `json:"exiting"`
	HoldsLock bool   `json:"holdsLock"`
	Iteration uint64 `json:"iteration"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show leader/pause state for the connected daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := lifecycle.SendCommand(unixctlPath, "status")
			if err != nil {
				return err
			}
			if jsonOutput {
				fmt.Println(reply)
				return nil
			}

			var st daemonStatus
			if err := json.Unmarshal([]byte(reply), &st); err != nil {
				return fmt.Errorf("northctl: parsing daemon status: %w", err)
			}

			fmt.Printf("%s %s\n", cliutil.DotPad("role:", 12), cliutil.LeaderLabel(st.HoldsLock))
			fmt.Printf("%s %s\n", cliutil.DotPad("state:", 12), cliutil.PausedLabel(st.Paused))
			fmt.Printf("%s %d\n", cliutil.DotPad("iteration:", 12), st.Iteration)
			if st.Exiting {
				fmt.Printf("%s %s\n", cliutil.DotPad("exit:", 12), cliutil.Yellow("requested"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	return cmd
}
