package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvcore/northd/pkg/lifecycle"
)

func newExitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Ask the daemon to exit cleanly after its current pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := lifecycle.SendCommand(unixctlPath, "exit")
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop committing transactions after the current pass",
		Long: `Signals the daemon to stop starting new transactions. It keeps reading
both databases so its local cache stays warm; resume with "northctl resume".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := lifecycle.SendCommand(unixctlPath, "pause")
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume committing transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := lifecycle.SendCommand(unixctlPath, "resume")
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func newIsPausedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is-paused",
		Short: "Print whether the daemon is currently paused",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := lifecycle.SendCommand(unixctlPath, "is-paused")
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
