package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workbench-sh/workbench/pkg/lifecycle"
)

// NewStopCmd creates the stop command.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the current session",
		Long:  "Stop the current session and wait until its absence is confirmed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := sessionOwner()
			if err != nil {
				return err
			}

			machine, snapshots := newMachine(owner)
			defer machine.Close()

			if err := machine.Stop(); err != nil {
				return err
			}

			snap := watchMachine(snapshots, lifecycle.StateIdle)
			if snap.State == lifecycle.StateError {
				return printError(snap)
			}
			fmt.Println("Session stopped")
			return nil
		},
	}
}
