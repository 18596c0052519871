package cli

import (
	"github.com/spf13/cobra"

	"github.com/workbench-sh/workbench/pkg/lifecycle"
)

// NewDeployCmd creates the deploy command.
func NewDeployCmd() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "deploy [template]",
		Short: "Deploy a new workspace session",
		Long: `Deploy a new workspace session from a template.

A user owns at most one session. Deploying while a session exists fails;
pass --replace to tear the current session down first.

Examples:
  workbench deploy rust-starter
  workbench deploy go-starter --replace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := sessionOwner()
			if err != nil {
				return err
			}

			machine, snapshots := newMachine(owner)
			defer machine.Close()

			if replace {
				err = machine.Replace(args[0])
			} else {
				err = machine.Deploy(args[0])
			}
			if err != nil {
				return err
			}

			snap := watchMachine(snapshots, lifecycle.StateConnected)
			if snap.State == lifecycle.StateError {
				return printError(snap)
			}
			printConnected(snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the existing session, if any")
	return cmd
}
