package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workbench-sh/workbench/pkg/lifecycle"
)

// NewRestartCmd creates the restart command.
func NewRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Redeploy the current session from its template",
		Long: `Redeploy the current session: tear it down, confirm its absence and
deploy the same template again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := sessionOwner()
			if err != nil {
				return err
			}

			// The CLI is one-shot, so the template to restart comes from the
			// live session rather than from process memory.
			session, err := newClient().GetSession(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if session == nil {
				return fmt.Errorf("no session to restart")
			}

			machine, snapshots := newMachine(owner)
			defer machine.Close()

			if err := machine.Replace(session.Template.Name); err != nil {
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
}
