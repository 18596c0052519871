package cli

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewSessionsCmd creates the sessions command. Requires admin rights on the
// server side.
func NewSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List every live session (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := newClient().ListSessions(cmd.Context())
			if err != nil {
				return err
			}

			writer := table.NewWriter()
			writer.SetOutputMirror(os.Stdout)
			writer.AppendHeader(table.Row{"User", "Template", "Phase", "Duration", "Node"})
			for _, session := range sessions {
				writer.AppendRow(table.Row{
					session.UserID,
					session.Template.Name,
					coloredPhase(session.Pod.Phase),
					session.Duration,
					session.Node,
				})
			}
			writer.Render()
			return nil
		},
	}
}
