package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	v1 "github.com/workbench-sh/workbench/api/v1"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := sessionOwner()
			if err != nil {
				return err
			}

			session, err := newClient().GetSession(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if session == nil {
				fmt.Println("No session")
				return nil
			}

			writer := table.NewWriter()
			writer.SetOutputMirror(os.Stdout)
			writer.AppendRow(table.Row{"Template", session.Template.Name})
			writer.AppendRow(table.Row{"URL", session.URL})
			writer.AppendRow(table.Row{"Phase", coloredPhase(session.Pod.Phase)})
			if session.Pod.Reason != "" {
				writer.AppendRow(table.Row{"Reason", session.Pod.Reason})
			}
			if remaining, ok := session.RemainingMinutes(); ok {
				writer.AppendRow(table.Row{"Remaining", fmt.Sprintf("%d minutes", remaining)})
			}
			writer.AppendRow(table.Row{"Duration", fmt.Sprintf("%d minutes (max %d)", session.Duration, session.MaxDuration)})
			if session.Node != "" {
				writer.AppendRow(table.Row{"Node", session.Node})
			}
			writer.Render()
			return nil
		},
	}
}

func coloredPhase(phase v1.Phase) string {
	switch phase {
	case v1.PhaseRunning:
		return color.GreenString(string(phase))
	case v1.PhaseFailed:
		return color.RedString(string(phase))
	case v1.PhasePending:
		return color.YellowString(string(phase))
	default:
		return string(phase)
	}
}
