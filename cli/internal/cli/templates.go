package cli

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewTemplatesCmd creates the templates command.
func NewTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the deployable templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := newClient().ListTemplates(cmd.Context())
			if err != nil {
				return err
			}

			writer := table.NewWriter()
			writer.SetOutputMirror(os.Stdout)
			writer.AppendHeader(table.Row{"Name", "Image", "Description"})
			for _, template := range templates {
				writer.AppendRow(table.Row{template.Name, template.Image, template.Description})
			}
			writer.Render()
			return nil
		},
	}
}
