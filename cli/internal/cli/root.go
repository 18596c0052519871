// Package cli implements the workbench command tree.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/workbench-sh/workbench/pkg/client"
	"github.com/workbench-sh/workbench/pkg/lifecycle"
)

// NewRootCmd creates the root workbench command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workbench",
		Short: "Manage ephemeral remote workspace sessions",
		Long: `workbench deploys and manages ephemeral remote workspace sessions.

Examples:
  workbench deploy rust-starter
  workbench deploy go-starter --replace
  workbench status
  workbench stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("server", "http://localhost:8000", "Workbench API server URL")
	cmd.PersistentFlags().String("token", "", "Bearer token (defaults to WORKBENCH_TOKEN)")
	cmd.PersistentFlags().String("user", "", "Session owner (defaults to the token identity)")

	viper.SetEnvPrefix("WORKBENCH")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("user", cmd.PersistentFlags().Lookup("user"))

	cmd.AddCommand(NewDeployCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewStopCmd())
	cmd.AddCommand(NewRestartCmd())
	cmd.AddCommand(NewTemplatesCmd())
	cmd.AddCommand(NewSessionsCmd())

	return cmd
}

func newClient() *client.Client {
	return client.NewClient(viper.GetString("server"), func() string {
		return viper.GetString("token")
	})
}

func sessionOwner() (string, error) {
	if user := viper.GetString("user"); user != "" {
		return user, nil
	}
	if token := viper.GetString("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no session owner: set --user or WORKBENCH_TOKEN")
}

// newMachine builds a lifecycle machine for the session owner together with
// its snapshot feed. The channel is buffered and lossy on overflow so the
// machine never blocks on a slow terminal.
func newMachine(owner string) (*lifecycle.Machine, <-chan lifecycle.Snapshot) {
	snapshots := make(chan lifecycle.Snapshot, 64)
	machine := lifecycle.NewMachine(owner, newClient(), lifecycle.WithChangeFunc(func(snap lifecycle.Snapshot) {
		select {
		case snapshots <- snap:
		default:
		}
	}))
	return machine, snapshots
}

// watchMachine drives a spinner from machine snapshots and returns the final
// snapshot once the machine settles in want or in the Error state.
func watchMachine(snapshots <-chan lifecycle.Snapshot, want lifecycle.State) lifecycle.Snapshot {
	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	spin.Start()
	defer spin.Stop()

	slowNotified := false
	for snap := range snapshots {
		switch snap.State {
		case want:
			return snap
		case lifecycle.StateError:
			return snap
		case lifecycle.StatePolling:
			spin.Suffix = "  waiting for the session to come up"
			if snap.Slow && !slowNotified {
				slowNotified = true
				spin.Suffix = "  still deploying, this is taking longer than usual"
			}
		case lifecycle.StateDeploying:
			spin.Suffix = "  deploying"
		case lifecycle.StateReplacing:
			spin.Suffix = "  replacing the current session"
		case lifecycle.StateStopping:
			spin.Suffix = "  stopping"
		}
	}
	return lifecycle.Snapshot{State: lifecycle.StateError, Err: fmt.Errorf("machine closed unexpectedly")}
}

func printConnected(snap lifecycle.Snapshot) {
	green := color.New(color.FgGreen, color.Bold)
	green.Println("Session ready")
	if snap.Session != nil {
		fmt.Printf("URL: %s\n", snap.Session.URL)
		fmt.Printf("Duration: %d minutes (max %d)\n", snap.Session.Duration, snap.Session.MaxDuration)
	}
}

func printError(snap lifecycle.Snapshot) error {
	red := color.New(color.FgRed, color.Bold)
	red.Fprintln(os.Stderr, "Session failed")
	return snap.Err
}
