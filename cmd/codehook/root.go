package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codehook/internal/appversion"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// newRootCmd creates the root codehook command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "codehook",
		Short:         "Webhook-triggered coding agent dispatcher",
		Long:          "codehook receives issue and pull request comments, decides whether to act,\nresolves the tool capabilities a coding agent may use, and supervises the agent run.",
		Version:       fmt.Sprintf("codehook %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (.toml or .yaml); default $CODEHOOK_HOME/config.toml")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(flags),
		newStopCmd(flags),
		newStatusCmd(flags),
		newMatchCmd(flags),
		newResolveCmd(flags),
		newRegistryCmd(flags),
		newRunCmd(flags),
		newRunsCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the codehook version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codehook %s\n", appversion.String())
		},
	}
}
