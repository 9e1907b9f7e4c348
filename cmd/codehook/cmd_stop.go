package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "codehook stop" subcommand.
func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running webhook server",
		Long:  "Sends SIGTERM to the server named in the PID file. In-flight runs are\ncancelled and their workers terminated.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			pidPath := a.paths.PIDPath
			w := cmd.OutOrStdout()

			state, pid, err := serverStatus(pidPath)
			if err != nil {
				return err
			}
			switch state {
			case stateStopped:
				fmt.Fprintln(w, "codehook is not running")
				return nil
			case stateStale:
				fmt.Fprintln(w, "removing stale PID file (process already dead)")
				return removePIDFile(pidPath)
			default:
				fmt.Fprintf(w, "sending SIGTERM to codehook (PID %d)\n", pid)
				if _, err := signalServer(pidPath); err != nil {
					return err
				}
				fmt.Fprintln(w, "stop signal sent")
				return nil
			}
		},
	}
}

// newStatusCmd creates the "codehook status" subcommand.
func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the webhook server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			state, pid, err := serverStatus(a.paths.PIDPath)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if state == stateStopped {
				fmt.Fprintln(w, "codehook: stopped")
			} else {
				fmt.Fprintf(w, "codehook: %s (PID %d)\n", state, pid)
			}
			fmt.Fprintf(w, "home:     %s\nrun log:  %s\nlisten:   %s\n", a.paths.Home, a.paths.DBPath, a.cfg.Listen)
			return nil
		},
	}
}
