package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codehook/pkg/protocol"
	"codehook/pkg/runlog"
)

// newRunsCmd creates the "codehook runs" subcommand.
func newRunsCmd(flags *globalFlags) *cobra.Command {
	var opts runlog.ListOpts
	var state string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.State = protocol.RunState(state)
			if state != "" && !opts.State.Terminal() {
				return fmt.Errorf("--state must be completed, timed_out or failed, got %q", state)
			}
			store, err := a.openRuns(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to show (0 = all)")
	cmd.Flags().StringVar(&opts.Repository, "repo", "", "only runs for owner/name")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.AddCommand(newRunsShowCmd(flags))
	return cmd
}

func newRunsShowCmd(flags *globalFlags) *cobra.Command {
	var showOutput bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run; a unique id prefix is enough",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, err := a.openRuns(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.Get(cmd.Context(), args[0])
			if errors.Is(err, runlog.ErrNotFound) {
				return fmt.Errorf("no run matches %q", args[0])
			}
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run, showOutput)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showOutput, "output", false, "include the captured worker output")
	return cmd
}

func printRuns(w io.Writer, runs []runlog.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no runs recorded"))
		return
	}
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s  %-9s  %s  %s#%d  %s  %s\n",
			id,
			stateStyle(r.State).Render(fmt.Sprintf("%-9s", r.State)),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Repository, r.EntityNumber,
			mutedStyle.Render(r.Duration().Round(time.Second).String()),
			r.Actor,
		)
	}
}

func printRun(w io.Writer, r runlog.Run, withOutput bool) {
	fmt.Fprintln(w, headingStyle.Render("Run "+r.ID))
	fmt.Fprintln(w, field("state", stateStyle(r.State).Render(string(r.State))))
	fmt.Fprintln(w, field("exit code", fmt.Sprint(r.ExitCode)))
	fmt.Fprintln(w, field("entity", fmt.Sprintf("%s %s#%d", r.EntityType, r.Repository, r.EntityNumber)))
	fmt.Fprintln(w, field("actor", r.Actor))
	fmt.Fprintln(w, field("started", r.StartedAt.Local().Format(time.RFC3339)))
	fmt.Fprintln(w, field("duration", r.Duration().Round(time.Millisecond).String()))
	fmt.Fprintln(w, field("tier", string(r.Tier)))
	if len(r.Servers) > 0 {
		fmt.Fprintln(w, field("servers", strings.Join(r.Servers, ", ")))
	}
	fmt.Fprintln(w, field("branch", branchLabel(r.WorkingBranch, r.WorkingBranch, r.BranchDegraded)))
	if r.Reason != "" {
		fmt.Fprintln(w, field("reason", r.Reason))
	}
	if r.Diagnostics != "" {
		fmt.Fprintln(w, headingStyle.Render("Diagnostics"))
		fmt.Fprintln(w, strings.TrimRight(r.Diagnostics, "\n"))
	}
	if withOutput && r.Output != "" {
		fmt.Fprintln(w, headingStyle.Render("Output"))
		fmt.Fprint(w, r.Output)
	}
}
