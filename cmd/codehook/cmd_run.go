package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codehook/pkg/gate"
	"codehook/pkg/pipeline"
	"codehook/pkg/protocol"
)

// runFlags are the inputs of "codehook run".
type runFlags struct {
	text   string
	repo   string
	number int
	pr     bool
	public bool
	actor  string
	base   string
}

// event builds the pipeline event the flags describe.
func (f runFlags) event() (pipeline.Event, error) {
	owner, name, ok := strings.Cut(f.repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return pipeline.Event{}, fmt.Errorf("--repo must be owner/name, got %q", f.repo)
	}
	if f.number <= 0 {
		return pipeline.Event{}, errors.New("--number must be positive")
	}
	if f.actor == "" {
		return pipeline.Event{}, errors.New("--actor is required")
	}
	ev := pipeline.Event{
		Kind:       "manual",
		Owner:      owner,
		Repo:       name,
		Public:     f.public,
		EntityType: protocol.EntityIssue,
		Number:     f.number,
		Text:       f.text,
		BaseRef:    f.base,
		Actor:      gate.Actor{Login: f.actor, Type: "User"},
		CreatedAt:  time.Now().UTC(),
	}
	if f.pr {
		ev.EntityType = protocol.EntityPullRequest
	}
	return ev, nil
}

// newRunCmd creates the "codehook run" subcommand.
func newRunCmd(flags *globalFlags) *cobra.Command {
	f := runFlags{actor: os.Getenv("USER")}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one request through the pipeline without the webhook server",
		Long: "Evaluates --text as if it had been posted on the given issue or pull request\n" +
			"and, when it triggers, runs the worker in the foreground. Uses the same\n" +
			"configuration, hosting token and run log as 'codehook serve'.",
		Example: `  codehook run --repo acme/app --number 42 --text "@claude fix the failing test"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := f.event()
			if err != nil {
				return err
			}
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			svc, err := a.buildServices(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			out := svc.pipeline.Handle(ctx, ev)
			w := cmd.OutOrStdout()
			if out.Stage == pipeline.StageNoMatch {
				fmt.Fprintln(w, mutedStyle.Render("no trigger phrase in --text; nothing to do"))
				return nil
			}
			if out.RunID != "" {
				fmt.Fprintln(w, field("run", out.RunID))
			}
			if out.Result != nil {
				fmt.Fprintln(w, field("state", stateStyle(out.Result.State).Render(string(out.Result.State))))
				fmt.Fprintln(w, field("exit code", fmt.Sprint(out.Result.ExitCode)))
				if out.Result.OutputPath != "" {
					fmt.Fprintln(w, field("output", out.Result.OutputPath))
				}
			}
			if out.Branch.WorkingBranch != "" || out.Branch.Degraded {
				fmt.Fprintln(w, field("branch", branchLabel(out.Branch.WorkingBranch, out.Branch.BaseBranch, out.Branch.Degraded)))
			}
			return out.Err
		},
	}
	cmd.Flags().StringVar(&f.text, "text", "", "comment text to evaluate")
	cmd.Flags().StringVar(&f.repo, "repo", "", "repository as owner/name")
	cmd.Flags().IntVar(&f.number, "number", 0, "issue or pull request number")
	cmd.Flags().BoolVar(&f.pr, "pr", false, "the number is a pull request")
	cmd.Flags().BoolVar(&f.public, "public", false, "treat the repository as public")
	cmd.Flags().StringVar(&f.actor, "actor", f.actor, "login the request is attributed to (default $USER)")
	cmd.Flags().StringVar(&f.base, "base", "", "base branch for the working branch (default: repository default)")
	_ = cmd.MarkFlagRequired("text")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func branchLabel(working, base string, degraded bool) string {
	if degraded {
		return warnStyle.Render(base + " (degraded)")
	}
	return working
}
