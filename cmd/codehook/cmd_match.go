package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"codehook/pkg/trigger"
)

// newMatchCmd creates the "codehook match" subcommand.
func newMatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "match <text>...",
		Short: "Evaluate text against the trigger phrases",
		Long:  "Shows whether text would trigger a run and what instruction and directives\nwould be extracted from it. Arguments are joined with spaces.",
		Example: `  codehook match "@claude use github fix the flaky test"
  codehook match "@claude use preset:web env:DEBUG=1 check the login page"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m, err := trigger.NewMatcher(a.cfg.Trigger.Phrases, a.cfg.Trigger.DefaultInstruction, trigger.WithServerNames(a.reg.Has))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			req, ok := m.Evaluate(strings.Join(args, " "))
			if !ok {
				fmt.Fprintln(w, mutedStyle.Render("no match"), "(phrases: "+strings.Join(m.Phrases(), ", ")+")")
				return nil
			}
			fmt.Fprintln(w, okStyle.Render("match"))
			fmt.Fprintln(w, field("phrase", req.MatchedPhrase))
			fmt.Fprintln(w, field("instruction", req.Instruction))
			if len(req.Servers) > 0 {
				fmt.Fprintln(w, field("servers", strings.Join(req.Servers, ", ")))
			}
			if len(req.Presets) > 0 {
				fmt.Fprintln(w, field("presets", strings.Join(req.Presets, ", ")))
			}
			for _, k := range slices.Sorted(maps.Keys(req.Env)) {
				fmt.Fprintln(w, field("env", k+"="+req.Env[k]))
			}
			return nil
		},
	}
}
