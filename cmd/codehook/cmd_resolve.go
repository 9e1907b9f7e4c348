package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"codehook/pkg/resolver"
)

// newResolveCmd creates the "codehook resolve" subcommand.
func newResolveCmd(flags *globalFlags) *cobra.Command {
	var (
		presets []string
		env     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "resolve [server]...",
		Short: "Resolve a capability request against the registry",
		Long:  "Prints the startup order, tier, allowed operations and environment a worker\nwould get for the requested servers and presets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			set, err := resolver.New(a.reg).Resolve(resolver.Request{Servers: args, Presets: presets, Env: env})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, headingStyle.Render("Resolved capability set"))
			fmt.Fprintln(w, field("order", strings.Join(set.Servers, " → ")))
			fmt.Fprintln(w, field("tier", string(set.Tier)))
			fmt.Fprintln(w, field("operations", fmt.Sprintf("%d", len(set.AllowedOperations))))
			for _, op := range set.AllowedOperations {
				fmt.Fprintln(w, "  "+mutedStyle.Render(op))
			}
			if len(set.Environment) > 0 {
				fmt.Fprintln(w, field("environment", ""))
				for _, k := range slices.Sorted(maps.Keys(set.Environment)) {
					fmt.Fprintf(w, "  %s=%s\n", k, set.Environment[k])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&presets, "preset", nil, "preset to include (repeatable)")
	cmd.Flags().StringToStringVar(&env, "env", nil, "environment override KEY=VALUE (repeatable)")
	return cmd
}
