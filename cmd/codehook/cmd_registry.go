package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"codehook/pkg/registry"
)

// newRegistryCmd creates the "codehook registry" command group.
func newRegistryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and validate capability registries",
	}
	cmd.AddCommand(newRegistryValidateCmd(flags), newRegistryListCmd(flags))
	return cmd
}

func newRegistryValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a registry document and report problems",
		Long:  "Validates path, or the configured registry when no path is given.\nYAML (.yaml, .yml) and JSON with comments (.json, .jsonc) are accepted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				reg  *registry.Registry
				name string
				err  error
			)
			if len(args) == 1 {
				name = args[0]
				reg, err = registry.Load(name)
			} else {
				a, loadErr := loadApp(flags, cmd.ErrOrStderr())
				if loadErr != nil {
					return loadErr
				}
				reg, name = a.reg, a.cfg.RegistryPath
				if name == "" {
					name = "built-in registry"
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d servers, %d presets\n",
				okStyle.Render("✓"), name, reg.Len(), len(reg.PresetNames()))
			return nil
		},
	}
}

func newRegistryListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List servers and presets in the configured registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, headingStyle.Render("Servers"))
			for _, name := range a.reg.Names() {
				d, _ := a.reg.Lookup(name)
				line := "  " + name
				if len(d.Dependencies) > 0 {
					line += mutedStyle.Render(" needs " + strings.Join(d.Dependencies, ", "))
				}
				if len(d.Conflicts) > 0 {
					line += warnStyle.Render(" conflicts " + strings.Join(d.Conflicts, ", "))
				}
				fmt.Fprintln(w, line)
			}
			if names := a.reg.PresetNames(); len(names) > 0 {
				fmt.Fprintln(w, headingStyle.Render("Presets"))
				for _, name := range names {
					p, _ := a.reg.Preset(name)
					fmt.Fprintf(w, "  %s %s\n", name, mutedStyle.Render(strings.Join(p.Servers, ", ")))
				}
			}
			return nil
		},
	}
}
