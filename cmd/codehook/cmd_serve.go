package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"codehook/pkg/webhook"
)

// newServeCmd creates the "codehook serve" subcommand.
func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Long: "Listens for webhooks on POST /webhook and runs one pipeline per accepted event.\n" +
			"Writes a PID file so 'codehook stop' and 'codehook status' can find it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if listen != "" {
				a.cfg.Listen = listen
			}
			return runServe(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config file")
	return cmd
}

func runServe(ctx context.Context, a *app, out io.Writer) error {
	steps := newStartupLog(out)

	state, pid, err := serverStatus(a.paths.PIDPath)
	if err != nil {
		return err
	}
	if state == stateRunning {
		return fmt.Errorf("codehook is already running (PID %d)", pid)
	}
	secret := os.Getenv(a.cfg.GitHub.WebhookSecretEnv)
	if secret == "" {
		return fmt.Errorf("%s is not set", a.cfg.GitHub.WebhookSecretEnv)
	}

	if err := writePIDFile(a.paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := withShutdownSignals(ctx, a.paths.PIDPath)
	defer cleanup()

	steps.Step("registry loaded: %d servers, %d presets", a.reg.Len(), len(a.reg.PresetNames()))

	var svc *services
	err = steps.Timed("pipeline ready (run log "+a.paths.DBPath+")", func() error {
		var buildErr error
		svc, buildErr = a.buildServices(ctx)
		return buildErr
	})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if a.cfg.RepoRoot != "" {
		if err := svc.workspaces.Prune(ctx); err != nil {
			a.log.Warn("prune worktrees", "error", err)
		}
		steps.Step("stale worktrees pruned in %s", a.cfg.RepoRoot)
	}

	if path := a.cfg.RegistryPath; path != "" {
		stop, err := watchFile(ctx, path, a.log, func() { reportRegistryDrift(a, path) })
		if err != nil {
			a.log.Warn("registry drift watch disabled", "error", err)
		} else {
			defer stop()
			steps.Step("watching %s for changes", path)
		}
	}

	h, err := webhook.NewHandler(ctx, []byte(secret), svc.pipeline, a.log)
	if err != nil {
		return err
	}
	return webhook.Serve(ctx, a.cfg.Listen, h, a.log, func(addr net.Addr) {
		steps.Step("listening on %s", addr)
	})
}

// reportRegistryDrift re-reads the registry after an on-disk change. The
// running server keeps the registry it started with.
func reportRegistryDrift(a *app, path string) {
	reg, err := loadRegistry(path)
	if err != nil {
		a.log.Error("registry file changed and no longer loads; restart will fail", "path", path, "error", err)
		return
	}
	a.log.Warn("registry file changed; restart to apply", "path", path,
		"servers_running", a.reg.Len(), "servers_on_disk", reg.Len())
}
