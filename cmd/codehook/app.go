package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"codehook/pkg/branch"
	"codehook/pkg/config"
	"codehook/pkg/gate"
	"codehook/pkg/hosting"
	"codehook/pkg/pipeline"
	"codehook/pkg/registry"
	"codehook/pkg/runlog"
	"codehook/pkg/supervisor"
	"codehook/pkg/trigger"
	"codehook/pkg/workspace"
)

// app is the loaded configuration every subcommand starts from.
type app struct {
	cfg   *config.Config
	paths *config.Paths
	reg   *registry.Registry
	log   *slog.Logger
}

// loadApp resolves paths, reads the config file and the registry, and
// builds the logger. An absent default config file is fine; an explicit
// one must exist.
func loadApp(flags *globalFlags, logOut io.Writer) (*app, error) {
	log, err := newLogger(logOut, flags.logLevel)
	if err != nil {
		return nil, err
	}
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, err
	}

	path, allowMissing := flags.configPath, false
	if path == "" {
		path = paths.ConfigPath
		allowMissing = os.Getenv("CODEHOOK_CONFIG") == ""
	}
	cfg, err := config.Load(path, allowMissing)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	reg, err := loadRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, paths: paths.WithStateDir(cfg.StateDir), reg: reg, log: log}, nil
}

// loadRegistry reads path, or returns the built-in registry when path is
// empty.
func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	return registry.Load(path)
}

// services is everything a pipeline run needs. Close releases the run
// log.
type services struct {
	pipeline   *pipeline.Pipeline
	runs       *runlog.Store
	workspaces *workspace.Manager
}

func (s *services) Close() error {
	return s.runs.Close()
}

// buildServices wires the pipeline from the app configuration.
func (a *app) buildServices(ctx context.Context) (*services, error) {
	token := os.Getenv(a.cfg.GitHub.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%s is not set", a.cfg.GitHub.TokenEnv)
	}
	client, err := hosting.NewClient(hosting.Config{BaseURL: a.cfg.GitHub.APIURL, Token: token, Logger: a.log})
	if err != nil {
		return nil, err
	}
	matcher, err := trigger.NewMatcher(a.cfg.Trigger.Phrases, a.cfg.Trigger.DefaultInstruction, trigger.WithServerNames(a.reg.Has))
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Config{
		Command: a.cfg.Worker.Command,
		Args:    a.cfg.Worker.Args,
		RunsDir: a.paths.RunsDir,
		Grace:   a.cfg.Worker.Grace.Duration,
		Logger:  a.log,
	})
	if err != nil {
		return nil, err
	}
	store, err := runlog.Open(ctx, a.paths.DBPath)
	if err != nil {
		return nil, err
	}
	workspaces := workspace.NewManager(a.cfg.RepoRoot, "", nil)

	pcfg := pipeline.Config{
		Matcher:       matcher,
		Registry:      a.reg,
		Gate:          gate.New(client, a.log),
		Branches:      branch.NewManager(client, a.cfg.BranchPrefix, branch.WithLogger(a.log)),
		Executor:      sup,
		Workspaces:    workspaces,
		Runs:          store,
		PullRequests:  client,
		Timeout:       a.cfg.TimeoutFor,
		ReportDenials: a.cfg.Comments.ReportDeny,
		Logger:        a.log,
	}
	if a.cfg.Comments.Enabled {
		pcfg.Comments = client
	}
	p, err := pipeline.New(pcfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &services{pipeline: p, runs: store, workspaces: workspaces}, nil
}

// openRuns opens the run log read-write; used by the inspection
// commands.
func (a *app) openRuns(ctx context.Context) (*runlog.Store, error) {
	return runlog.Open(ctx, a.paths.DBPath)
}
