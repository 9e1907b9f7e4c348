package config

import (
	"fmt"
	"os"
	"path/filepath"

	"codehook/pkg/protocol"
)

// Paths holds all resolved codehook state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.codehook or CODEHOOK_HOME
	ConfigPath string // config.toml or CODEHOOK_CONFIG
	DBPath     string // runs.db or CODEHOOK_DB_PATH
	PIDPath    string // codehook.pid or CODEHOOK_PID_PATH
	RunsDir    string // runs/ (respects CODEHOOK_HOME)
}

// ResolvePaths returns all codehook paths, respecting env var overrides.
// Environment variables:
//   - CODEHOOK_HOME: base directory for all state (default: ~/.codehook)
//   - CODEHOOK_CONFIG: configuration file (default: $CODEHOOK_HOME/config.toml)
//   - CODEHOOK_DB_PATH: run log database (default: $CODEHOOK_HOME/runs.db)
//   - CODEHOOK_PID_PATH: server PID file (default: $CODEHOOK_HOME/codehook.pid)
//
// Specific variables override both the default and the CODEHOOK_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		ConfigPath: resolvePathWithEnv("CODEHOOK_CONFIG", home, "config.toml"),
		DBPath:     resolvePathWithEnv("CODEHOOK_DB_PATH", home, "runs.db"),
		PIDPath:    resolvePathWithEnv("CODEHOOK_PID_PATH", home, "codehook.pid"),
		RunsDir:    filepath.Join(home, protocol.RunsDir),
	}, nil
}

// WithStateDir rebases the paths that were not explicitly overridden
// onto dir, for configurations that set state_dir.
func (p *Paths) WithStateDir(dir string) *Paths {
	if dir == "" || dir == p.Home {
		return p
	}
	out := *p
	out.Home = dir
	out.DBPath = resolvePathWithEnv("CODEHOOK_DB_PATH", dir, "runs.db")
	out.PIDPath = resolvePathWithEnv("CODEHOOK_PID_PATH", dir, "codehook.pid")
	out.RunsDir = filepath.Join(dir, protocol.RunsDir)
	return &out
}

func resolveHome() (string, error) {
	if v := os.Getenv("CODEHOOK_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.StateDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
