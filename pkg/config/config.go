// Package config loads the codehook configuration file. The file may be
// TOML or YAML, chosen by extension; missing fields keep their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"codehook/pkg/protocol"
)

// Duration is a time.Duration written as a Go duration string ("20m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for both decoders.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full codehook configuration.
type Config struct {
	Listen       string `toml:"listen" yaml:"listen"`
	BranchPrefix string `toml:"branch_prefix" yaml:"branch_prefix"`
	RegistryPath string `toml:"registry" yaml:"registry"`   // empty means the built-in registry
	StateDir     string `toml:"state_dir" yaml:"state_dir"` // empty means the resolved home
	RepoRoot     string `toml:"repo_root" yaml:"repo_root"` // local clone for worktrees; optional

	Trigger  TriggerConfig  `toml:"trigger" yaml:"trigger"`
	Worker   WorkerConfig   `toml:"worker" yaml:"worker"`
	Timeouts TimeoutConfig  `toml:"timeouts" yaml:"timeouts"`
	GitHub   GitHubConfig   `toml:"github" yaml:"github"`
	Comments CommentsConfig `toml:"comments" yaml:"comments"`
}

// TriggerConfig configures the trigger matcher.
type TriggerConfig struct {
	Phrases            []string `toml:"phrases" yaml:"phrases"`
	DefaultInstruction string   `toml:"default_instruction" yaml:"default_instruction"`
}

// WorkerConfig describes the worker process. Args may contain
// {mcp_config}, {allowed_tools} and {run_dir}.
type WorkerConfig struct {
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args" yaml:"args"`
	Grace   Duration `toml:"grace" yaml:"grace"`
}

// TimeoutConfig maps resource tiers to worker timeouts.
type TimeoutConfig struct {
	Minimal       Duration `toml:"minimal" yaml:"minimal"`
	Standard      Duration `toml:"standard" yaml:"standard"`
	Comprehensive Duration `toml:"comprehensive" yaml:"comprehensive"`
}

// GitHubConfig names where credentials come from. Secrets themselves are
// never stored in the file.
type GitHubConfig struct {
	APIURL           string `toml:"api_url" yaml:"api_url"`
	TokenEnv         string `toml:"token_env" yaml:"token_env"`
	WebhookSecretEnv string `toml:"webhook_secret_env" yaml:"webhook_secret_env"`
}

// CommentsConfig controls progress comments.
type CommentsConfig struct {
	Enabled    bool `toml:"enabled" yaml:"enabled"`
	ReportDeny bool `toml:"report_denials" yaml:"report_denials"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       ":8080",
		BranchPrefix: protocol.BranchPrefix,
		Trigger: TriggerConfig{
			Phrases:            []string{protocol.DefaultTriggerPhrase},
			DefaultInstruction: protocol.DefaultInstruction,
		},
		Worker: WorkerConfig{
			Command: "claude",
			Args: []string{
				"-p",
				"--output-format", "stream-json",
				"--verbose",
				"--mcp-config", "{mcp_config}",
				"--allowedTools", "{allowed_tools}",
			},
			Grace: Duration{5 * time.Second},
		},
		Timeouts: TimeoutConfig{
			Minimal:       Duration{10 * time.Minute},
			Standard:      Duration{20 * time.Minute},
			Comprehensive: Duration{40 * time.Minute},
		},
		GitHub: GitHubConfig{
			APIURL:           "https://api.github.com",
			TokenEnv:         "GITHUB_TOKEN",
			WebhookSecretEnv: "CODEHOOK_WEBHOOK_SECRET",
		},
		Comments: CommentsConfig{Enabled: true, ReportDeny: true},
	}
}

// Load reads the file at path over the defaults. A missing file is not
// an error when allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.decode(data, filepath.Ext(path)); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".toml", ".yaml",
// ".yml") over the defaults.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data, ext); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte, ext string) error {
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(c)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen must not be empty")
	case len(c.Trigger.Phrases) == 0:
		return errors.New("trigger.phrases must name at least one phrase")
	case strings.TrimSpace(c.Worker.Command) == "":
		return errors.New("worker.command must not be empty")
	case c.Worker.Grace.Duration <= 0:
		return errors.New("worker.grace must be positive")
	case c.Timeouts.Minimal.Duration <= 0 || c.Timeouts.Standard.Duration <= 0 || c.Timeouts.Comprehensive.Duration <= 0:
		return errors.New("timeouts must be positive")
	case c.BranchPrefix == "" || strings.ContainsAny(c.BranchPrefix, " ~^:?*[\\"):
		return fmt.Errorf("branch_prefix %q is not a valid ref component", c.BranchPrefix)
	case c.GitHub.TokenEnv == "":
		return errors.New("github.token_env must not be empty")
	case c.GitHub.WebhookSecretEnv == "":
		return errors.New("github.webhook_secret_env must not be empty")
	}
	return nil
}

// TimeoutFor returns the worker timeout for tier.
func (c *Config) TimeoutFor(tier protocol.Tier) time.Duration {
	switch tier {
	case protocol.TierMinimal:
		return c.Timeouts.Minimal.Duration
	case protocol.TierStandard:
		return c.Timeouts.Standard.Duration
	default:
		return c.Timeouts.Comprehensive.Duration
	}
}

// ApplyEnv applies CODEHOOK_LISTEN and CODEHOOK_REGISTRY overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CODEHOOK_LISTEN"); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup("CODEHOOK_REGISTRY"); ok && v != "" {
		c.RegistryPath = v
	}
}
