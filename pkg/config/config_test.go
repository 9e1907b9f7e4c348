package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codehook/pkg/protocol"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Trigger.Phrases[0] != "@claude" {
		t.Errorf("phrases = %v", cfg.Trigger.Phrases)
	}
}

func TestParse_Formats(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{
			name: "toml",
			ext:  ".toml",
			data: `
listen = "127.0.0.1:9000"
branch_prefix = "bot"

[trigger]
phrases = ["@helper", "/run"]

[worker]
command = "worker-bin"
grace = "750ms"

[timeouts]
standard = "15m"
`,
		},
		{
			name: "yaml",
			ext:  ".yaml",
			data: `
listen: 127.0.0.1:9000
branch_prefix: bot
trigger:
  phrases: ["@helper", "/run"]
worker:
  command: worker-bin
  grace: 750ms
timeouts:
  standard: 15m
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.data), tt.ext)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cfg.Listen != "127.0.0.1:9000" || cfg.BranchPrefix != "bot" {
				t.Errorf("top-level fields = %q %q", cfg.Listen, cfg.BranchPrefix)
			}
			if len(cfg.Trigger.Phrases) != 2 || cfg.Trigger.Phrases[1] != "/run" {
				t.Errorf("phrases = %v", cfg.Trigger.Phrases)
			}
			if cfg.Worker.Command != "worker-bin" || cfg.Worker.Grace.Duration != 750*time.Millisecond {
				t.Errorf("worker = %+v", cfg.Worker)
			}
			// Unset fields keep defaults.
			if len(cfg.Worker.Args) == 0 || cfg.Trigger.DefaultInstruction != protocol.DefaultInstruction {
				t.Errorf("defaults lost: %+v", cfg)
			}
			if got := cfg.TimeoutFor(protocol.TierStandard); got != 15*time.Minute {
				t.Errorf("standard timeout = %v", got)
			}
			if got := cfg.TimeoutFor(protocol.TierMinimal); got != 10*time.Minute {
				t.Errorf("minimal timeout = %v", got)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
		want string
	}{
		{"unknown format", ".json", `{}`, "unsupported config format"},
		{"unknown toml key", ".toml", "bogus = 1\n", "strict mode"},
		{"unknown yaml key", ".yml", "bogus: 1\n", "bogus"},
		{"bad duration", ".toml", "[worker]\ngrace = \"soon\"\n", "invalid duration"},
		{"empty phrases", ".yaml", "trigger:\n  phrases: []\n", "trigger.phrases"},
		{"negative timeout", ".toml", "[timeouts]\nminimal = \"-1m\"\n", "timeouts"},
		{"bad prefix", ".toml", "branch_prefix = \"a b\"\n", "branch_prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParse_EmptyYAML(t *testing.T) {
	cfg, err := Parse(nil, ".yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != Default().Listen {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "absent.toml"), false); err == nil {
		t.Error("missing file should fail without allowMissing")
	}
	cfg, err := Load(filepath.Join(dir, "absent.toml"), true)
	if err != nil || cfg.Listen != ":8080" {
		t.Fatalf("allowMissing: cfg=%v err=%v", cfg, err)
	}

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("repo_root = \"/src/app\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RepoRoot != "/src/app" {
		t.Errorf("RepoRoot = %q", cfg.RepoRoot)
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("listen = \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad, false); err == nil || !strings.Contains(err.Error(), bad) {
		t.Errorf("err = %v, want path in message", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{"CODEHOOK_LISTEN": ":7000", "CODEHOOK_REGISTRY": "/etc/reg.yaml"}
	cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if cfg.Listen != ":7000" || cfg.RegistryPath != "/etc/reg.yaml" {
		t.Errorf("cfg = %+v", cfg)
	}

	cfg = Default()
	cfg.ApplyEnv(func(string) (string, bool) { return "", true })
	if cfg.Listen != ":8080" {
		t.Errorf("empty override applied: %q", cfg.Listen)
	}
}

func TestDuration_MarshalText(t *testing.T) {
	b, err := Duration{90 * time.Second}.MarshalText()
	if err != nil || string(b) != "1m30s" {
		t.Fatalf("got %q, %v", b, err)
	}
}
