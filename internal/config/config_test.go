package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/decision"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromOverseerHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "overseer")
	writeConfig(t, home, `
bind_addr: 0.0.0.0:9000
decision:
  mode: hybrid
  stuck_threshold: 90s
  poll_interval: 500ms
supervisor:
  max_concurrent_workers: 2
tools:
  ssh:
    hosts:
      web-1:
        addr: 10.0.0.5:22
        user: ops
`)
	t.Setenv("OVERSEER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.NeedsGenesis {
		t.Fatalf("home = %q, genesis = %v", cfg.HomeDir, cfg.NeedsGenesis)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.Supervisor.MaxConcurrentWorkers != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Decision.StuckThreshold != 90*time.Second || cfg.Decision.PollInterval != 500*time.Millisecond {
		t.Fatalf("decision = %+v", cfg.Decision)
	}
	if cfg.Tools.SSH.Hosts["web-1"].User != "ops" {
		t.Fatalf("ssh hosts = %+v", cfg.Tools.SSH.Hosts)
	}

	eng, err := cfg.Decision.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if eng.Mode != decision.ModeHybrid || eng.StuckThreshold != 90*time.Second || eng.Budget.MaxCalls != 5 {
		t.Fatalf("engine config = %+v", eng)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" || cfg.LogLevel != "info" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Decision.Mode != "rules" || cfg.Decision.NoProgressPolls != 10 || cfg.Decision.CallTimeout != 1500*time.Millisecond {
		t.Fatalf("decision = %+v", cfg.Decision)
	}
	if cfg.Supervisor.MaxTurns != 8 || cfg.Worker.MaxSteps != 12 {
		t.Fatalf("supervisor = %+v worker = %+v", cfg.Supervisor, cfg.Worker)
	}
	if cfg.Maintenance.SummaryBackfill == "" || cfg.Maintenance.RetentionEventDays != 30 {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:1\ndecision:\n  mode: rules\n")
	t.Setenv("OVERSEER_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("OVERSEER_DECISION_MODE", "Model")
	t.Setenv("OVERSEER_LLM_PROVIDER", "Gemini")
	t.Setenv("OVERSEER_MAX_CONCURRENT_WORKERS", "7")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "127.0.0.1:2" || cfg.Decision.Mode != "model" || cfg.LLM.Provider != "google" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Supervisor.MaxConcurrentWorkers != 7 {
		t.Fatalf("max workers = %d", cfg.Supervisor.MaxConcurrentWorkers)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad mode", "decision:\n  mode: vibes\n", "unknown decision mode"},
		{"bad pattern", "decision:\n  closing_patterns: ['(']\n", "closing pattern"},
		{"negative ceiling", "decision:\n  hard_ceiling: -1s\n", "decision.hard_ceiling"},
		{"ssh without addr", "tools:\n  ssh:\n    hosts:\n      db: {user: ops}\n", "tools.ssh.hosts.db"},
		{"auth without keys", "auth:\n  enabled: true\n", "at least one key"},
		{"duplicate keys", "auth:\n  keys:\n    - {key: k1, owner_id: a}\n    - {key: k1, owner_id: b}\n", "duplicate key"},
		{"malformed yaml", "decision: [", "parse config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic": {APIKey: "yaml-key"},
		"custom":    {APIKey: "custom-key"},
	}}

	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.ProviderAPIKey("anthropic"); got != "yaml-key" {
		t.Fatalf("yaml key = %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := cfg.ProviderAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("env key = %q", got)
	}
	if got := cfg.ProviderAPIKey("custom"); got != "custom-key" {
		t.Fatalf("custom key = %q", got)
	}
	if got := cfg.ProviderAPIKey("missing"); got != "" {
		t.Fatalf("missing key = %q", got)
	}
}

func TestComponentModel(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Model: "base", DecisionModel: "fast"}}
	tests := []struct {
		component, want string
	}{
		{"worker", "base"},
		{"supervisor", "base"},
		{"decision", "fast"},
		{"summary", "base"},
	}
	for _, tt := range tests {
		if got := cfg.ComponentModel(tt.component); got != tt.want {
			t.Errorf("%s model = %q, want %q", tt.component, got, tt.want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := config.Config{BindAddr: "x", Decision: config.DecisionConfig{Mode: "rules"}}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.Decision.Mode = "hybrid"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores decision mode")
	}
	b = a
	b.Providers = map[string]config.ProviderConfig{"anthropic": {APIKey: "secret"}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint depends on secrets")
	}
}

func TestIdentityPath(t *testing.T) {
	cfg := config.Config{HomeDir: "/srv/overseer", Credentials: config.CredentialsConfig{IdentityFile: "identity.age"}}
	if got := cfg.IdentityPath(); got != filepath.Join("/srv/overseer", "identity.age") {
		t.Fatalf("relative = %q", got)
	}
	cfg.Credentials.IdentityFile = "/etc/overseer/id.age"
	if got := cfg.IdentityPath(); got != "/etc/overseer/id.age" {
		t.Fatalf("absolute = %q", got)
	}
}
