// Package config loads overseer's config.yaml from OVERSEER_HOME:
// defaults, then the file, then environment overrides, then
// normalization and validation.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/overseer/internal/decision"
	"github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/tools"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the provider and the model used by each component.
// Empty component models fall back to Model.
type LLMConfig struct {
	// Provider is one of "anthropic", "openai", "openai_compatible", "google".
	Provider       string `yaml:"provider"`
	CompatProvider string `yaml:"openai_compatible_provider"`
	BaseURL        string `yaml:"base_url"`

	Model           string `yaml:"model"`
	WorkerModel     string `yaml:"worker_model"`
	SupervisorModel string `yaml:"supervisor_model"`
	DecisionModel   string `yaml:"decision_model"`
	SummaryModel    string `yaml:"summary_model"`
}

type WorkerConfig struct {
	ExecutionCeiling time.Duration `yaml:"execution_ceiling"`
	MaxSteps         int           `yaml:"max_steps"`
	SummaryTimeout   time.Duration `yaml:"summary_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
}

// DecisionConfig is the live-reloadable decision section.
type DecisionConfig struct {
	Mode            string        `yaml:"mode"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StuckThreshold  time.Duration `yaml:"stuck_threshold"`
	NoProgressPolls int           `yaml:"no_progress_polls"`
	MaxCalls        int           `yaml:"max_calls"`
	MinInterval     time.Duration `yaml:"min_interval"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ProlongedAfter  time.Duration `yaml:"prolonged_after"`
	HardCeiling     time.Duration `yaml:"hard_ceiling"`
	ClosingPatterns []string      `yaml:"closing_patterns"`
}

// Engine converts the section into engine settings.
func (d DecisionConfig) Engine() (decision.Config, error) {
	mode, err := decision.ParseMode(d.Mode)
	if err != nil {
		return decision.Config{}, err
	}
	return decision.Config{
		Mode:            mode,
		StuckThreshold:  d.StuckThreshold,
		NoProgressPolls: d.NoProgressPolls,
		ClosingPatterns: d.ClosingPatterns,
		Budget: decision.Budget{
			MaxCalls:    d.MaxCalls,
			MinInterval: d.MinInterval,
			CallTimeout: d.CallTimeout,
		},
		ProlongedAfter: d.ProlongedAfter,
		HardCeiling:    d.HardCeiling,
	}, nil
}

type SupervisorConfig struct {
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`
	MaxTurns             int `yaml:"max_turns"`
	HistoryMessages      int `yaml:"history_messages"`
	HistoryTokens        int `yaml:"history_tokens"`
}

type ShellConfig struct {
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
	Workspace      string `yaml:"workspace"`
}

type SSHConfig struct {
	Hosts map[string]tools.SSHHost `yaml:"hosts"`
}

type ToolsConfig struct {
	Shell ShellConfig `yaml:"shell"`
	SSH   SSHConfig   `yaml:"ssh"`
}

type CredentialsConfig struct {
	// IdentityFile holds the age identity that seals connector
	// credentials. Relative paths are resolved against the home dir.
	IdentityFile string `yaml:"identity_file"`
}

// APIKeyEntry maps a bearer key to the owner it authenticates.
type APIKeyEntry struct {
	Name    string `yaml:"name"`
	Key     string `yaml:"key"`
	OwnerID string `yaml:"owner_id"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RateLimitConfig bounds dispatches per owner.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// MaintenanceConfig schedules background jobs. Empty schedules disable
// the job.
type MaintenanceConfig struct {
	SummaryBackfill    string `yaml:"summary_backfill"`
	PendingSweep       string `yaml:"pending_sweep"`
	Retention          string `yaml:"retention"`
	RetentionEventDays int    `yaml:"retention_event_days"`
	RetentionAuditDays int    `yaml:"retention_audit_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string        `yaml:"bind_addr"`
	LogLevel     string        `yaml:"log_level"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	AllowOrigins []string      `yaml:"allow_origins"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Worker      WorkerConfig      `yaml:"worker"`
	Decision    DecisionConfig    `yaml:"decision"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Tools       ToolsConfig       `yaml:"tools"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Telemetry   otel.Config       `yaml:"telemetry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// NeedsGenesis is set when no config.yaml existed.
	NeedsGenesis bool `yaml:"-"`
}

var providerEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ProviderAPIKey returns the API key for provider, env first.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ComponentModel returns the model configured for a component: "worker",
// "supervisor", "decision" or "summary".
func (c Config) ComponentModel(component string) string {
	var m string
	switch component {
	case "worker":
		m = c.LLM.WorkerModel
	case "supervisor":
		m = c.LLM.SupervisorModel
	case "decision":
		m = c.LLM.DecisionModel
	case "summary":
		m = c.LLM.SummaryModel
	}
	if m == "" {
		m = c.LLM.Model
	}
	return m
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// IdentityPath returns the absolute path of the credential identity.
func (c Config) IdentityPath() string {
	if filepath.IsAbs(c.Credentials.IdentityFile) {
		return c.Credentials.IdentityFile
	}
	return filepath.Join(c.HomeDir, c.Credentials.IdentityFile)
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. Secrets are not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|decision=%+v|supervisor=%+v|worker=%+v|sandbox=%t|auth=%t",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.Decision, c.Supervisor, c.Worker, c.Tools.Shell.Sandbox, c.Auth.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1:18790",
		LogLevel:     "info",
		DrainTimeout: 10 * time.Second,
		LLM:          LLMConfig{Provider: "anthropic"},
		Worker: WorkerConfig{
			ExecutionCeiling: 10 * time.Minute,
			MaxSteps:         12,
			SummaryTimeout:   5 * time.Second,
			ToolTimeout:      30 * time.Second,
		},
		Decision: DecisionConfig{
			Mode:            string(decision.ModeRules),
			PollInterval:    2 * time.Second,
			StuckThreshold:  60 * time.Second,
			NoProgressPolls: 10,
			MaxCalls:        5,
			MinInterval:     5 * time.Second,
			CallTimeout:     1500 * time.Millisecond,
			ProlongedAfter:  10 * time.Second,
			HardCeiling:     10 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			MaxConcurrentWorkers: 4,
			MaxTurns:             8,
			HistoryMessages:      20,
			HistoryTokens:        8000,
		},
		Tools: ToolsConfig{
			Shell: ShellConfig{SandboxImage: "alpine:3.20", SandboxMemory: 256, SandboxNetwork: "none"},
		},
		Credentials: CredentialsConfig{IdentityFile: "identity.age"},
		Telemetry:   otel.Config{Exporter: "none", ServiceName: "overseer", SampleRate: 1},
		Maintenance: MaintenanceConfig{
			SummaryBackfill:    "@every 5m",
			PendingSweep:       "@every 15m",
			Retention:          "@daily",
			RetentionEventDays: 30,
			RetentionAuditDays: 365,
		},
	}
}

// HomeDir returns OVERSEER_HOME or ~/.overseer.
func HomeDir() string {
	if override := os.Getenv("OVERSEER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".overseer")
}

// Load reads the configuration from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the configuration from homeDir, creating the directory
// if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create overseer home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.NeedsGenesis = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OVERSEER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OVERSEER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OVERSEER_DECISION_MODE"); raw != "" {
		cfg.Decision.Mode = raw
	}
	if raw := os.Getenv("OVERSEER_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("OVERSEER_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("OVERSEER_MAX_CONCURRENT_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Supervisor.MaxConcurrentWorkers = v
		}
	}
	if raw := os.Getenv("OVERSEER_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
}

func normalize(cfg *Config) {
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	cfg.Decision.Mode = strings.ToLower(strings.TrimSpace(cfg.Decision.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Decision.PollInterval <= 0 {
		cfg.Decision.PollInterval = 2 * time.Second
	}
	if cfg.Supervisor.MaxConcurrentWorkers <= 0 {
		cfg.Supervisor.MaxConcurrentWorkers = 4
	}
	if cfg.Supervisor.MaxTurns <= 0 {
		cfg.Supervisor.MaxTurns = 8
	}
	if cfg.Credentials.IdentityFile == "" {
		cfg.Credentials.IdentityFile = "identity.age"
	}
}

func validate(cfg Config) error {
	var errs []error
	if _, err := cfg.Decision.Engine(); err != nil {
		errs = append(errs, fmt.Errorf("decision: %w", err))
	} else if _, err := decision.NewRules(0, 0, cfg.Decision.ClosingPatterns); err != nil {
		errs = append(errs, fmt.Errorf("decision: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"decision.stuck_threshold": cfg.Decision.StuckThreshold,
		"decision.min_interval":    cfg.Decision.MinInterval,
		"decision.call_timeout":    cfg.Decision.CallTimeout,
		"decision.prolonged_after": cfg.Decision.ProlongedAfter,
		"decision.hard_ceiling":    cfg.Decision.HardCeiling,
		"worker.execution_ceiling": cfg.Worker.ExecutionCeiling,
		"worker.summary_timeout":   cfg.Worker.SummaryTimeout,
		"worker.tool_timeout":      cfg.Worker.ToolTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if cfg.Decision.NoProgressPolls < 0 || cfg.Decision.MaxCalls < 0 {
		errs = append(errs, errors.New("decision counters must not be negative"))
	}
	for alias, h := range cfg.Tools.SSH.Hosts {
		if h.Addr == "" {
			errs = append(errs, fmt.Errorf("tools.ssh.hosts.%s: addr is required", alias))
		}
	}
	seen := make(map[string]bool)
	for i, k := range cfg.Auth.Keys {
		if k.Key == "" || k.OwnerID == "" {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: key and owner_id are required", i))
			continue
		}
		if seen[k.Key] {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: duplicate key", i))
		}
		seen[k.Key] = true
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		errs = append(errs, errors.New("auth.enabled requires at least one key"))
	}
	return errors.Join(errs...)
}
