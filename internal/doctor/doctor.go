// Package doctor runs local diagnostics for an overseer installation.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Check is one diagnostic.
type Check func(context.Context, *config.Config) CheckResult

// DefaultChecks is the full diagnostic set, in report order.
var DefaultChecks = []Check{
	CheckConfig,
	CheckProvider,
	CheckDatabase,
	CheckArtifacts,
	CheckIdentity,
	CheckPermissions,
	CheckSandbox,
	CheckSSHHosts,
	CheckNetwork,
}

// Run executes checks, or DefaultChecks when none are given. cfg may be
// nil when loading failed; checks that need it are skipped.
func Run(ctx context.Context, cfg *config.Config, version string, checks ...Check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	if len(checks) == 0 {
		checks = DefaultChecks
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func CheckConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "No config.yaml; defaults in effect",
			Detail:  "overseer serve writes one on first start",
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: "Loaded " + config.ConfigPath(cfg.HomeDir)}
}

func CheckProvider(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "LLM Provider", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	switch provider {
	case "anthropic", "openai", "openai_compatible", "google":
	default:
		return CheckResult{
			Name:    "LLM Provider",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Unsupported provider %q; model-backed components disabled", provider),
		}
	}
	key := cfg.ProviderAPIKey(provider)
	if key == "" {
		key = model.EnvAPIKey(provider)
	}
	if key == "" {
		return CheckResult{
			Name:    "LLM Provider",
			Status:  StatusWarn,
			Message: fmt.Sprintf("No API key for %s; workers only run \"$ \" command lines", provider),
			Detail:  "set the provider's API key in the environment, .env or providers." + provider + ".api_key",
		}
	}
	return CheckResult{
		Name:    "LLM Provider",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s configured (worker model %s)", provider, model.QualifiedName(provider, cfg.ComponentModel("worker"))),
	}
}

func CheckDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "overseer.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	seqs, err := store.LastEventSeqs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid, %d run(s) with events", len(seqs)),
	}
}

func CheckArtifacts(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Worker Records", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := artifact.Open(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Worker Records", Status: StatusFail, Message: err.Error()}
	}
	pending, err := store.Pending(ctx, "")
	if err != nil {
		return CheckResult{Name: "Worker Records", Status: StatusFail, Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	if len(pending) > 0 {
		ids := make([]string, 0, len(pending))
		for _, s := range pending {
			ids = append(ids, s.WorkerID)
		}
		return CheckResult{
			Name:    "Worker Records",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d record(s) with a saved result but no terminal status", len(pending)),
			Detail:  "finalized on next start: " + strings.Join(ids, ", "),
		}
	}
	return CheckResult{Name: "Worker Records", Status: StatusPass, Message: "No records pending completion"}
}

func CheckIdentity(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Identity", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.IdentityPath()
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Identity", Status: StatusWarn, Message: "No age identity yet; created on first use", Detail: path}
	}
	if err != nil {
		return CheckResult{Name: "Identity", Status: StatusFail, Message: err.Error()}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Identity",
			Status:  StatusFail,
			Message: fmt.Sprintf("Identity file is readable by others (%s)", info.Mode().Perm()),
			Detail:  "chmod 600 " + path,
		}
	}
	return CheckResult{Name: "Identity", Status: StatusPass, Message: "Identity file present with owner-only permissions"}
}

func CheckPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// CheckSandbox pings the Docker daemon when the shell sandbox is on.
func CheckSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Tools.Shell.Sandbox {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Shell sandbox disabled; commands run on the host"}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("Docker client: %v", err)}
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ping, err := cli.Ping(pingCtx)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("Docker daemon unreachable: %v", err)}
	}
	return CheckResult{
		Name:    "Sandbox",
		Status:  StatusPass,
		Message: fmt.Sprintf("Docker API %s reachable", ping.APIVersion),
		Detail:  "image=" + cfg.Tools.Shell.SandboxImage,
	}
}

// CheckSSHHosts flags hosts that skip host key verification.
func CheckSSHHosts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Tools.SSH.Hosts) == 0 {
		return CheckResult{Name: "SSH Hosts", Status: StatusSkip, Message: "No SSH hosts configured"}
	}
	var insecure, unpinned []string
	for name, h := range cfg.Tools.SSH.Hosts {
		switch {
		case h.Insecure:
			insecure = append(insecure, name)
		case h.HostKey == "":
			unpinned = append(unpinned, name)
		}
	}
	sort.Strings(insecure)
	sort.Strings(unpinned)
	switch {
	case len(unpinned) > 0:
		return CheckResult{
			Name:    "SSH Hosts",
			Status:  StatusFail,
			Message: "Hosts without host_key are refused",
			Detail:  strings.Join(unpinned, ", "),
		}
	case len(insecure) > 0:
		return CheckResult{
			Name:    "SSH Hosts",
			Status:  StatusWarn,
			Message: "Host key verification disabled",
			Detail:  strings.Join(insecure, ", "),
		}
	}
	return CheckResult{Name: "SSH Hosts", Status: StatusPass, Message: fmt.Sprintf("%d host(s) with pinned keys", len(cfg.Tools.SSH.Hosts))}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func CheckNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	host, ok := providerHosts[provider]
	if base := cfg.LLM.BaseURL; base != "" {
		host, ok = hostOf(base), true
	}
	if !ok || host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for %s", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
