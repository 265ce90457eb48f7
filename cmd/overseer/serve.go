package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/audit"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/credentials"
	"github.com/basket/overseer/internal/cron"
	"github.com/basket/overseer/internal/decision"
	"github.com/basket/overseer/internal/gateway"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/persistence"
	"github.com/basket/overseer/internal/supervisor"
	"github.com/basket/overseer/internal/telemetry"
	"github.com/basket/overseer/internal/tools"
	"github.com/basket/overseer/internal/worker"
)

const (
	// plannerRepairs is how often an unparseable model reply is sent back.
	plannerRepairs = 2
	backfillBatch  = 20
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := serve(cmd.Context(), g, quiet)
			if err != nil {
				var se *startupError
				if errors.As(err, &se) {
					// Already logged with its reason code.
					cmd.SilenceErrors = true
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the home directory only")
	return cmd
}

// storePath is the SQLite database under the home directory. Worker
// records live beside it in <home>/workers.
func storePath(home string) string { return filepath.Join(home, "overseer.db") }

func serve(ctx context.Context, g *globalFlags, quiet bool) (err error) {
	var logger *slog.Logger
	defer func() {
		if err != nil {
			logStartupFailure(logger, err)
		}
	}()

	cfg, err := loadConfig(g)
	if err != nil {
		return fatal("E_CONFIG_LOAD", err)
	}
	loadDotEnv(filepath.Join(cfg.HomeDir, ".env"))
	if cfg.NeedsGenesis {
		if err := writeGenesisConfig(cfg); err != nil {
			return fatal("E_GENESIS_WRITE", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatal("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("wrote default config", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !isLoopbackBind(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
	}
	if !isLoopbackBind(cfg.BindAddr) && !cfg.Auth.Enabled {
		logger.Warn("auth is disabled on non-loopback bind; any client can act as any owner", "bind_addr", cfg.BindAddr)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatal("E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	otelProvider, err := otelpkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fatal("E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatal("E_OTEL_INIT", err)
	}

	store, err := persistence.Open(storePath(cfg.HomeDir))
	if err != nil {
		return fatal("E_STORE_OPEN", err)
	}
	defer store.Close()
	auditLog.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	artifacts, err := artifact.Open(cfg.HomeDir, artifact.WithLogger(logger))
	if err != nil {
		return fatal("E_ARTIFACT_OPEN", err)
	}
	report, err := artifacts.Recover(ctx)
	if err != nil {
		return fatal("E_RECOVERY_SCAN", err)
	}
	recovered, err := store.RecoverRuns(ctx, "interrupted by restart")
	if err != nil {
		return fatal("E_RUN_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"workers_finalized", len(report.Finalized),
		"workers_interrupted", len(report.Interrupted),
		"runs_interrupted", recovered,
	)

	eventBus := bus.New()
	seqs, err := store.LastEventSeqs(ctx)
	if err != nil {
		return fatal("E_RECOVERY_SCAN", err)
	}
	for runID, seq := range seqs {
		eventBus.Resume(runID, seq)
	}
	// Closed before the store so buffered events are flushed.
	recorder := persistence.NewRecorder(store, eventBus, logger)
	defer recorder.Close()

	keyring, err := credentials.LoadOrCreateKeyring(cfg.IdentityPath())
	if err != nil {
		return fatal("E_IDENTITY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "identity_loaded", "path", cfg.IdentityPath())

	registry, closeTools, err := buildTools(cfg, logger)
	if err != nil {
		return fatal("E_TOOLS_INIT", err)
	}
	defer closeTools()

	brain := buildBrains(ctx, cfg, logger)

	workers := worker.New(artifacts, registry, brain.reasoner, worker.Config{
		ExecutionCeiling: cfg.Worker.ExecutionCeiling,
		MaxSteps:         cfg.Worker.MaxSteps,
		SummaryTimeout:   cfg.Worker.SummaryTimeout,
		DefaultModel:     brain.workerModel,
	},
		worker.WithSummarizer(brain.summarizer),
		worker.WithBus(eventBus),
		worker.WithCredentials(func(ownerID string) *credentials.Resolver {
			return credentials.NewResolver(ownerID, store, keyring, func(owner, connector string) {
				auditLog.Record(context.WithoutCancel(ctx), audit.Entry{
					Action:  audit.ActionCredentialAccess,
					OwnerID: owner,
					Subject: connector,
					Outcome: "allowed",
				})
			})
		}),
		worker.WithAudit(auditLog),
		worker.WithMetrics(metrics),
		worker.WithTracer(otelProvider.Tracer),
		worker.WithLogger(logger),
	)

	engineCfg, err := cfg.Decision.Engine()
	if err != nil {
		return fatal("E_DECISION_CONFIG", err)
	}
	supOpts := []supervisor.Option{
		supervisor.WithBus(eventBus),
		supervisor.WithAudit(auditLog),
		supervisor.WithMetrics(metrics),
		supervisor.WithTracer(otelProvider.Tracer),
		supervisor.WithLogger(logger),
	}
	if brain.judge != nil {
		supOpts = append(supOpts, supervisor.WithJudge(brain.judge))
	}
	sup := supervisor.New(store, artifacts, workers, brain.planner, supervisor.Config{
		MaxConcurrentWorkers: cfg.Supervisor.MaxConcurrentWorkers,
		MaxTurns:             cfg.Supervisor.MaxTurns,
		PollInterval:         cfg.Decision.PollInterval,
		HistoryMessages:      cfg.Supervisor.HistoryMessages,
		HistoryTokens:        cfg.Supervisor.HistoryTokens,
		Decision:             engineCfg,
	}, supOpts...)
	logger.Info("startup phase", "phase", "supervisor_ready",
		"llm_enabled", brain.enabled,
		"decision_mode", cfg.Decision.Mode,
		"tools", registry.Names(),
	)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fatal("E_CONFIG_WATCHER_START", err)
	}
	go watcher.Follow(func(next config.Config) {
		engineCfg, err := next.Decision.Engine()
		if err != nil {
			logger.Warn("decision config rejected", "error", err)
			return
		}
		sup.UpdateDecision(engineCfg, next.Decision.PollInterval)
	})

	scheduler := cron.NewScheduler(cron.Config{Logger: logger})
	jobs := []struct {
		expr string
		job  cron.Job
	}{
		{cfg.Maintenance.SummaryBackfill, &worker.Backfill{
			Store:      artifacts,
			Summarizer: brain.summarizer,
			Timeout:    cfg.Worker.SummaryTimeout,
			Batch:      backfillBatch,
			Logger:     logger,
		}},
		{cfg.Maintenance.PendingSweep, &worker.PendingSweep{Store: artifacts, Logger: logger}},
		{cfg.Maintenance.Retention, retentionJob(store, cfg.Maintenance, logger)},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if err := scheduler.Add(j.expr, j.job); err != nil {
			return fatal("E_SCHEDULER_INIT", fmt.Errorf("%s: %w", j.job.Name(), err))
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	gw := gateway.New(gateway.Config{
		Dispatcher:        sup,
		Runs:              store,
		Artifacts:         artifacts,
		Workers:           workers,
		Bus:               eventBus,
		Auth:              cfg.Auth,
		RateLimit:         cfg.RateLimit,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Logger:            logger,
	})
	gw.Limiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return fatal("E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first, then let runs and workers finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if !sup.Drain(cfg.DrainTimeout) {
		logger.Warn("runs still active after drain timeout", "timeout", cfg.DrainTimeout)
	}
	if !workers.Drain(cfg.DrainTimeout) {
		logger.Warn("workers still active after drain timeout", "timeout", cfg.DrainTimeout)
	}
	logger.Info("shutdown complete")
	if runErr != nil {
		return fmt.Errorf("gateway: %w", runErr)
	}
	return nil
}

// brains holds the model-backed components, or their deterministic
// fallbacks when no provider is configured.
type brains struct {
	enabled     bool
	reasoner    worker.Reasoner
	summarizer  worker.Summarizer
	planner     supervisor.Planner
	judge       decision.Judge
	workerModel string
}

func buildBrains(ctx context.Context, cfg config.Config, logger *slog.Logger) brains {
	provider := cfg.LLM.Provider
	apiKey := cfg.ProviderAPIKey(provider)
	if apiKey == "" {
		apiKey = model.EnvAPIKey(provider)
	}
	baseURL := cfg.LLM.BaseURL
	if baseURL == "" {
		baseURL = cfg.Providers[provider].BaseURL
	}
	client := model.New(ctx, model.Config{
		Provider:       provider,
		APIKey:         apiKey,
		BaseURL:        baseURL,
		CompatProvider: cfg.LLM.CompatProvider,
	}, logger)

	if !client.Enabled() {
		logger.Warn("no LLM provider configured; workers run \"$ \" command lines and the supervisor answers directly",
			"provider", provider)
		return brains{
			reasoner: worker.CommandReasoner{Tool: "shell_exec"},
			planner:  supervisor.DirectPlanner{},
		}
	}

	b := brains{
		enabled: true,
		reasoner: &worker.ModelReasoner{
			Gen:     client,
			Model:   cfg.ComponentModel("worker"),
			Repairs: plannerRepairs,
		},
		summarizer: &worker.ModelSummarizer{Gen: client, Model: cfg.ComponentModel("summary")},
		planner: &supervisor.ModelPlanner{
			Gen:     client,
			Model:   cfg.ComponentModel("supervisor"),
			Repairs: plannerRepairs,
		},
		workerModel: client.ModelName(cfg.ComponentModel("worker")),
	}
	if cfg.Decision.Mode != string(decision.ModeRules) {
		b.judge = model.Bound{Gen: client, Model: cfg.ComponentModel("decision")}
	}
	return b
}

// buildTools registers the shell tool, sandboxed when configured, and the
// SSH tool when hosts are defined.
func buildTools(cfg config.Config, logger *slog.Logger) (*tools.Registry, func(), error) {
	shell := &tools.ShellTool{Executor: tools.HostExecutor{}, Timeout: cfg.Worker.ToolTimeout}
	closeFn := func() {}
	if cfg.Tools.Shell.Sandbox {
		docker, err := tools.NewDockerExecutor(tools.DockerConfig{
			Image:       cfg.Tools.Shell.SandboxImage,
			MemoryMB:    cfg.Tools.Shell.SandboxMemory,
			NetworkMode: cfg.Tools.Shell.SandboxNetwork,
			Workspace:   cfg.Tools.Shell.Workspace,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("docker sandbox: %w", err)
		}
		shell.Executor = docker
		closeFn = func() { _ = docker.Close() }
		logger.Info("shell sandbox enabled", "image", cfg.Tools.Shell.SandboxImage)
	}
	registry := tools.NewRegistry(shell)
	if len(cfg.Tools.SSH.Hosts) > 0 {
		registry.Register(&tools.SSHTool{Hosts: cfg.Tools.SSH.Hosts, Timeout: cfg.Worker.ToolTimeout})
	}
	return registry, closeFn, nil
}

func retentionJob(store *persistence.Store, m config.MaintenanceConfig, logger *slog.Logger) cron.Job {
	return cron.JobFunc{
		JobName: "retention",
		Fn: func(ctx context.Context) error {
			result, err := store.RunRetention(ctx, m.RetentionEventDays, m.RetentionAuditDays)
			if err != nil {
				return err
			}
			if result.PurgedEvents+result.PurgedAuditLogs > 0 {
				logger.Info("retention job completed",
					"purged_events", result.PurgedEvents,
					"purged_audit_logs", result.PurgedAuditLogs,
				)
			}
			return nil
		},
	}
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeGenesisConfig persists the defaults so operators have a file to
// edit. Secrets are never part of the defaults.
func writeGenesisConfig(cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := config.ConfigPath(cfg.HomeDir)
	header := []byte("# overseer configuration. Provider keys belong in the environment or .env.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
