// Command overseer runs the supervisor daemon and talks to it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/overseer/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

type globalFlags struct {
	home     string
	logLevel string
	owner    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "overseer",
		Short: "Supervise fleets of ops workers",
		Long: "Overseer dispatches operational tasks to a supervisor that plans, spawns\n" +
			"background workers, watches their progress and decides when to stop waiting.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if g.home != "" {
				_ = os.Setenv("OVERSEER_HOME", g.home)
			}
		},
	}
	root.PersistentFlags().StringVar(&g.home, "home", "", "data directory (default $OVERSEER_HOME or ~/.overseer)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log_level from config.yaml")
	root.PersistentFlags().StringVar(&g.owner, "owner", "default", "owner id for local store commands")

	root.AddCommand(
		newServeCommand(g),
		newDispatchCommand(g),
		newWorkersCommand(g),
		newRunsCommand(g),
		newStatusCommand(g),
		newDoctorCommand(g),
		newCredentialsCommand(g),
		newBackupCommand(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return root
}

// loadConfig loads config.yaml and applies command-line overrides.
func loadConfig(g *globalFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

// startupError carries a stable reason code for a failed startup phase.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fatal(code string, err error) error { return &startupError{code: code, err: err} }

// logStartupFailure writes a structured fatal line, even before the
// logger exists.
func logStartupFailure(logger *slog.Logger, err error) {
	code := "E_STARTUP"
	if se, ok := err.(*startupError); ok {
		code = se.code
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", err.Error())
		return
	}
	fmt.Fprintf(os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano), code, err.Error())
}
