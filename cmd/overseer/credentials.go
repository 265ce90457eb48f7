package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/overseer/internal/audit"
	"github.com/basket/overseer/internal/credentials"
	"github.com/basket/overseer/internal/persistence"
)

// localStore opens the SQLite store and the audit log bound to it.
func localStore(g *globalFlags) (*persistence.Store, *audit.Log, func(), error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := persistence.Open(storePath(cfg.HomeDir))
	if err != nil {
		return nil, nil, nil, err
	}
	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	auditLog.SetDB(store.DB())
	return store, auditLog, func() {
		_ = auditLog.Close()
		_ = store.Close()
	}, nil
}

func newCredentialsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage encrypted connector credentials",
		Long: "Connector credentials are sealed with the daemon's age identity before\n" +
			"they are stored. Values are never printed.",
	}
	cmd.AddCommand(newCredentialsPutCommand(g), newCredentialsListCommand(g), newCredentialsDeleteCommand(g))
	return cmd
}

func newCredentialsPutCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <connector> key=value...",
		Short: "Store fields for a connector, replacing any existing set",
		Example: "  overseer credentials put ssh user=deploy private_key=@~/.ssh/id_ed25519\n" +
			"  overseer credentials put ssh password=-   # read the value from stdin",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			keyring, err := credentials.LoadOrCreateKeyring(cfg.IdentityPath())
			if err != nil {
				return err
			}
			sealed, err := credentials.Seal(fields, keyring.Recipient())
			if err != nil {
				return err
			}
			store, auditLog, closeFn, err := localStore(g)
			if err != nil {
				return err
			}
			defer closeFn()

			connector := args[0]
			err = store.PutCredential(cmd.Context(), g.owner, connector, sealed)
			outcome := "stored"
			if err != nil {
				outcome = "error"
			}
			auditLog.Record(cmd.Context(), audit.Entry{
				Action:  audit.ActionCredentialPut,
				OwnerID: g.owner,
				Subject: connector,
				Outcome: outcome,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d field(s) for %s (owner %s)\n", len(fields), connector, g.owner)
			return nil
		},
	}
}

func newCredentialsListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connectors with stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, closeFn, err := localStore(g)
			if err != nil {
				return err
			}
			defer closeFn()
			connectors, err := store.ListConnectors(cmd.Context(), g.owner)
			if err != nil {
				return err
			}
			for _, c := range connectors {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
}

func newCredentialsDeleteCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <connector>",
		Short: "Remove a connector's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, auditLog, closeFn, err := localStore(g)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := store.DeleteCredential(cmd.Context(), g.owner, args[0]); err != nil {
				return err
			}
			auditLog.Record(cmd.Context(), audit.Entry{
				Action:  audit.ActionCredentialPut,
				OwnerID: g.owner,
				Subject: args[0],
				Outcome: "deleted",
			})
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// parseFields reads key=value pairs. A value of "@path" is read from a
// file and "-" from stdin (once).
func parseFields(args []string, stdin io.Reader) (credentials.Fields, error) {
	fields := make(credentials.Fields, len(args))
	stdinUsed := false
	for i, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			// The argument may itself be a secret; never echo it.
			return nil, fmt.Errorf("field %d: want key=value", i+1)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("field %q given twice", key)
		}
		switch {
		case val == "-":
			if stdinUsed {
				return nil, errors.New("only one field can be read from stdin")
			}
			stdinUsed = true
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			val = strings.TrimRight(string(data), "\r\n")
		case strings.HasPrefix(val, "@"):
			data, err := os.ReadFile(expandHome(strings.TrimPrefix(val, "@")))
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			val = string(data)
		}
		if val == "" {
			return nil, fmt.Errorf("field %q is empty", key)
		}
		fields[key] = val
	}
	return fields, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return home + string(os.PathSeparator) + rest
		}
	}
	return path
}

func newBackupCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the run database",
		Long: "Copies runs, threads, the event log, audit rows and sealed credentials.\n" +
			"Worker records under <home>/workers are plain files and can be copied directly.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeFn, err := localStore(g)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := backup(cmd.Context(), store, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", args[0])
			return nil
		},
	}
}

func backup(ctx context.Context, store *persistence.Store, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s already exists", dest)
	}
	return store.Backup(ctx, dest)
}
