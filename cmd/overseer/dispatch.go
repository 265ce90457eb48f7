package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/persistence"
	"github.com/basket/overseer/internal/supervisor"
)

func addClientFlags(cmd *cobra.Command, f *clientFlags) {
	cmd.Flags().StringVar(&f.server, "server", "", "daemon address (default bind_addr from config.yaml)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (default $OVERSEER_API_KEY)")
}

func newDispatchCommand(g *globalFlags) *cobra.Command {
	var (
		cf       clientFlags
		threadID string
		detach   bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch <task>",
		Short: "Send a task to the supervisor and follow its run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(g, cf)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			task := strings.Join(args, " ")

			var res supervisor.DispatchResult
			body := map[string]string{"task": task}
			if threadID != "" {
				body["thread_id"] = threadID
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/dispatch", body, &res); err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			if detach {
				if asJSON {
					return p.json(res)
				}
				fmt.Fprintf(p.w, "run %s accepted (thread %s)\nstream: %s\n", res.RunID, res.ThreadID, res.StreamURL)
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s  thread %s\n", res.RunID, res.ThreadID)
			return followRun(cmd.Context(), client, p, res.StreamURL, 0, asJSON)
		},
	}
	addClientFlags(cmd, &cf)
	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the run is accepted")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON events")
	return cmd
}

var errRunFailed = errors.New("run failed")

// followRun prints a run's events and then its final answer. It returns
// errRunFailed when the run ends unsuccessfully.
func followRun(ctx context.Context, client *apiClient, p *printer, streamURL string, after uint64, asJSON bool) error {
	var final *bus.Event
	err := client.follow(ctx, streamURL, after, func(ev bus.Event) error {
		if asJSON {
			if err := p.json(ev); err != nil {
				return err
			}
		} else {
			p.event(ev)
		}
		if bus.IsTerminal(ev.Type) {
			final = &ev
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if final == nil || asJSON {
		return nil
	}
	return printOutcome(p.w, final.Payload)
}

func printOutcome(w io.Writer, payload map[string]any) error {
	status, _ := payload["status"].(string)
	if result, _ := payload["result"].(string); result != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimRight(result, "\n"))
	}
	if msg, _ := payload["error"].(string); msg != "" {
		fmt.Fprintf(w, "\nerror: %s\n", msg)
	}
	if status != string(persistence.RunSuccess) {
		return errRunFailed
	}
	return nil
}

func newRunsCommand(g *globalFlags) *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect supervisor runs on a running daemon",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(g, cf)
			if err != nil {
				return err
			}
			var resp struct {
				Runs []persistence.Run `json:"runs"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, fmt.Sprintf("/api/v1/runs?limit=%d", limit), nil, &resp); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			rows := make([][]string, 0, len(resp.Runs))
			for _, r := range resp.Runs {
				created := r.CreatedAt
				rows = append(rows, []string{r.RunID, p.status(string(r.Status)), formatTime(&created), oneLine(r.Task, 60)})
			}
			p.table([]string{"RUN", "STATUS", "CREATED", "TASK"}, rows)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")

	var after uint64
	var asJSON bool
	follow := &cobra.Command{
		Use:   "follow <run_id>",
		Short: "Replay and follow a run's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(g, cf)
			if err != nil {
				return err
			}
			return followRun(cmd.Context(), client, newPrinter(cmd.OutOrStdout()), supervisor.StreamURL(args[0]), after, asJSON)
		},
	}
	follow.Flags().Uint64Var(&after, "after-seq", 0, "resume after this sequence number")
	follow.Flags().BoolVar(&asJSON, "json", false, "print raw JSON events")

	for _, c := range []*cobra.Command{list, follow} {
		addClientFlags(c, &cf)
		cmd.AddCommand(c)
	}
	return cmd
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check that the daemon is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(g, cf)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			var health map[string]any
			if err := client.do(ctx, http.MethodGet, "/healthz", nil, &health); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return newPrinter(cmd.OutOrStdout()).json(health)
		},
	}
	addClientFlags(cmd, &cf)
	return cmd
}
