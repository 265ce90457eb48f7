package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/overseer/internal/artifact"
)

// openArtifacts opens the local worker store read-side. Records are plain
// files, so this works with or without a running daemon.
func openArtifacts(g *globalFlags) (*artifact.Store, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	return artifact.Open(cfg.HomeDir)
}

func newWorkersCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect worker records",
	}
	cmd.AddCommand(newWorkersListCommand(g), newWorkersGetCommand(g), newWorkersSearchCommand(g), newWorkersCancelCommand(g))
	return cmd
}

func newWorkersListCommand(g *globalFlags) *cobra.Command {
	var (
		limit  int
		status string
		runID  string
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worker summaries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openArtifacts(g)
			if err != nil {
				return err
			}
			opts := artifact.ListOptions{Limit: limit, Status: artifact.Status(status), RunID: runID}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}
			list, err := store.List(cmd.Context(), g.owner, opts)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if asJSON {
				return p.json(list)
			}
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				st := string(s.Status)
				if s.Pending {
					st += "*"
				}
				rows = append(rows, []string{
					s.WorkerID,
					p.status(st),
					formatDuration(s.DurationMS),
					formatTime(&s.CreatedAt),
					oneLine(firstNonEmpty(s.Summary, s.Task), 60),
				})
			}
			p.table([]string{"WORKER", "STATUS", "DURATION", "CREATED", "SUMMARY"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum workers to show")
	cmd.Flags().StringVar(&status, "status", "", "only workers with this status")
	cmd.Flags().StringVar(&runID, "run", "", "only workers spawned by this run")
	cmd.Flags().DurationVar(&since, "since", 0, "only workers created within this window")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newWorkersGetCommand(g *globalFlags) *cobra.Command {
	var asJSON, transcript bool
	cmd := &cobra.Command{
		Use:   "get <worker_id>",
		Short: "Show a worker's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArtifacts(g)
			if err != nil {
				return err
			}
			rec, err := store.Get(cmd.Context(), args[0], g.owner)
			if errors.Is(err, artifact.ErrNotFound) {
				return fmt.Errorf("worker %s not found", args[0])
			}
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if asJSON {
				return p.json(rec)
			}
			printRecord(p, rec, transcript)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&transcript, "transcript", false, "include the transcript")
	return cmd
}

func printRecord(p *printer, rec *artifact.Record, transcript bool) {
	field := func(k, v string) {
		if v != "" {
			fmt.Fprintf(p.w, "%s %s\n", p.style(p.dim, fmt.Sprintf("%-10s", k+":")), v)
		}
	}
	field("worker", rec.WorkerID)
	field("run", rec.RunID)
	field("status", p.status(string(rec.Status)))
	field("model", rec.Model)
	field("task", rec.Task)
	field("created", formatTime(&rec.CreatedAt))
	field("completed", formatTime(rec.CompletedAt))
	field("duration", formatDuration(rec.DurationMS))
	field("tools", fmt.Sprintf("%d calls", rec.ToolCallCount))
	field("summary", rec.Summary)
	if rec.SummaryMeta != nil && rec.SummaryMeta.Error != "" {
		field("note", p.style(p.warn, "summary fell back to truncation: "+rec.SummaryMeta.Error))
	}
	field("error", rec.Error)
	if rec.ResultSaved {
		digest := "verified"
		if !artifact.Verify(rec) {
			digest = p.style(p.bad, "MISMATCH")
		}
		field("digest", rec.ResultDigest+" ("+digest+")")
		fmt.Fprintf(p.w, "\n%s\n", strings.TrimRight(rec.Result, "\n"))
	}
	if transcript && len(rec.Transcript) > 0 {
		fmt.Fprintln(p.w)
		for _, e := range rec.Transcript {
			label := e.Kind
			if e.Tool != "" {
				label += " " + e.Tool
			}
			fmt.Fprintf(p.w, "%s %s\n", p.style(p.dim, fmt.Sprintf("#%d %s", e.Seq, label)), oneLine(e.Content, 160))
		}
	}
}

func newWorkersSearchCommand(g *globalFlags) *cobra.Command {
	var (
		regex  bool
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "Search worker tasks, results and transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArtifacts(g)
			if err != nil {
				return err
			}
			matches, err := store.Search(cmd.Context(), g.owner, artifact.SearchOptions{Pattern: args[0], Regex: regex, Limit: limit})
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if asJSON {
				return p.json(matches)
			}
			rows := make([][]string, 0, len(matches))
			for _, m := range matches {
				rows = append(rows, []string{m.WorkerID, fmt.Sprintf("%s:%d", m.Field, m.Line), oneLine(m.Snippet, 80)})
			}
			p.table([]string{"WORKER", "WHERE", "SNIPPET"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&regex, "regex", false, "treat the pattern as a regular expression")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum matches")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// newWorkersCancelCommand goes through the daemon, which owns running
// workers.
func newWorkersCancelCommand(g *globalFlags) *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "cancel <worker_id>",
		Short: "Cancel a running worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(g, cf)
			if err != nil {
				return err
			}
			var resp map[string]string
			path := "/api/v1/workers/" + url.PathEscape(args[0]) + "/cancel"
			if err := client.do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s %s\n", resp["worker_id"], resp["status"])
			return nil
		},
	}
	addClientFlags(cmd, &cf)
	return cmd
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
