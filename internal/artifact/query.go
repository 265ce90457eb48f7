package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	defaultListLimit   = 50
	defaultSearchLimit = 100
	snippetRadius      = 80
)

// Get returns the full record for workerID if it belongs to ownerID.
// Records of other owners are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, workerID, ownerID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.readMeta(workerID)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	dir := s.workerDir(workerID)

	rec := &Record{Metadata: m}
	if m.ResultSaved {
		data, err := os.ReadFile(filepath.Join(dir, resultFile))
		if err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		rec.Result = string(data)
	}
	if rec.Transcript, err = readTranscript(filepath.Join(dir, transcriptFile)); err != nil {
		return nil, err
	}
	if rec.ToolCalls, err = readToolCalls(filepath.Join(dir, toolCallsDir)); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns summaries of ownerID's records, newest first.
func (s *Store) List(ctx context.Context, ownerID string, opts ListOptions) ([]Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Summary
	err := s.scan(ctx, func(m Metadata) bool {
		if m.OwnerID != ownerID {
			return true
		}
		if opts.Status != "" && m.Status != opts.Status {
			return true
		}
		if opts.RunID != "" && m.RunID != opts.RunID {
			return true
		}
		if !opts.Since.IsZero() && m.CreatedAt.Before(opts.Since) {
			return true
		}
		out = append(out, m.summary())
		return true
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search scans task, result, summary and tool output of ownerID's
// records for opts.Pattern.
func (s *Store) Search(ctx context.Context, ownerID string, opts SearchOptions) ([]Match, error) {
	if strings.TrimSpace(opts.Pattern) == "" {
		return nil, errors.New("artifact: empty search pattern")
	}
	expr := regexp.QuoteMeta(opts.Pattern)
	if opts.Regex {
		expr = opts.Pattern
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("artifact: invalid pattern: %w", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var metas []Metadata
	if err := s.scan(ctx, func(m Metadata) bool {
		if m.OwnerID == ownerID {
			metas = append(metas, m)
		}
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool {
		return newer(metas[i].CreatedAt, metas[i].WorkerID, metas[j].CreatedAt, metas[j].WorkerID)
	})

	var matches []Match
	add := func(workerID, field, text string) bool {
		for i, line := range strings.Split(text, "\n") {
			loc := re.FindStringIndex(line)
			if loc == nil {
				continue
			}
			matches = append(matches, Match{WorkerID: workerID, Field: field, Line: i + 1, Snippet: snippet(line, loc)})
			if len(matches) >= limit {
				return false
			}
		}
		return true
	}

	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := s.workerDir(m.WorkerID)
		if !add(m.WorkerID, "task", m.Task) || !add(m.WorkerID, "summary", m.Summary) {
			return matches, nil
		}
		if m.ResultSaved {
			data, err := os.ReadFile(filepath.Join(dir, resultFile))
			if err == nil && !add(m.WorkerID, "result", string(data)) {
				return matches, nil
			}
		}
		calls, err := readToolCalls(filepath.Join(dir, toolCallsDir))
		if err != nil {
			s.logger.Warn("artifact search: skip tool calls", "worker_id", m.WorkerID, "error", err)
			continue
		}
		for _, c := range calls {
			field := "tool:" + c.Name
			if !add(m.WorkerID, field, c.Output) || !add(m.WorkerID, field, c.Error) {
				return matches, nil
			}
		}
	}
	return matches, nil
}

// Pending lists records whose result is saved but whose completion was
// never written. An empty ownerID matches every owner.
func (s *Store) Pending(ctx context.Context, ownerID string) ([]Summary, error) {
	var out []Summary
	err := s.scan(ctx, func(m Metadata) bool {
		if m.CompletionPending() && (ownerID == "" || m.OwnerID == ownerID) {
			out = append(out, m.summary())
		}
		return true
	})
	sortNewestFirst(out)
	return out, err
}

// Ref identifies a record across owners; used by maintenance jobs.
type Ref struct {
	WorkerID string
	OwnerID  string
	Task     string

	lastAttempt time.Time
}

// NeedsSummary returns completed records with no summary or whose
// summary fell back to truncation, least recently attempted first, so
// records that keep failing rotate behind the rest.
func (s *Store) NeedsSummary(ctx context.Context, limit int) ([]Ref, error) {
	var out []Ref
	err := s.scan(ctx, func(m Metadata) bool {
		if m.CompletedAt == nil {
			return true
		}
		switch {
		case m.SummaryMeta == nil:
			out = append(out, Ref{WorkerID: m.WorkerID, OwnerID: m.OwnerID, Task: m.Task})
		case m.SummaryMeta.Error != "":
			out = append(out, Ref{WorkerID: m.WorkerID, OwnerID: m.OwnerID, Task: m.Task, lastAttempt: m.SummaryMeta.GeneratedAt})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].lastAttempt.Equal(out[j].lastAttempt) {
			return out[i].lastAttempt.Before(out[j].lastAttempt)
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *Store) readMeta(workerID string) (Metadata, error) {
	var m Metadata
	if !safeIDPattern.MatchString(workerID) {
		return m, ErrNotFound
	}
	if err := readJSON(filepath.Join(s.workerDir(workerID), metadataFile), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, ErrNotFound
		}
		return m, fmt.Errorf("read metadata: %w", err)
	}
	return m, nil
}

// scan calls fn with every readable record's metadata until fn returns
// false. Unreadable records are logged and skipped.
func (s *Store) scan(ctx context.Context, fn func(Metadata) bool) error {
	entries, err := os.ReadDir(s.workersDir())
	if err != nil {
		return fmt.Errorf("read workers dir: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		m, err := s.readMeta(e.Name())
		if err != nil {
			s.logger.Warn("artifact: skip unreadable record", "worker_id", e.Name(), "error", err)
			continue
		}
		if !fn(m) {
			return nil
		}
	}
	return nil
}

func readTranscript(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse transcript line %d: %w", lineNo, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return out, nil
}

func readToolCalls(dir string) ([]ToolCall, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tool calls: %w", err)
	}
	var out []ToolCall
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var c ToolCall
		if err := readJSON(filepath.Join(dir, e.Name()), &c); err != nil {
			return nil, fmt.Errorf("read tool call %s: %w", e.Name(), err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func sortNewestFirst(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		return newer(list[i].CreatedAt, list[i].WorkerID, list[j].CreatedAt, list[j].WorkerID)
	})
}

func newer(at1 time.Time, id1 string, at2 time.Time, id2 string) bool {
	if !at1.Equal(at2) {
		return at1.After(at2)
	}
	return id1 > id2
}

func snippet(line string, loc []int) string {
	start := loc[0] - snippetRadius
	if start < 0 {
		start = 0
	}
	end := loc[1] + snippetRadius
	if end > len(line) {
		end = len(line)
	}
	out := line[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(line) {
		out += "..."
	}
	return out
}
