package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/model"
)

// MaxSummaryLen is the longest summary ever stored.
const MaxSummaryLen = 150

const (
	generatorTruncate = "truncate"
	summaryVersion    = "1"
)

// Summarizer produces a one-line summary of a worker's outcome.
type Summarizer interface {
	Summarize(ctx context.Context, task, text string) (string, error)
	Name() string
}

// ModelSummarizer asks an LLM for the summary.
type ModelSummarizer struct {
	Gen   model.Generator
	Model string
}

func (m *ModelSummarizer) Name() string { return "model:" + m.Model }

func (m *ModelSummarizer) Summarize(ctx context.Context, task, text string) (string, error) {
	if len(text) > 8<<10 {
		text = text[:8<<10]
	}
	out, err := m.Gen.Generate(ctx, model.Request{
		Model:  m.Model,
		System: fmt.Sprintf("Summarize the outcome of an infrastructure task in one plain sentence of at most %d characters. No preamble.", MaxSummaryLen),
		Prompt: "Task: " + task + "\n\nResult:\n" + text,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty summary")
	}
	return out, nil
}

// Summarize runs s with a bounded timeout. Any failure falls back to a
// truncation of text, with the error recorded in the returned meta.
func Summarize(ctx context.Context, s Summarizer, timeout time.Duration, task, text string, now time.Time) (string, artifact.SummaryMeta) {
	meta := artifact.SummaryMeta{Generator: generatorTruncate, Version: summaryVersion, GeneratedAt: now.UTC()}
	if s == nil {
		return Truncate(text, MaxSummaryLen), meta
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := summarizeSafely(ctx, s, task, text)
	if err != nil {
		meta.Error = err.Error()
		return Truncate(text, MaxSummaryLen), meta
	}
	meta.Generator = s.Name()
	return Truncate(out, MaxSummaryLen), meta
}

func summarizeSafely(ctx context.Context, s Summarizer, task, text string) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("summarizer panic: %v", r)}
			}
		}()
		o, e := s.Summarize(ctx, task, text)
		ch <- result{o, e}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("summary: %w", ctx.Err())
	}
}

// Truncate collapses whitespace and cuts s to at most n bytes on a rune
// boundary, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	const ellipsis = "..."
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
