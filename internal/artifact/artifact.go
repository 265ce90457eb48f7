// Package artifact is the durable, owner-scoped record of every worker
// execution. Each worker gets its own directory:
//
//	<root>/workers/<worker_id>/metadata.json
//	<root>/workers/<worker_id>/result.txt
//	<root>/workers/<worker_id>/transcript.jsonl
//	<root>/workers/<worker_id>/tool_calls/<seq>-<tool>.json
//
// The result, transcript and tool calls are canonical. The summary is a
// derived, best-effort field and the only thing that may change after a
// record is completed.
package artifact

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("artifact: worker not found")
	ErrExists         = errors.New("artifact: worker already exists")
	ErrImmutable      = errors.New("artifact: record is completed")
	ErrResultNotSaved = errors.New("artifact: result must be saved before successful completion")
	ErrInvalidStatus  = errors.New("artifact: invalid terminal status")
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// SummaryMeta describes how a summary was produced.
type SummaryMeta struct {
	Generator   string    `json:"generator"`
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Error       string    `json:"error,omitempty"`
}

// ToolCall is one recorded tool invocation.
type ToolCall struct {
	Seq        int             `json:"seq"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Output     string          `json:"output"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
}

// Failed reports whether the invocation returned an error.
func (c ToolCall) Failed() bool { return c.Error != "" }

// Transcript entry kinds.
const (
	EntryTask       = "task"
	EntryReasoning  = "reasoning"
	EntryToolCall   = "tool_call"
	EntryToolResult = "tool_result"
	EntryFinal      = "final"
	EntryNote       = "note"
)

// Entry is one line of a worker transcript.
type Entry struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Tool    string    `json:"tool,omitempty"`
	Content string    `json:"content"`
}

// Metadata is the contents of metadata.json.
type Metadata struct {
	WorkerID      string       `json:"worker_id"`
	OwnerID       string       `json:"owner_id"`
	RunID         string       `json:"run_id,omitempty"`
	Task          string       `json:"task"`
	Model         string       `json:"model,omitempty"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	DurationMS    int64        `json:"duration_ms"`
	ResultSaved   bool         `json:"result_saved"`
	ResultDigest  string       `json:"result_digest,omitempty"`
	ResultBytes   int          `json:"result_bytes"`
	Error         string       `json:"error,omitempty"`
	ToolCallCount int          `json:"tool_call_count"`
	Summary       string       `json:"summary,omitempty"`
	SummaryMeta   *SummaryMeta `json:"summary_meta,omitempty"`
}

// CompletionPending reports a record whose result is durable but whose
// terminal status was never written.
func (m Metadata) CompletionPending() bool {
	return m.ResultSaved && m.CompletedAt == nil
}

// Record is a full worker record.
type Record struct {
	Metadata
	Result     string     `json:"result"`
	Transcript []Entry    `json:"transcript"`
	ToolCalls  []ToolCall `json:"tool_calls"`
}

// Summary is the list view of a record. It never carries the result.
type Summary struct {
	WorkerID    string     `json:"worker_id"`
	RunID       string     `json:"run_id,omitempty"`
	Task        string     `json:"task"`
	Status      Status     `json:"status"`
	Model       string     `json:"model,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	Pending     bool       `json:"completion_pending,omitempty"`
}

func (m Metadata) summary() Summary {
	return Summary{
		WorkerID:    m.WorkerID,
		RunID:       m.RunID,
		Task:        m.Task,
		Status:      m.Status,
		Model:       m.Model,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
		DurationMS:  m.DurationMS,
		Summary:     m.Summary,
		Error:       m.Error,
		Pending:     m.CompletionPending(),
	}
}

// ListOptions filters List.
type ListOptions struct {
	Limit  int
	Status Status
	Since  time.Time
	RunID  string
}

// Match is one Search hit.
type Match struct {
	WorkerID string `json:"worker_id"`
	Field    string `json:"field"`
	Line     int    `json:"line"`
	Snippet  string `json:"snippet"`
}

// SearchOptions configures Search. Pattern is a case-insensitive
// substring unless Regex is set.
type SearchOptions struct {
	Pattern string
	Regex   bool
	Limit   int
}
