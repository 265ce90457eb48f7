// Package audit keeps an append-only trail of security-relevant actions:
// worker cancellations, credential decrypts, decision overrides and
// answers that could not be saved.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/overseer/internal/shared"
)

// Actions recorded by the runtime.
const (
	ActionWorkerCancel     = "worker.cancel"
	ActionCredentialAccess = "credential.access"
	ActionCredentialPut    = "credential.put"
	ActionDecisionOverride = "decision.override"
	ActionResultLost       = "worker.result_lost"
)

// Entry is one audited action. Reason and Subject are redacted before
// they are written anywhere.
type Entry struct {
	Action  string
	OwnerID string
	Subject string
	Outcome string
	Reason  string
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Action    string `json:"action"`
	OwnerID   string `json:"owner_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Log writes entries to <home>/logs/audit.jsonl and, once SetDB is
// called, to the audit_log table. A nil *Log discards everything.
type Log struct {
	mu    sync.Mutex
	file  *os.File
	db    *sql.DB
	now   func() time.Time
	count atomic.Int64
}

// Open creates or appends to the audit file under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

// SetDB mirrors entries into the audit_log table.
func (l *Log) SetDB(db *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

// Close closes the audit file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Count returns the number of entries recorded since Open.
func (l *Log) Count() int64 {
	if l == nil {
		return 0
	}
	return l.count.Load()
}

// Record appends e. Write failures are swallowed; auditing never fails
// the action being audited.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	traceID := shared.TraceID(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.count.Add(1)

	if l.file != nil {
		b, err := json.Marshal(line{
			Timestamp: l.now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Action:    e.Action,
			OwnerID:   e.OwnerID,
			Subject:   e.Subject,
			Outcome:   e.Outcome,
			Reason:    e.Reason,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, owner_id, action, subject, outcome, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, e.OwnerID, e.Action, e.Subject, e.Outcome, e.Reason)
	}
}
