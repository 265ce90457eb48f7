package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/overseer/internal/decision"
)

// RunStatus mirrors the worker lifecycle for supervisor runs.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// Run is one supervisor run.
type Run struct {
	RunID             string             `json:"run_id"`
	ThreadID          string             `json:"thread_id"`
	OwnerID           string             `json:"owner_id"`
	Task              string             `json:"task"`
	Status            RunStatus          `json:"status"`
	Result            string             `json:"result,omitempty"`
	Error             string             `json:"error,omitempty"`
	WorkerIDs         []string           `json:"worker_ids"`
	CreatedAt         time.Time          `json:"created_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	DecisionTelemetry decision.Telemetry `json:"decision_telemetry"`
}

// CreateRun inserts a queued run, creating its thread when needed. A
// thread owned by someone else is reported as ErrNotFound.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := ensureThreadTx(ctx, tx, r.ThreadID, r.OwnerID); err != nil {
			return err
		}
		if r.Status == "" {
			r.Status = RunQueued
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, thread_id, owner_id, task, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, r.RunID, r.ThreadID, r.OwnerID, r.Task, string(r.Status), r.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return tx.Commit()
	})
}

// SetRunStatus moves a non-terminal run to a non-terminal status.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status RunStatus) error {
	if status.Terminal() {
		return fmt.Errorf("persistence: use CompleteRun for terminal status %q", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = ? WHERE run_id = ? AND completed_at IS NULL;
		`, string(status), runID)
		return err
	})
}

// AddRunWorker links a spawned worker to its run, in spawn order.
func (s *Store) AddRunWorker(ctx context.Context, runID, workerID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO run_workers (run_id, worker_id, position)
			VALUES (?, ?, (SELECT COUNT(*) FROM run_workers WHERE run_id = ?));
		`, runID, workerID, runID)
		return err
	})
}

// CompleteRun records the terminal state of a run. Completing an already
// completed run is a no-op.
func (s *Store) CompleteRun(ctx context.Context, runID string, status RunStatus, result, errText string, tel decision.Telemetry) error {
	if !status.Terminal() {
		return fmt.Errorf("persistence: %q is not a terminal run status", status)
	}
	telJSON, err := json.Marshal(tel)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, result = ?, error = ?, decision_telemetry = ?, completed_at = ?
			WHERE run_id = ? AND completed_at IS NULL;
		`, string(status), result, errText, string(telJSON), time.Now().UTC(), runID)
		return err
	})
}

// GetRun returns a run visible to ownerID.
func (s *Store) GetRun(ctx context.Context, runID, ownerID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, owner_id, task, status, result, error, decision_telemetry, created_at, completed_at
		FROM runs WHERE run_id = ? AND owner_id = ?;
	`, runID, ownerID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ids, err := s.runWorkers(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.WorkerIDs = ids
	return r, nil
}

// ListRuns returns ownerID's most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, ownerID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, owner_id, task, status, result, error, decision_telemetry, created_at, completed_at
		FROM runs WHERE owner_id = ?
		ORDER BY created_at DESC, run_id DESC
		LIMIT ?;
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		ids, err := s.runWorkers(ctx, out[i].RunID)
		if err != nil {
			return nil, err
		}
		out[i].WorkerIDs = ids
	}
	return out, nil
}

// RecoverRuns fails every run left open by a previous process and
// returns how many were closed.
func (s *Store) RecoverRuns(ctx context.Context, reason string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = 'failed', error = ?, completed_at = ?
			WHERE completed_at IS NULL;
		`, reason, time.Now().UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Store) runWorkers(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id FROM run_workers WHERE run_id = ? ORDER BY position;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run workers: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var (
		r         Run
		status    string
		telJSON   string
		completed sql.NullTime
	)
	if err := scan(&r.RunID, &r.ThreadID, &r.OwnerID, &r.Task, &status, &r.Result, &r.Error, &telJSON, &r.CreatedAt, &completed); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if telJSON != "" {
		if err := json.Unmarshal([]byte(telJSON), &r.DecisionTelemetry); err != nil {
			return nil, fmt.Errorf("decode telemetry for run %s: %w", r.RunID, err)
		}
	}
	return &r, nil
}
