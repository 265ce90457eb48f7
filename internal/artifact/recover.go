package artifact

import (
	"context"
	"fmt"
	"path/filepath"
)

// InterruptedError is recorded on records that were mid-execution when
// the process stopped and had no saved result.
const InterruptedError = "interrupted: process stopped before the worker finished"

// RecoveredNote is appended to records whose result was saved but whose
// completion was written by Recover.
const RecoveredNote = "completed on restart: result was saved before the process stopped"

// RecoveryReport lists what Recover did.
type RecoveryReport struct {
	Finalized   []string
	Interrupted []string
}

// Recover closes out records left open by a previous process. A record
// whose result was saved is completed as success and listed in
// Finalized; one without a result is completed as failed and listed in
// Interrupted. Until Recover runs, the first kind is visible through
// Pending. Call it before accepting new work.
func (s *Store) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	var open []Metadata
	if err := s.scan(ctx, func(m Metadata) bool {
		if m.CompletedAt == nil {
			open = append(open, m)
		}
		return true
	}); err != nil {
		return report, err
	}

	for _, m := range open {
		h := &Handle{
			id:   m.WorkerID,
			dir:  s.workerDir(m.WorkerID),
			mu:   s.lockFor(m.WorkerID),
			meta: m,
		}
		entries, err := readTranscript(filepath.Join(h.dir, transcriptFile))
		if err != nil {
			return report, err
		}
		h.entrySeq = len(entries)

		h.mu.Lock()
		if m.ResultSaved {
			if err = s.appendEntryLocked(h, Entry{Kind: EntryNote, Content: RecoveredNote}); err == nil {
				err = s.completeLocked(h, StatusSuccess, "")
			}
			if err == nil {
				report.Finalized = append(report.Finalized, m.WorkerID)
			}
		} else {
			if err = s.appendEntryLocked(h, Entry{Kind: EntryNote, Content: InterruptedError}); err == nil {
				err = s.completeLocked(h, StatusFailed, InterruptedError)
			}
			if err == nil {
				report.Interrupted = append(report.Interrupted, m.WorkerID)
			}
		}
		h.mu.Unlock()
		if err != nil {
			return report, fmt.Errorf("recover %s: %w", m.WorkerID, err)
		}
		s.logger.Info("artifact: recovered open record", "worker_id", m.WorkerID, "result_saved", m.ResultSaved)
	}
	return report, nil
}
