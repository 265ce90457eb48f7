package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message roles stored on a thread.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ThreadMessage is one turn of a thread's cross-run memory.
type ThreadMessage struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func ensureThreadTx(ctx context.Context, tx *sql.Tx, threadID, ownerID string) error {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT owner_id FROM threads WHERE thread_id = ?;`, threadID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO threads (thread_id, owner_id) VALUES (?, ?);`, threadID, ownerID); err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read thread: %w", err)
	case owner != ownerID:
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `UPDATE threads SET updated_at = CURRENT_TIMESTAMP WHERE thread_id = ?;`, threadID)
	return err
}

// EnsureThread creates threadID for ownerID or verifies ownership.
func (s *Store) EnsureThread(ctx context.Context, threadID, ownerID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := ensureThreadTx(ctx, tx, threadID, ownerID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AddMessage appends a message to a thread.
func (s *Store) AddMessage(ctx context.Context, threadID, runID, role, content string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thread_messages (thread_id, run_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, threadID, runID, role, content, time.Now().UTC())
		return err
	})
}

// ListMessages returns the latest limit messages of a thread, oldest
// first. Another owner's thread yields ErrNotFound.
func (s *Store) ListMessages(ctx context.Context, threadID, ownerID string, limit int) ([]ThreadMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM threads WHERE thread_id = ?;`, threadID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != ownerID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read thread: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, run_id, role, content, created_at FROM (
			SELECT id, thread_id, run_id, role, content, created_at
			FROM thread_messages WHERE thread_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.RunID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
