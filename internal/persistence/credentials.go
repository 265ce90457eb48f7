package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/overseer/internal/credentials"
)

// PutCredential stores an already sealed credential blob for
// (ownerID, connectorType), replacing any previous one. Plaintext never
// reaches this layer.
func (s *Store) PutCredential(ctx context.Context, ownerID, connectorType string, sealed []byte) error {
	if ownerID == "" || connectorType == "" {
		return errors.New("persistence: owner and connector type are required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connector_credentials (owner_id, connector_type, sealed, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(owner_id, connector_type) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at;
		`, ownerID, connectorType, sealed, time.Now().UTC())
		return err
	})
}

// LookupCredential implements credentials.Source.
func (s *Store) LookupCredential(ctx context.Context, ownerID, connectorType string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sealed FROM connector_credentials WHERE owner_id = ? AND connector_type = ?;
	`, ownerID, connectorType).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credentials.ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return sealed, nil
}

// HasCredential implements credentials.Source.
func (s *Store) HasCredential(ctx context.Context, ownerID, connectorType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connector_credentials WHERE owner_id = ? AND connector_type = ?;
	`, ownerID, connectorType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has credential: %w", err)
	}
	return n > 0, nil
}

// DeleteCredential removes a stored credential. Missing rows are not an
// error.
func (s *Store) DeleteCredential(ctx context.Context, ownerID, connectorType string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM connector_credentials WHERE owner_id = ? AND connector_type = ?;
		`, ownerID, connectorType)
		return err
	})
}

// ListConnectors returns the connector types ownerID has credentials for.
func (s *Store) ListConnectors(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_type FROM connector_credentials WHERE owner_id = ? ORDER BY connector_type;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ credentials.Source = (*Store)(nil)
