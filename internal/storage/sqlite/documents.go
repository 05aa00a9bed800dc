package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// LoadDocument returns the body of a coordination document, or nil when it
// does not exist
func (s *SQLiteStorage) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM coord_documents WHERE name = ?", name,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", name, err)
	}
	return body, nil
}

// SaveDocument replaces a coordination document in one statement
func (s *SQLiteStorage) SaveDocument(ctx context.Context, name string, body []byte) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO coord_documents (name, body, updated_at) VALUES (?, ?, ?)",
		name, body, ts(s.nowUTC()),
	); err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}

// DeleteDocument removes a coordination document; a missing one is fine
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM coord_documents WHERE name = ?", name,
	); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}
	return nil
}
