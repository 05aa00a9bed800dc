package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat matches SQLite's CURRENT_TIMESTAMP so stored values compare
// correctly as text against defaults and against each other
const timeFormat = "2006-01-02 15:04:05"

// dsnParams applies the durability settings to every pooled connection:
// WAL so readers never block the writer, enforced foreign keys, a generous
// busy timeout so concurrent writers serialize instead of failing, relaxed
// sync, and BEGIN IMMEDIATE for explicit transactions.
const dsnParams = "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000&_synchronous=NORMAL&_txlock=immediate"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStorage
type Option func(*SQLiteStorage)

// WithClock overrides the time source used for every SQL time comparison
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStorage) {
		s.now = now
	}
}

// New opens (creating if needed) the database at path, bootstraps the base
// schema and applies pending migrations. A migration failure is returned as
// an error and the handle is closed; callers must not continue.
func New(ctx context.Context, path string, opts ...Option) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if _, err := newMigrationManager().ApplySQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s := &SQLiteStorage{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate re-runs the migration manager and reports how many were applied
func (s *SQLiteStorage) Migrate(ctx context.Context) (int, error) {
	return newMigrationManager().ApplySQLite(ctx, s.db)
}

// DB exposes the underlying handle for maintenance commands and tests
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// nowUTC returns the configured clock in UTC
func (s *SQLiteStorage) nowUTC() time.Time {
	return s.now().UTC()
}

// ts formats a time for storage and comparison
func ts(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// nullableTS formats an optional time
func nullableTS(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// timePtr converts a scanned NullTime
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// int64Ptr converts a scanned NullInt64
func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// nullableInt64 binds an optional integer
func nullableInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// nullableString binds empty strings as NULL
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeList stores a string slice as a JSON array
func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeList reads a JSON array column, tolerating empty or malformed values
func decodeList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return nil
	}
	return items
}
