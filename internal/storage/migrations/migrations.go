package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Migration represents a single database migration
type Migration struct {
	Version     int
	Description string
	// Up holds the statements to apply, executed one at a time so that an
	// "already exists" failure on one does not hide the others
	Up []string
}

// Manager handles database migrations
type Manager struct {
	migrations []Migration
}

// NewManager creates a new migration manager
func NewManager() *Manager {
	return &Manager{
		migrations: []Migration{},
	}
}

// Register adds a migration to the manager
func (m *Manager) Register(migration Migration) {
	m.migrations = append(m.migrations, migration)
}

// Migrations returns the registered migrations in version order
func (m *Manager) Migrations() []Migration {
	m.sortMigrations()
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}

// sortMigrations sorts migrations by version
func (m *Manager) sortMigrations() {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// ApplySQLite applies every registered migration whose version is not in the
// applied set, in ascending order. It returns how many were newly applied.
//
// Several processes may race to be first. A statement that fails because its
// column or table already exists counts as applied, so the loser of the race
// simply records the version. Any other error is returned and must be treated
// as fatal by the caller.
func (m *Manager) ApplySQLite(ctx context.Context, db *sql.DB) (int, error) {
	if err := createSQLiteMigrationsTable(ctx, db); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := getSQLiteApplied(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to read applied migrations: %w", err)
	}

	m.sortMigrations()

	count := 0
	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		if err := applySQLiteMigration(ctx, db, migration); err != nil {
			return count, fmt.Errorf("failed to apply migration %d (%s): %w",
				migration.Version, migration.Description, err)
		}
		count++
	}

	return count, nil
}

// SQLite helper functions

func createSQLiteMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func getSQLiteApplied(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT id FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func applySQLiteMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migration.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if IsAlreadyApplied(err) {
				continue
			}
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_migrations (id, description) VALUES (?, ?)",
		migration.Version, migration.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// IsAlreadyApplied reports whether err means the schema change is already
// present (duplicate column, existing table or index)
func IsAlreadyApplied(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code != sqlite3.ErrError {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
