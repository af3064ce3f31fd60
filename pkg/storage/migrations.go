package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all schema migrations. Versions are unique
// and applied in ascending order, each in its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial audit schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS queries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL,
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				query_type TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				response_code INTEGER NOT NULL DEFAULT 0,
				cached BOOLEAN NOT NULL DEFAULT 0,
				upstream TEXT,
				response_time_ms REAL NOT NULL DEFAULT 0
			);
		`,
	},
	{
		Version:     2,
		Description: "Add indexes for time range, domain and client lookups",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_domain_timestamp ON queries(domain, timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_client_timestamp ON queries(client_ip, timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_outcome_timestamp ON queries(outcome, timestamp);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the current schema version, or 0 for a fresh
// database.
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies all pending migrations in order. A failure leaves
// the database at the last successful version.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
