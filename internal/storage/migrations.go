package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the database layout this build writes. It is
// independent of RecordSchemaVersion, which versions the JSON record itself.
const CurrentSchemaVersion = "1.1.0"

// migration is one forward schema step
type migration struct {
	version *semver.Version
	stmts   string
}

var migrations = []migration{
	{
		version: semver.MustParse("1.0.0"),
		stmts: `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    record TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		version: semver.MustParse("1.1.0"),
		stmts:   `CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_path, ordinal);`,
	},
}

// SchemaVersion returns the highest version recorded in db, 0.0.0 when none is
func SchemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	zero := semver.MustParse("0.0.0")

	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&n); err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if n == 0 {
		return zero, nil
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	latest := zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recorded schema version %q: %w", raw, err)
		}
		if v.GreaterThan(latest) {
			latest = v
		}
	}
	return latest, rows.Err()
}

// Migrate brings db to CurrentSchemaVersion. A database recorded under a
// different major version has its tables dropped and recreated, and Migrate
// reports reset.
func Migrate(ctx context.Context, db *sql.DB) (reset bool, err error) {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return false, err
	}

	target := semver.MustParse(CurrentSchemaVersion)
	if current.Major() != 0 && current.Major() != target.Major() {
		if err := dropAllTables(ctx, db); err != nil {
			return false, fmt.Errorf("failed to reset schema %s: %w", current, err)
		}
		current = semver.MustParse("0.0.0")
		reset = true
	}

	for _, m := range migrations {
		if !current.LessThan(m.version) {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return reset, err
		}
		current = m.version
	}
	return reset, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.stmts); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version.String()); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

// dropAllTables removes every user table; their indexes go with them
func dropAllTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, name := range tables {
		quoted := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
			return err
		}
	}
	return tx.Commit()
}
