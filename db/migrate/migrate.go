// Package migrate versions the PostgreSQL event store schema.
//
// # Migration Files
//
// Files in migrations/ are embedded at build time and named
//
//	NNN_descriptive_name.sql
//
// The statements above a "-- migrate:down" line bring the schema up one
// version; the statements below it undo them. A file without that line
// cannot be rolled back.
//
// # Concurrency
//
// Several ingest servers may share one database and start together. Every
// operation holds a session advisory lock on its connection, so only one
// of them changes the schema at a time and the others see the result.
//
// # Version Tracking
//
//	CREATE TABLE eventmon_migrations (
//	    version INTEGER PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	versionTable = "eventmon_migrations"
	downMarker   = "-- migrate:down"

	// lockKey identifies the schema lock among other advisory locks.
	lockKey int64 = 0x6576656e746d6f6e // "eventmon"
)

// ManagedTables are the tables the migrations own.
var ManagedTables = []string{"event_data"}

// ErrIrreversible is returned by Rollback for a migration without a down section.
var ErrIrreversible = errors.New("migration has no down section")

// Migration is one embedded schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string // empty when the step cannot be undone
}

// ID returns the file stem, e.g. "002_event_data_day_index".
func (m Migration) ID() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// Record is an applied migration.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Table describes one managed table as the database currently has it.
type Table struct {
	Name        string   `json:"name"`
	Exists      bool     `json:"exists"`
	Indexes     []string `json:"indexes,omitempty"`
	RowEstimate int64    `json:"row_estimate"`
}

// Status is the schema state of a database.
type Status struct {
	Version int      `json:"version"` // highest applied version, 0 when none
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
	Tables  []Table  `json:"tables"`
}

// =============================================================================
// EMBEDDED MIGRATIONS
// =============================================================================

// Migrations returns the embedded migrations in version order.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		up, down := splitSections(string(content))
		if up == "" {
			return nil, fmt.Errorf("migration %s has no statements", entry.Name())
		}

		migrations = append(migrations, Migration{Version: version, Name: name, Up: up, Down: down})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseFilename splits "NNN_name.sql" into its version and name.
func parseFilename(filename string) (int, string, error) {
	stem, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %s: expected NNN_name.sql", filename)
	}
	version, err := strconv.Atoi(stem)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %s: version must be a positive number", filename)
	}
	return version, name, nil
}

// splitSections separates the up and down statements at the marker line.
func splitSections(content string) (up, down string) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == downMarker {
			return strings.TrimSpace(strings.Join(lines[:i], "\n")),
				strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		}
	}
	return strings.TrimSpace(content), ""
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Run applies every pending migration, each in its own transaction.
func Run(ctx context.Context, conn *pgx.Conn, logger *slog.Logger) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}

	return withLock(ctx, conn, func() error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		count := 0
		for _, m := range migrations {
			if applied[m.Version] {
				continue
			}
			logger.Info("applying migration", "migration", m.ID())
			if err := inTx(ctx, conn, m.Up,
				`INSERT INTO `+versionTable+` (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
				return fmt.Errorf("applying migration %s: %w", m.ID(), err)
			}
			count++
		}

		if count == 0 {
			logger.Info("event schema is up to date")
		} else {
			logger.Info("event schema migrated", "applied", count)
		}
		return nil
	})
}

// Rollback undoes the most recently applied migration.
func Rollback(ctx context.Context, conn *pgx.Conn, logger *slog.Logger) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	byVersion := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	return withLock(ctx, conn, func() error {
		var version int
		err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+versionTable).Scan(&version)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		if version == 0 {
			logger.Info("no migrations to roll back")
			return nil
		}

		m, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("applied version %d is not embedded in this binary", version)
		}
		if m.Down == "" {
			return fmt.Errorf("rolling back %s: %w", m.ID(), ErrIrreversible)
		}

		if err := inTx(ctx, conn, m.Down,
			`DELETE FROM `+versionTable+` WHERE version = $1`, m.Version); err != nil {
			return fmt.Errorf("rolling back %s: %w", m.ID(), err)
		}
		logger.Info("migration rolled back", "migration", m.ID())
		return nil
	})
}

// GetStatus reports applied and pending migrations and the managed tables.
func GetStatus(ctx context.Context, conn *pgx.Conn) (*Status, error) {
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}

	status := &Status{}
	err = withLock(ctx, conn, func() error {
		rows, err := conn.Query(ctx, `SELECT version, name, applied_at FROM `+versionTable+` ORDER BY version`)
		if err != nil {
			return fmt.Errorf("reading applied migrations: %w", err)
		}
		status.Applied, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Record])
		if err != nil {
			return fmt.Errorf("reading applied migrations: %w", err)
		}

		for _, name := range ManagedTables {
			table, err := describeTable(ctx, conn, name)
			if err != nil {
				return err
			}
			status.Tables = append(status.Tables, table)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	applied := make(map[int]bool, len(status.Applied))
	for _, r := range status.Applied {
		applied[r.Version] = true
		status.Version = max(status.Version, r.Version)
	}
	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m.ID())
		}
	}
	return status, nil
}

func describeTable(ctx context.Context, conn *pgx.Conn, name string) (Table, error) {
	table := Table{Name: name}

	// reltuples is -1 until the table is first analyzed.
	err := conn.QueryRow(ctx, `
		SELECT to_regclass($1::text) IS NOT NULL,
		       COALESCE((SELECT GREATEST(reltuples, 0)::bigint FROM pg_class WHERE oid = to_regclass($1::text)), 0)
	`, name).Scan(&table.Exists, &table.RowEstimate)
	if err != nil {
		return table, fmt.Errorf("describing table %s: %w", name, err)
	}
	if !table.Exists {
		return table, nil
	}

	rows, err := conn.Query(ctx, `
		SELECT indexname FROM pg_indexes
		WHERE schemaname = current_schema() AND tablename = $1
		ORDER BY indexname
	`, name)
	if err != nil {
		return table, fmt.Errorf("listing indexes of %s: %w", name, err)
	}
	table.Indexes, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return table, fmt.Errorf("listing indexes of %s: %w", name, err)
	}
	return table, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// withLock runs fn holding the schema lock, creating the version table first.
func withLock(ctx context.Context, conn *pgx.Conn, fn func() error) error {
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquiring schema lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+versionTable+` (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating %s: %w", versionTable, err)
	}
	return fn()
}

func appliedVersions(ctx context.Context, conn *pgx.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM `+versionTable)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// inTx runs a migration script and its bookkeeping statement atomically.
func inTx(ctx context.Context, conn *pgx.Conn, script, record string, args ...any) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, script); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, record, args...)
		return err
	})
}
