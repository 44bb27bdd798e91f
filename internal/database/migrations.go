package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one versioned schema change
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt time.Time
}

// Migrator applies embedded migrations in version order
type Migrator struct {
	db     *DB
	fsys   fs.FS
	logger *slog.Logger
}

// NewMigrator creates a migrator over the embedded migration files
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		fsys:   migrationsFS,
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run applies every migration not yet recorded
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	available, err := m.available()
	if err != nil {
		return err
	}

	count := 0
	for _, mig := range available {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
		count++
	}

	m.logger.Debug("Migrations complete", "applied", count)
	return nil
}

// Status lists all known migrations with their applied time, if any
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	available, err := m.available()
	if err != nil {
		return nil, err
	}

	for i := range available {
		if at, ok := applied[available[i].Version]; ok {
			available[i].AppliedAt = at
		}
	}
	return available, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at int64
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		result[version] = time.Unix(at, 0)
	}
	return result, rows.Err()
}

// parseMigrationName splits "001_initial_schema.sql" into 1 and "initial_schema"
func parseMigrationName(file string) (int, string, bool) {
	if !strings.HasSuffix(file, ".sql") {
		return 0, "", false
	}
	prefix, rest, ok := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
	if !ok || rest == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, rest, true
}

func (m *Migrator) available() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			m.logger.Warn("Skipping invalid migration filename", "file", entry.Name())
			continue
		}

		content, err := fs.ReadFile(m.fsys, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			mig.Version, mig.Name, time.Now().Unix(),
		)
		return err
	})
}
