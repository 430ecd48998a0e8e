package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"sync"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMigrationDrift is returned when an applied migration no longer matches
// the embedded file it was applied from.
var ErrMigrationDrift = errors.New("applied migration differs from embedded source")

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one embedded schema change.
type Migration struct {
	Name     string
	SQL      string
	Checksum string
	Version  int
}

// embeddedMigrations parses the embedded files once, ordered by version.
var embeddedMigrations = sync.OnceValues(func() ([]Migration, error) {
	return parseMigrations(migrationsFS, "migrations")
})

func parseMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		m := migrationName.FindStringSubmatch(path.Base(file))
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q", path.Base(file))
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("parsing version of %s: %w", file, err)
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		sum := sha256.Sum256(body)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     m[2],
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

// Migrate verifies applied migrations and applies pending ones, each in its
// own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		err := db.InTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO migrations (version, name, checksum) VALUES (?, ?, ?)`,
				m.Version, m.Name, m.Checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.Version, m.Name, err)
		}
		db.logger.Debug("Applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

// PendingMigrations returns the embedded migrations not yet applied. It fails
// with ErrMigrationDrift if an applied migration was edited afterwards.
func (db *DB) PendingMigrations(ctx context.Context) ([]Migration, error) {
	migrations, err := embeddedMigrations()
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.appliedChecksums(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var pending []Migration
	for _, m := range migrations {
		sum, ok := applied[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if sum != m.Checksum {
			return nil, fmt.Errorf("%w: %d_%s", ErrMigrationDrift, m.Version, m.Name)
		}
	}
	return pending, nil
}

func (db *DB) appliedChecksums(ctx context.Context) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			version int
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

// GetMigrationVersion returns the highest applied migration version, or 0.
func (db *DB) GetMigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("reading migration version: %w", err)
	}
	return int(version.Int64), nil
}
