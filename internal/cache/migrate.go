package cache

import (
	"database/sql"
	"errors"
	"fmt"

	applog "calhub/internal/log"
)

// ErrDowngrade is returned when the on-disk schema is newer than the
// requested target version. That is a deployment mistake, not
// something to repair automatically.
var ErrDowngrade = errors.New("schema downgrade not supported")

// migration is one step of the versioned schema. Up actions use
// create-if-not-exists statements so re-running a step is harmless.
type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// Migrator brings the database schema to the latest version,
// recording applied versions in the schema_version table.
type Migrator struct {
	db         *sql.DB
	migrations []migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db, migrations: allMigrations()}
}

// LatestVersion returns the highest registered migration version.
func (m *Migrator) LatestVersion() int {
	latest := 0
	for _, mig := range m.migrations {
		if mig.version > latest {
			latest = mig.version
		}
	}
	return latest
}

// CurrentVersion reads the highest recorded schema version. A missing
// schema_version table means a fresh database, version 0.
func (m *Migrator) CurrentVersion() (int, error) {
	var name string
	err := m.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checking schema_version table: %w", err)
	}

	var version sql.NullInt64
	if err := m.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Migrate applies all migrations above the current version up to and
// including target. Each step is recorded as it completes, so a
// failure partway through never loses the progress of earlier steps.
func (m *Migrator) Migrate(target int) error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current > target {
		return fmt.Errorf("%w: database at version %d, target %d", ErrDowngrade, current, target)
	}
	if current == target {
		applog.Debug("schema already current", "version", current)
		return nil
	}

	applog.Info("migrating schema", "from", current, "to", target)
	for _, mig := range m.migrations {
		if mig.version <= current || mig.version > target {
			continue
		}
		applog.Info("applying migration", "version", mig.version, "description", mig.description)
		if err := mig.up(m.db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.version, mig.description, err)
		}
		if err := m.record(mig); err != nil {
			return fmt.Errorf("recording migration %d: %w", mig.version, err)
		}
	}
	return nil
}

// MigrateLatest applies every pending migration.
func (m *Migrator) MigrateLatest() error {
	return m.Migrate(m.LatestVersion())
}

func (m *Migrator) record(mig migration) error {
	_, err := m.db.Exec(
		`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, datetime('now'))`,
		mig.version, mig.description,
	)
	return err
}

func allMigrations() []migration {
	return []migration{
		{
			version:     1,
			description: "initial schema: events, calendars, sync_status",
			up:          migration1,
		},
		{
			version:     2,
			description: "query indexes for event lookups",
			up:          migration2,
		},
	}
}

func migration1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			all_day INTEGER NOT NULL,
			location TEXT,
			color TEXT,
			attendees TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calendars (
			id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			color TEXT,
			primary_calendar INTEGER,
			access_role TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (id, account_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_status (
			account_id TEXT PRIMARY KEY,
			calendar_id TEXT NOT NULL,
			last_sync TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			last_error TEXT
		)`,
	}
	return execAll(db, stmts)
}

func migration2(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_account_calendar ON events(account_id, calendar_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time_range ON events(start_time, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_events_account_time ON events(account_id, start_time)`,
	}
	return execAll(db, stmts)
}

func execAll(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
