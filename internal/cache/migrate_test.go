package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateFreshDatabase(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if v, err := m.CurrentVersion(); err != nil || v != 0 {
		t.Fatalf("CurrentVersion on fresh db = %d, %v; want 0, nil", v, err)
	}

	if err := m.MigrateLatest(); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}

	v, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != m.LatestVersion() {
		t.Errorf("version after migrate = %d, want %d", v, m.LatestVersion())
	}

	for _, table := range []string{"events", "calendars", "sync_status", "schema_version"} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if err := m.MigrateLatest(); err != nil {
		t.Fatalf("first MigrateLatest: %v", err)
	}
	if err := m.MigrateLatest(); err != nil {
		t.Fatalf("second MigrateLatest: %v", err)
	}

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("counting schema_version rows: %v", err)
	}
	if rows != m.LatestVersion() {
		t.Errorf("schema_version has %d rows, want one per version (%d)", rows, m.LatestVersion())
	}
}

func TestMigrateRefusesDowngrade(t *testing.T) {
	db := newTestDB(t)
	m := NewMigrator(db)

	if err := m.MigrateLatest(); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}

	err := m.Migrate(0)
	if !errors.Is(err, ErrDowngrade) {
		t.Fatalf("Migrate(0) = %v, want ErrDowngrade", err)
	}
}

func TestMigrateHaltsOnFailureKeepingProgress(t *testing.T) {
	db := newTestDB(t)
	m := &Migrator{
		db: db,
		migrations: []migration{
			{version: 1, description: "schema_version bootstrap", up: migration1},
			{version: 2, description: "boom", up: func(*sql.DB) error {
				return fmt.Errorf("deliberate failure")
			}},
			{version: 3, description: "never reached", up: func(*sql.DB) error {
				t.Fatal("migration 3 must not run after 2 fails")
				return nil
			}},
		},
	}

	err := m.MigrateLatest()
	if err == nil {
		t.Fatal("MigrateLatest succeeded, want failure from migration 2")
	}

	v, verr := m.CurrentVersion()
	if verr != nil {
		t.Fatalf("CurrentVersion: %v", verr)
	}
	if v != 1 {
		t.Errorf("version after partial failure = %d, want 1 (earlier progress kept)", v)
	}
}
