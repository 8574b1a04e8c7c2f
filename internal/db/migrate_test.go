// Package db tests for database migration management.
package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestUp_appliesInOrder verifies migrations run in version order and are
// not applied twice.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V2__add_column.up.sql": {Data: []byte(`ALTER TABLE notes ADD COLUMN author TEXT;`)},
		"V1__notes.up.sql":      {Data: []byte(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT);`)},
		"V1__notes.down.sql":    {Data: []byte(`DROP TABLE notes;`)},
		"README.md":             {Data: []byte(`ignored`)},
		"Vx__broken.up.sql":     {Data: []byte(`ignored`)},
	}
	m := NewMigrator(db, files)

	if err := m.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(applied))
	}
	if applied[0].Description != "notes" || applied[1].Description != "add_column" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}

	if _, err := db.Exec("INSERT INTO notes (body, author) VALUES ('x', 'y')"); err != nil {
		t.Errorf("schema not migrated: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_detectsModifiedMigration verifies checksum verification.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V1__notes.up.sql": {Data: []byte(`CREATE TABLE notes (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, files)
	if err := m.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	files["V1__notes.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT);`)}
	err := m.Up()
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want modified migration error", err)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__notes.up.sql":   {Data: []byte(`CREATE TABLE notes (id INTEGER PRIMARY KEY);`)},
		"V1__notes.down.sql": {Data: []byte(`DROP TABLE notes;`)},
	})
	if err := m.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}

	err := m.Down()
	if err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() error = %v, want no migrations to rollback", err)
	}
}

// TestDown_missingFile verifies error when no down migration exists.
func TestDown_missingFile(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__notes.up.sql": {Data: []byte(`CREATE TABLE notes (id INTEGER PRIMARY KEY);`)},
	})
	if err := m.Migrate(); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	if err := m.Down(); err == nil {
		t.Error("Down() without a down file should fail")
	}
}

// TestEmbeddedMigrations verifies the shipped schemas apply cleanly on SQLite.
func TestEmbeddedMigrations(t *testing.T) {
	agent := openMemory(t)
	if err := NewMigrator(agent, AgentMigrations()).Migrate(); err != nil {
		t.Fatalf("agent migrations failed: %v", err)
	}
	assertTable(t, agent, "kv_store")

	server := openMemory(t)
	m := NewMigrator(server, ServerMigrations())
	if err := m.Migrate(); err != nil {
		t.Fatalf("server migrations failed: %v", err)
	}
	for _, table := range []string{"patients", "evolutions", "applied_operations"} {
		assertTable(t, server, table)
	}

	version, _ := m.CurrentVersion()
	if version != 2 {
		t.Errorf("server schema version = %d, want 2", version)
	}
}

func assertTable(t *testing.T, db *DB, name string) {
	t.Helper()
	var found string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&found)
	if err != nil {
		t.Errorf("table %s not found: %v", name, err)
	}
}
