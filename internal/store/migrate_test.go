package store

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"messages", "agents", "channel_agents", "profiles", "schema_version"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_UpgradeFromV1(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	// Apply only the base schema, then let the runner catch up.
	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, description TEXT, applied_at DATETIME DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		t.Fatal(err)
	}
	for _, stmt := range migrations[0].Statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec("INSERT INTO schema_version (version, description) VALUES (1, 'base')"); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO profiles (id, display_name) VALUES (?, ?)", "u1", "Ada"); err != nil {
		t.Fatalf("profiles table missing after upgrade: %v", err)
	}
}

func TestRunMigrations_RejectsSenderAndAgent(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	_, err := db.Exec(
		`INSERT INTO messages (id, channel_id, content, sender_id, agent_id, status, created_at)
		 VALUES ('m1', 'c1', 'hi', 'u1', 'a1', 'APPROVED', 1)`,
	)
	if err == nil {
		t.Fatal("expected check constraint violation for message with sender and agent")
	}
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	db := testDB(t)
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for empty db, got %d", version)
	}
}

func TestRunMigrations_RefusesNewerSchema(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version, description) VALUES (?, 'future')", schemaVersion+1); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, testLogger()); err == nil {
		t.Fatal("expected error for a schema newer than the binary")
	}
}

func TestApplyMigration_SkipsExistingColumn(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	m := migration{
		Version:     schemaVersion + 1,
		Description: "re-add existing column",
		Statements:  []string{`ALTER TABLE profiles ADD COLUMN display_name TEXT NOT NULL DEFAULT ''`},
	}
	if err := applyMigration(db, m, testLogger()); err != nil {
		t.Fatalf("expected duplicate column to be tolerated: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion+1 {
		t.Errorf("expected version %d recorded, got %d", schemaVersion+1, version)
	}
}

func TestApplyMigration_RollsBackOnFailure(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	m := migration{
		Version:     schemaVersion + 1,
		Description: "broken",
		Statements: []string{
			`CREATE TABLE scratch (id TEXT)`,
			`INSERT INTO no_such_table VALUES (1)`,
		},
	}
	if err := applyMigration(db, m, testLogger()); err == nil {
		t.Fatal("expected migration error")
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='scratch'").Scan(&name)
	if err == nil {
		t.Error("expected scratch table to be rolled back")
	}
	if version, _ := GetSchemaVersion(db); version != schemaVersion {
		t.Errorf("expected version to stay %d, got %d", schemaVersion, version)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("expected 'hello...', got %q", got)
	}
	if got := truncate("CREATE TABLE t (\n\t\tid TEXT\n)", 40); got != "CREATE TABLE t ( id TEXT )" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
}
