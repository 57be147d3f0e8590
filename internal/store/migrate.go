package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	Statements  []string
}

// migrations are applied in order, once each.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: messages, agents, channel_agents",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			channel_id   TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			sender_id    TEXT,
			agent_id     TEXT,
			status       TEXT NOT NULL DEFAULT 'APPROVED' CHECK (status IN ('PENDING', 'APPROVED')),
			is_processed INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			CHECK (sender_id IS NULL OR agent_id IS NULL)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			type              TEXT NOT NULL CHECK (type IN ('HOSTED', 'WEBHOOK')),
			system_prompt     TEXT NOT NULL DEFAULT '',
			trigger_prompt    TEXT NOT NULL DEFAULT '',
			webhook_url       TEXT NOT NULL DEFAULT '',
			webhook_headers   TEXT NOT NULL DEFAULT '{}',
			requires_approval INTEGER NOT NULL DEFAULT 0,
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS channel_agents (
			channel_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			position   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (channel_id, agent_id)
			)`,
		},
	},
	{
		Version:     2,
		Description: "profiles, approved window index",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_window ON messages(channel_id, status, created_at)`,
		},
	},
}

// RunMigrations brings db up to schemaVersion. Each pending migration runs
// in its own transaction together with its schema_version row.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", current, schemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(db, m, logger); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			if alreadyApplied(err) {
				logger.Debug("migration statement already applied", "version", m.Version, "stmt", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

// alreadyApplied matches the errors sqlite raises when a column or object
// added by a migration is already present.
func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
