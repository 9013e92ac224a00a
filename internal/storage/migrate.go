package storage

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// Migrate ensures the SQLite schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	// current is the highest schema version recorded in schema_migrations.
	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	if current >= SchemaVersion {
		return nil
	}

	transaction, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = transaction.Rollback()
	}()

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS engine_states (
			user_id TEXT PRIMARY KEY,
			current_status TEXT NOT NULL,
			last_check_in_at TEXT NULL,
			cooldown_until TEXT NULL,
			next_ask_at TEXT NULL,
			silence_count INTEGER NOT NULL DEFAULT 0,
			emergency_armed INTEGER NOT NULL DEFAULT 0,
			emergency_last_ask_at TEXT NULL,
			last_trigger_source TEXT NULL,
			escalation_needed INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			last_event_at TEXT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create engine_states table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			at TEXT NOT NULL,
			status TEXT NULL,
			sub_status TEXT NULL,
			trigger_source TEXT NULL,
			episode_id TEXT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create events table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS prompt_episodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			shown_at TEXT NOT NULL,
			closed_at TEXT NULL,
			outcome TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create prompt_episodes table: %w", err)
	}

	_, err = transaction.Exec(`
		CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create app_state table: %w", err)
	}

	_, err = transaction.Exec(`CREATE INDEX IF NOT EXISTS idx_events_user_at ON events(user_id, at);`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_events_user_at: %w", err)
	}

	_, err = transaction.Exec(`CREATE INDEX IF NOT EXISTS idx_events_user_synced ON events(user_id, synced);`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_events_user_synced: %w", err)
	}

	_, err = transaction.Exec(`CREATE INDEX IF NOT EXISTS idx_prompt_episodes_user_outcome ON prompt_episodes(user_id, outcome);`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_prompt_episodes_user_outcome: %w", err)
	}

	_, err = transaction.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}

	return nil
}
