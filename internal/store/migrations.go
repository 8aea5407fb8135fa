package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE scan_runs (
					id TEXT PRIMARY KEY,
					game TEXT NOT NULL,
					mode TEXT NOT NULL,
					strictness TEXT NOT NULL DEFAULT '',
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					status TEXT DEFAULT 'running',
					files_total INTEGER DEFAULT 0,
					files_checked INTEGER DEFAULT 0,
					files_repaired INTEGER DEFAULT 0,
					bytes_downloaded INTEGER DEFAULT 0,
					error_message TEXT DEFAULT '',
					failed_path TEXT DEFAULT '',
					failed_step TEXT DEFAULT ''
				);

				CREATE INDEX idx_scan_runs_game_start ON scan_runs(game, start_time);

				CREATE TABLE file_records (
					game TEXT NOT NULL,
					path TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					sha256 TEXT DEFAULT '',
					verified_at DATETIME,
					repaired_at DATETIME,
					run_id TEXT DEFAULT '',
					PRIMARY KEY(game, path)
				);

				CREATE TABLE failed_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					game TEXT NOT NULL,
					path TEXT NOT NULL,
					url TEXT DEFAULT '',
					step TEXT DEFAULT '',
					error TEXT DEFAULT '',
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE manifest_cache (
					identity TEXT PRIMARY KEY,
					body BLOB NOT NULL,
					fetched_at DATETIME NOT NULL
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
