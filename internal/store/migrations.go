package store

import (
	"database/sql"
	"fmt"
	"log"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS verification_runs (
    post_date TEXT PRIMARY KEY,
    valid_dates TEXT NOT NULL,
    generated_at DATETIME,
    row_count INTEGER NOT NULL DEFAULT 0,
    unmatched_areas INTEGER NOT NULL DEFAULT 0,
    out_of_window_entries INTEGER NOT NULL DEFAULT 0,
    unmatched_metrics INTEGER NOT NULL DEFAULT 0,
    superseded_entries INTEGER NOT NULL DEFAULT 0,
    report_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_rows (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    post_date TEXT NOT NULL REFERENCES verification_runs(post_date),
    area TEXT NOT NULL,
    metric TEXT NOT NULL,
    day TEXT NOT NULL DEFAULT '',
    valid_date TEXT NOT NULL,
    units TEXT NOT NULL DEFAULT '',
    observed_field TEXT NOT NULL,
    forecast_value REAL NOT NULL,
    observed_value REAL NOT NULL,
    absolute_error REAL NOT NULL,
    signed_error REAL NOT NULL,
    percent_error REAL,
    within_range BOOLEAN
);

CREATE INDEX IF NOT EXISTS idx_verification_rows_post_date ON verification_rows(post_date);
CREATE INDEX IF NOT EXISTS idx_verification_rows_area_metric ON verification_rows(area, metric);
`,
	},
	{
		Version:     2,
		Description: "Add ingest_runs and raw_payloads for collector auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    area TEXT,
    http_status INTEGER,
    response_bytes INTEGER,
    records INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER REFERENCES ingest_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    station_id TEXT,
    payload_gzip BLOB NOT NULL,
    sha256 TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
	{
		Version:     3,
		Description: "Add record_errors for files skipped at load time",
		SQL: `
CREATE TABLE IF NOT EXISTS record_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recorded_at DATETIME NOT NULL,
    post_date TEXT,
    path TEXT NOT NULL,
    field TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_record_errors_recorded ON record_errors(recorded_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.clock.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
