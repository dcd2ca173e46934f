package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are TEXT in both dialects using queue.TimeLayout, a fixed-width
// UTC layout, so ORDER BY created_at is chronological.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS crm_connections (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  backend_type TEXT NOT NULL,
  target_url   TEXT,
  config       TEXT NOT NULL DEFAULT '{}',
  is_active    BOOLEAN NOT NULL DEFAULT TRUE,
  created_at   TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS form_submissions (
  id              TEXT PRIMARY KEY,
  form_id         TEXT NOT NULL,
  data            TEXT NOT NULL DEFAULT '{}',
  crm_sync_status TEXT,
  submitted_at    TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS crm_field_mappings (
  id            TEXT PRIMARY KEY,
  form_id       TEXT NOT NULL,
  connection_id TEXT NOT NULL REFERENCES crm_connections(id),
  mappings      TEXT NOT NULL DEFAULT '[]',
  is_active     BOOLEAN NOT NULL DEFAULT TRUE,
  updated_at    TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS crm_write_jobs (
  id             TEXT PRIMARY KEY,
  submission_id  TEXT NOT NULL REFERENCES form_submissions(id),
  connection_id  TEXT NOT NULL REFERENCES crm_connections(id),
  status         TEXT NOT NULL,
  retry_count    INTEGER NOT NULL DEFAULT 0,
  max_retries    INTEGER NOT NULL DEFAULT 3,
  error_message  TEXT,
  screenshot_ref TEXT,
  created_at     TEXT NOT NULL,
  started_at     TEXT,
  completed_at   TEXT
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS crm_write_jobs_submission_connection_idx ON crm_write_jobs(submission_id, connection_id);`,
	`CREATE INDEX IF NOT EXISTS crm_write_jobs_status_created_at_idx ON crm_write_jobs(status, created_at);`,
	`CREATE INDEX IF NOT EXISTS crm_field_mappings_form_connection_idx ON crm_field_mappings(form_id, connection_id);`,
}

// Bootstrap creates tables and indexes if missing. The DDL is portable
// between SQLite and Postgres.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
