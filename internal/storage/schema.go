package storage

import (
	"context"
	"fmt"
)

// schemaStatements creates the three pipeline tables. Written to run on both
// SQLite (dev) and Postgres (prod).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		document_key TEXT NOT NULL,
		enrichment TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		total_units INTEGER NOT NULL DEFAULT 0,
		completed_units INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT,
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS units (
		job_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		idx INTEGER NOT NULL,
		status TEXT NOT NULL,
		artifact_key TEXT,
		error_detail TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (job_id, stage, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS stage_artifacts (
		job_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		blob_key TEXT,
		content TEXT,
		meta TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (job_id, stage, idx)
	)`,
}

// EnsureSchema creates the pipeline tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
