// Package migrations holds the database schema as ordered, idempotent DDL.
// Apply runs every statement on each boot; IF NOT EXISTS keeps re-runs
// harmless, so no version bookkeeping table is needed at this scale.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS confessions (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		content    TEXT NOT NULL,
		summary    TEXT NOT NULL DEFAULT '',
		tags       TEXT[] NOT NULL DEFAULT '{}',
		intensity  INTEGER NOT NULL DEFAULT 1,
		reply      TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL DEFAULT 'heuristic',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS confessions_owner_recency_idx
		ON confessions (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS budget_periods (
		period_key TEXT PRIMARY KEY,
		spent_eur  DOUBLE PRECISION NOT NULL DEFAULT 0,
		cap_eur    DOUBLE PRECISION NOT NULL DEFAULT 0,
		warn_eur   DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id                TEXT PRIMARY KEY,
		caller_id         TEXT NOT NULL,
		mode              TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_eur          DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS usage_events_recency_idx
		ON usage_events (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS usage_events_caller_idx
		ON usage_events (caller_id)`,
}

// Apply runs the schema statements in order, stopping at the first failure.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
