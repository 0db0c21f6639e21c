package store

import (
	"context"
	"fmt"
)

// migrations are applied in order at startup, before the server accepts
// traffic. Each statement is idempotent so a restart against an up-to-date
// database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		email TEXT,
		password_hash TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS teams (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS team_members (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, team_id)
	)`,

	`CREATE TABLE IF NOT EXISTS locations (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		altitude DOUBLE PRECISION,
		accuracy DOUBLE PRECISION,
		client_timestamp BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_locations_team_created
		ON locations (team_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS annotations (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_team ON annotations (team_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_team_created
		ON messages (team_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS monitors (
		id UUID PRIMARY KEY,
		area TEXT NOT NULL,
		focus TEXT,
		allowed_domains TEXT[] NOT NULL DEFAULT '{}',
		interval_seconds INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		last_searched TIMESTAMPTZ,
		created_by UUID NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS threats (
		id UUID PRIMARY KEY,
		level TEXT NOT NULL,
		type TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		summary TEXT NOT NULL,
		locations JSONB NOT NULL DEFAULT '[]'::jsonb,
		keywords TEXT[] NOT NULL DEFAULT '{}',
		citations JSONB NOT NULL DEFAULT '[]'::jsonb,
		area TEXT NOT NULL,
		semantic_hash TEXT NOT NULL,
		update_count INTEGER NOT NULL DEFAULT 0,
		update_history JSONB NOT NULL DEFAULT '[]'::jsonb,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threats_area_created
		ON threats (area, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS threat_annotations (
		id UUID PRIMARY KEY,
		threat_id UUID NOT NULL REFERENCES threats(id) ON DELETE CASCADE,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		level TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threat_annotations_expires
		ON threat_annotations (expires_at)`,

	`CREATE TABLE IF NOT EXISTS run_logs (
		id UUID PRIMARY KEY,
		monitor_id UUID NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
		system_prompt TEXT NOT NULL,
		user_prompt TEXT NOT NULL,
		raw_response TEXT NOT NULL,
		threats_found INTEGER NOT NULL DEFAULT 0,
		citations JSONB,
		request_body JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_logs_monitor_created
		ON run_logs (monitor_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS ai_usage (
		id UUID PRIMARY KEY,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		call_type TEXT NOT NULL,
		monitor_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Called once from Open before any other
// operation; the server does not accept traffic until it returns.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	s.log.Info("schema migrations applied", "count", len(migrations))
	return nil
}
