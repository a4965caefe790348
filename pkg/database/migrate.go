package database

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once with type placeholders filled per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'user',
		display_name TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS loa_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		level INTEGER NOT NULL,
		min_reviewers INTEGER NOT NULL DEFAULT 0,
		required_facets TEXT NOT NULL,
		external_required {{BOOL}} NOT NULL DEFAULT {{FALSE}},
		description TEXT NOT NULL DEFAULT '',
		is_active {{BOOL}} NOT NULL DEFAULT {{TRUE}},
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL,
		UNIQUE (tenant_id, artifact_type, level)
	)`,
	`CREATE TABLE IF NOT EXISTS approval_submissions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		min_reviewers INTEGER NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL,
		UNIQUE (tenant_id, artifact_type, artifact_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS approval_tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		submission_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		facet TEXT NOT NULL,
		reviewer_id TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		decided_at {{TS}},
		created_at {{TS}} NOT NULL,
		UNIQUE (submission_id, facet)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_tasks_artifact ON approval_tasks (tenant_id, artifact_type, artifact_id)`,
	`CREATE TABLE IF NOT EXISTS artifact_approval_status (
		tenant_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at {{TS}} NOT NULL,
		PRIMARY KEY (tenant_id, artifact_type, artifact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_bundles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		version TEXT NOT NULL,
		status TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		byte_size INTEGER NOT NULL,
		storage_url TEXT NOT NULL DEFAULT '',
		signer_id TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		metadata {{JSON}} NOT NULL,
		created_at {{TS}} NOT NULL,
		published_at {{TS}},
		activated_at {{TS}},
		revoked_at {{TS}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_bundles_tenant ON policy_bundles (tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS gateway_tokens (
		token_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		scope {{JSON}} NOT NULL,
		bundle_version TEXT NOT NULL DEFAULT '',
		issued_at {{TS}} NOT NULL,
		expires_at {{TS}} NOT NULL,
		issuer_id TEXT NOT NULL,
		holder_id TEXT NOT NULL DEFAULT '',
		revoked_at {{TS}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_tokens_tenant ON gateway_tokens (tenant_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		artifact_type TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload {{JSON}} NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		batch_id TEXT,
		created_at {{TS}} NOT NULL,
		UNIQUE (tenant_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_artifact ON ledger_events (tenant_id, artifact_type, artifact_id)`,
	`CREATE TABLE IF NOT EXISTS ledger_batches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		from_seq BIGINT NOT NULL,
		to_seq BIGINT NOT NULL,
		event_count INTEGER NOT NULL,
		merkle_root TEXT NOT NULL,
		anchor_ref TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL
	)`,
}

func dialectTypes(d Dialect) *strings.Replacer {
	if d == Postgres {
		return strings.NewReplacer("{{TS}}", "TIMESTAMPTZ", "{{JSON}}", "JSONB", "{{BOOL}}", "BOOLEAN", "{{TRUE}}", "TRUE", "{{FALSE}}", "FALSE")
	}
	return strings.NewReplacer("{{TS}}", "TIMESTAMP", "{{JSON}}", "TEXT", "{{BOOL}}", "BOOLEAN", "{{TRUE}}", "1", "{{FALSE}}", "0")
}

// Statements returns the DDL for a dialect in execution order.
func Statements(d Dialect) []string {
	r := dialectTypes(d)
	out := make([]string, len(schema))
	for i, stmt := range schema {
		out[i] = r.Replace(stmt)
	}
	return out
}

// Migrate creates every trustgate table. It is idempotent.
func Migrate(ctx context.Context, db *DB) error {
	for i, stmt := range Statements(db.Dialect()) {
		if _, err := db.raw.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
