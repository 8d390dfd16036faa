package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements create the persisted state layout. Statements are
// idempotent so restarts and fresh databases take the same path.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS indexer_streams (
		contest_id        TEXT NOT NULL,
		chain_id          BIGINT NOT NULL,
		registrar_address TEXT NOT NULL,
		vault_address     TEXT,
		rewards_address   TEXT,
		start_block       NUMERIC(20,0) NOT NULL DEFAULT 0,
		state             TEXT NOT NULL DEFAULT 'live',
		metadata          JSONB NOT NULL DEFAULT '{}',
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (contest_id, chain_id)
	)`,

	`CREATE TABLE IF NOT EXISTS ingestion_cursors (
		contest_id       TEXT NOT NULL,
		chain_id         BIGINT NOT NULL,
		contract_address TEXT NOT NULL,
		cursor_height    NUMERIC(20,0) NOT NULL,
		cursor_log_index BIGINT NOT NULL,
		cursor_hash      TEXT,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (chain_id, contract_address)
	)`,

	`CREATE TABLE IF NOT EXISTS ingestion_events (
		contest_id  TEXT NOT NULL,
		chain_id    BIGINT NOT NULL,
		tx_hash     TEXT NOT NULL,
		log_index   BIGINT NOT NULL,
		event_type  TEXT NOT NULL,
		block_number NUMERIC(20,0) NOT NULL,
		payload     JSONB NOT NULL DEFAULT '{}',
		reorg_flag  BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (chain_id, tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_events_range
		ON ingestion_events (contest_id, chain_id, block_number)`,

	`CREATE TABLE IF NOT EXISTS milestone_executions (
		idempotency_key     TEXT NOT NULL UNIQUE,
		job_id              TEXT,
		contest_id          TEXT NOT NULL,
		chain_id            BIGINT NOT NULL,
		milestone           TEXT NOT NULL,
		source_tx_hash      TEXT NOT NULL,
		source_log_index    BIGINT NOT NULL,
		source_block_number NUMERIC(20,0) NOT NULL,
		status              TEXT NOT NULL DEFAULT 'pending',
		attempts            INT NOT NULL DEFAULT 0,
		payload             JSONB NOT NULL DEFAULT '{}',
		last_error          JSONB,
		actor_context       JSONB,
		completed_at        TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_report_ledgers (
		idempotency_key  TEXT NOT NULL UNIQUE,
		report_id        TEXT NOT NULL UNIQUE,
		job_id           TEXT UNIQUE,
		contest_id       TEXT NOT NULL,
		chain_id         BIGINT NOT NULL,
		range_from_block NUMERIC(20,0) NOT NULL,
		range_to_block   NUMERIC(20,0) NOT NULL,
		generated_at     TIMESTAMPTZ NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending_review',
		attempts         INT NOT NULL DEFAULT 0,
		differences      JSONB NOT NULL DEFAULT '[]',
		notifications    JSONB NOT NULL DEFAULT '[]',
		payload          JSONB NOT NULL DEFAULT '{}',
		actor_context    JSONB,
		last_error       JSONB,
		completed_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS contest_states (
		contest_id TEXT NOT NULL,
		chain_id   BIGINT NOT NULL,
		phase      TEXT NOT NULL,
		source_tx_hash TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (contest_id, chain_id)
	)`,

	`CREATE TABLE IF NOT EXISTS indexer_notifications (
		id         TEXT PRIMARY KEY,
		channel    TEXT NOT NULL,
		target     TEXT NOT NULL,
		template   TEXT NOT NULL,
		payload    JSONB NOT NULL DEFAULT '{}',
		contest_id TEXT,
		chain_id   BIGINT,
		dispatched BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS indexer_jobs (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		data          JSONB NOT NULL DEFAULT '{}',
		priority      INT NOT NULL DEFAULT 0,
		state         TEXT NOT NULL DEFAULT 'created',
		retrycount    INT NOT NULL DEFAULT 0,
		retrylimit    INT NOT NULL DEFAULT 3,
		createdon     TIMESTAMPTZ NOT NULL DEFAULT now(),
		startedon     TIMESTAMPTZ,
		completedon   TIMESTAMPTZ,
		nextiteration TIMESTAMPTZ NOT NULL DEFAULT now(),
		singleton_key TEXT,
		dedupe_key    TEXT,
		last_error    TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_indexer_jobs_singleton
		ON indexer_jobs (name, singleton_key)
		WHERE singleton_key IS NOT NULL AND state = 'created'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_indexer_jobs_dedupe
		ON indexer_jobs (name, dedupe_key)
		WHERE dedupe_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_indexer_jobs_fetch
		ON indexer_jobs (name, state, nextiteration)`,

	`CREATE TABLE IF NOT EXISTS indexer_audit_log (
		id         TEXT PRIMARY KEY,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		contest_id TEXT,
		chain_id   BIGINT,
		reason     TEXT,
		detail     JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates every table and index the service relies on.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
