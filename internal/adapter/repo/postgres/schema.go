package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the six tables of §3 plus the indexes listed in §6,
// using CREATE TABLE/INDEX IF NOT EXISTS so EnsureSchema is safe to call on
// every process start without a migration framework.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS repos (
	id                  TEXT PRIMARY KEY,
	upstream_id         BIGINT NOT NULL UNIQUE,
	owner               TEXT NOT NULL,
	name                TEXT NOT NULL,
	language            TEXT,
	stars               INTEGER NOT NULL DEFAULT 0,
	forks               INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	pushed_at           TIMESTAMPTZ NOT NULL,
	archived            BOOLEAN NOT NULL DEFAULT FALSE,
	fork                BOOLEAN NOT NULL DEFAULT FALSE,
	first_discovered_at TIMESTAMPTZ NOT NULL,
	last_seen_at        TIMESTAMPTZ NOT NULL,
	eligible            BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (owner, name)
);
CREATE INDEX IF NOT EXISTS idx_repos_full_name ON repos (owner, name);
CREATE INDEX IF NOT EXISTS idx_repos_stars_created ON repos (stars, created_at);
CREATE INDEX IF NOT EXISTS idx_repos_eligible_stars ON repos (eligible, stars);

CREATE TABLE IF NOT EXISTS discovery_snapshots (
	id          TEXT PRIMARY KEY,
	repo_id     TEXT NOT NULL REFERENCES repos (id),
	snapshot_at TIMESTAMPTZ NOT NULL,
	stars       INTEGER NOT NULL,
	forks       INTEGER NOT NULL,
	pushed_at   TIMESTAMPTZ NOT NULL,
	eligible    BOOLEAN NOT NULL,
	raw_payload JSONB
);
CREATE INDEX IF NOT EXISTS idx_discovery_snapshots_repo_date ON discovery_snapshots (repo_id, snapshot_at DESC);

CREATE TABLE IF NOT EXISTS deep_snapshots (
	id           TEXT PRIMARY KEY,
	repo_id      TEXT NOT NULL REFERENCES repos (id),
	snapshot_at  TIMESTAMPTZ NOT NULL,
	health_index DOUBLE PRECISION,
	signals      JSONB NOT NULL,
	raw_payload  JSONB
);
CREATE INDEX IF NOT EXISTS idx_deep_snapshots_repo_date ON deep_snapshots (repo_id, snapshot_at DESC);

CREATE TABLE IF NOT EXISTS queue_entries (
	id                    TEXT PRIMARY KEY,
	repo_id               TEXT NOT NULL REFERENCES repos (id),
	priority              INTEGER NOT NULL,
	reason                TEXT NOT NULL,
	queued_at             TIMESTAMPTZ NOT NULL,
	processed             BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at          TIMESTAMPTZ,
	last_deep_analysis_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_unprocessed ON queue_entries (processed, priority DESC, queued_at ASC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_repo_unprocessed ON queue_entries (repo_id) WHERE NOT processed;

CREATE TABLE IF NOT EXISTS job_runs (
	id         TEXT PRIMARY KEY,
	job_type   TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	status     TEXT NOT NULL,
	stats      JSONB,
	error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_runs_type_started ON job_runs (job_type, started_at DESC);

CREATE TABLE IF NOT EXISTS watchlist_entries (
	id               TEXT PRIMARY KEY,
	repo_id          TEXT NOT NULL REFERENCES repos (id),
	generation_date  DATE NOT NULL,
	momentum_score   DOUBLE PRECISION NOT NULL,
	durability_score DOUBLE PRECISION NOT NULL,
	adoption_score   DOUBLE PRECISION NOT NULL,
	rationale        TEXT NOT NULL,
	metrics_snapshot JSONB
);
CREATE INDEX IF NOT EXISTS idx_watchlist_date_momentum ON watchlist_entries (generation_date, momentum_score DESC);
CREATE INDEX IF NOT EXISTS idx_watchlist_date_durability ON watchlist_entries (generation_date, durability_score DESC);
CREATE INDEX IF NOT EXISTS idx_watchlist_date_adoption ON watchlist_entries (generation_date, adoption_score DESC);
`

// EnsureSchema applies schemaDDL idempotently. Called once at startup by
// cmd/triggerd and cmd/worker, following the teacher's no-migration-
// framework convention.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
