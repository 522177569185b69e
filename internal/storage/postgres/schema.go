package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
	id               TEXT PRIMARY KEY,
	handle           TEXT NOT NULL DEFAULT '',
	tier             SMALLINT NOT NULL DEFAULT 0 CHECK (tier BETWEEN 0 AND 5),
	tier_pinned      BOOLEAN NOT NULL DEFAULT FALSE,
	cursor_offset    BIGINT NOT NULL DEFAULT 0,
	cursor_date      TIMESTAMPTZ,
	item_count       BIGINT NOT NULL DEFAULT 0,
	stats            JSONB NOT NULL DEFAULT '{}'::jsonb,
	lock_owner       TEXT,
	lock_acquired_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS sources_due_idx ON sources (tier, cursor_date ASC NULLS FIRST, id)`,
	`CREATE TABLE IF NOT EXISTS candidate_sources (
	ref             TEXT PRIMARY KEY,
	discovered_from TEXT NOT NULL DEFAULT '',
	first_seen_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	mentions        BIGINT NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'pending',
	enqueued_at     TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS candidate_sources_pending_idx ON candidate_sources (status, mentions DESC)`,
	`CREATE TABLE IF NOT EXISTS dedup_items (
	namespace TEXT NOT NULL,
	item_id   TEXT NOT NULL,
	added_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, item_id)
)`,
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
