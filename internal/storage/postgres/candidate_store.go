package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// UpsertCandidates inserts discoveries, adding mentions for known refs.
func (s *Store) UpsertCandidates(ctx context.Context, candidates []crawler.CandidateSource) error {
	query := `
INSERT INTO candidate_sources (ref, discovered_from, first_seen_at, mentions, status)
VALUES ($1, $2, $3, $4, 'pending')
ON CONFLICT (ref) DO UPDATE SET mentions = candidate_sources.mentions + EXCLUDED.mentions`
	for _, c := range candidates {
		if c.Ref == "" {
			continue
		}
		mentions := c.Mentions
		if mentions <= 0 {
			mentions = 1
		}
		seen := c.FirstSeenAt
		if seen.IsZero() {
			seen = time.Now().UTC()
		}
		if _, err := s.db.Exec(ctx, query, c.Ref, c.DiscoveredFrom, seen, mentions); err != nil {
			return crawler.StoreError("upsert candidate", err)
		}
	}
	return nil
}

// ListPendingCandidates returns pending candidates not enqueued since requeueBefore.
func (s *Store) ListPendingCandidates(
	ctx context.Context,
	requeueBefore time.Time,
	limit int,
) ([]crawler.CandidateSource, error) {
	query := `
SELECT ref, discovered_from, first_seen_at, mentions, status, enqueued_at
FROM candidate_sources
WHERE status = 'pending' AND (enqueued_at IS NULL OR enqueued_at < $1)
ORDER BY mentions DESC, ref ASC
LIMIT NULLIF($2::int, 0)`
	rows, err := s.db.Query(ctx, query, requeueBefore, limit)
	if err != nil {
		return nil, crawler.StoreError("list candidates", err)
	}
	defer rows.Close()

	var out []crawler.CandidateSource
	for rows.Next() {
		var (
			c      crawler.CandidateSource
			status string
		)
		if err := rows.Scan(&c.Ref, &c.DiscoveredFrom, &c.FirstSeenAt, &c.Mentions, &status, &c.EnqueuedAt); err != nil {
			return nil, crawler.StoreError("scan candidate", err)
		}
		c.Status = crawler.CandidateStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreError("iterate candidates", err)
	}
	return out, nil
}

// MarkCandidateEnqueued stamps enqueued_at.
func (s *Store) MarkCandidateEnqueued(ctx context.Context, ref string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE candidate_sources SET enqueued_at = $2 WHERE ref = $1`, ref, at)
	if err != nil {
		return crawler.StoreError("mark candidate enqueued", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate %s: %w", ref, crawler.ErrNotFound)
	}
	return nil
}

// ResolveCandidate records the final status, creating the row if needed.
func (s *Store) ResolveCandidate(ctx context.Context, ref string, status crawler.CandidateStatus) error {
	query := `
INSERT INTO candidate_sources (ref, status) VALUES ($1, $2)
ON CONFLICT (ref) DO UPDATE SET status = EXCLUDED.status`
	if _, err := s.db.Exec(ctx, query, ref, string(status)); err != nil {
		return crawler.StoreError("resolve candidate", err)
	}
	return nil
}
