package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

const sourceColumns = `id, handle, tier, tier_pinned, cursor_offset, cursor_date, item_count, stats,
	lock_owner, lock_acquired_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (crawler.Source, error) {
	var (
		src        crawler.Source
		tier       int
		statsJSON  []byte
		lockOwner  *string
		lockAcqAt  *time.Time
		cursorDate *time.Time
	)
	if err := row.Scan(
		&src.ID,
		&src.Handle,
		&tier,
		&src.TierPinned,
		&src.CursorOffset,
		&cursorDate,
		&src.ItemCount,
		&statsJSON,
		&lockOwner,
		&lockAcqAt,
		&src.CreatedAt,
	); err != nil {
		return crawler.Source{}, err
	}
	src.Tier = crawler.Tier(tier)
	src.CursorDate = cursorDate
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &src.Stats); err != nil {
			return crawler.Source{}, fmt.Errorf("decode stats of %s: %w", src.ID, err)
		}
	}
	if lockOwner != nil && lockAcqAt != nil {
		src.Lock = &crawler.Lock{Owner: *lockOwner, AcquiredAt: *lockAcqAt}
	}
	return src, nil
}

// GetSource fetches a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	src, err := scanSource(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Source{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.Source{}, crawler.StoreError("get source", err)
	}
	return src, nil
}

// UpsertSource inserts a source or refreshes handle, stats and (unless pinned)
// tier. Unset stats leave the stored sample alone.
func (s *Store) UpsertSource(ctx context.Context, src crawler.Source) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	statsJSON, err := json.Marshal(src.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
INSERT INTO sources (id, handle, tier, tier_pinned, stats, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	handle = CASE WHEN EXCLUDED.handle = '' THEN sources.handle ELSE EXCLUDED.handle END,
	tier = CASE WHEN sources.tier_pinned THEN sources.tier ELSE EXCLUDED.tier END,
	stats = CASE WHEN $7::boolean THEN sources.stats ELSE EXCLUDED.stats END`
	keepStats := src.Stats.UpdatedAt.IsZero()
	if _, err := s.db.Exec(ctx, query, src.ID, src.Handle, int(src.Tier), src.TierPinned, statsJSON, createdAt, keepStats); err != nil {
		return crawler.StoreError("upsert source", err)
	}
	return nil
}

// ListDue returns unlocked sources of tier not crawled since staleBefore.
func (s *Store) ListDue(
	ctx context.Context,
	tier crawler.Tier,
	staleBefore, lockExpiry time.Time,
	limit int,
) ([]crawler.Source, error) {
	query := `SELECT ` + sourceColumns + `
FROM sources
WHERE tier = $1
	AND (cursor_date IS NULL OR cursor_date < $2)
	AND (lock_owner IS NULL OR lock_acquired_at <= $3)
ORDER BY cursor_date ASC NULLS FIRST, id ASC
LIMIT NULLIF($4::int, 0)`
	rows, err := s.db.Query(ctx, query, int(tier), staleBefore, lockExpiry, limit)
	if err != nil {
		return nil, crawler.StoreError("list due sources", err)
	}
	defer rows.Close()

	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, crawler.StoreError("scan source row", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreError("iterate source rows", err)
	}
	return out, nil
}

// AcquireLock takes the lock with a single conditional UPDATE.
func (s *Store) AcquireLock(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
UPDATE sources SET lock_owner = $2, lock_acquired_at = $3
WHERE id = $1 AND (lock_owner IS NULL OR lock_acquired_at <= $4)`
	tag, err := s.db.Exec(ctx, query, id, owner, now, now.Add(-ttl))
	if err != nil {
		return false, crawler.StoreError("acquire lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock clears the lock when owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, id, owner string) error {
	query := `UPDATE sources SET lock_owner = NULL, lock_acquired_at = NULL WHERE id = $1 AND lock_owner = $2`
	if _, err := s.db.Exec(ctx, query, id, owner); err != nil {
		return crawler.StoreError("release lock", err)
	}
	return nil
}

// SaveCursor advances cursor_offset with GREATEST so it never regresses.
func (s *Store) SaveCursor(ctx context.Context, id string, offset int64, at time.Time, itemDelta int64) error {
	query := `
UPDATE sources SET
	cursor_offset = GREATEST(cursor_offset, $2),
	cursor_date = COALESCE($3, cursor_date),
	item_count = item_count + $4
WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, offset, nullableTime(at), itemDelta)
	if err != nil {
		return crawler.StoreError("save cursor", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// SaveStats replaces the scorer sample.
func (s *Store) SaveStats(ctx context.Context, id string, stats crawler.SourceStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return s.execOne(ctx, "save stats", id, `UPDATE sources SET stats = $2 WHERE id = $1`, id, statsJSON)
}

// SetTier writes the tier and pinned flag.
func (s *Store) SetTier(ctx context.Context, id string, tier crawler.Tier, pinned bool) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %d", tier)
	}
	return s.execOne(ctx, "set tier", id,
		`UPDATE sources SET tier = $2, tier_pinned = $3 WHERE id = $1`, id, int(tier), pinned)
}

// Deactivate soft-disables the source.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.execOne(ctx, "deactivate source", id,
		`UPDATE sources SET tier = 0, tier_pinned = FALSE WHERE id = $1`, id)
}

// RecoverLocks clears every lock acquired before olderThan.
func (s *Store) RecoverLocks(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
UPDATE sources SET lock_owner = NULL, lock_acquired_at = NULL
WHERE lock_owner IS NOT NULL AND lock_acquired_at < $1`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, crawler.StoreError("recover locks", err)
	}
	return tag.RowsAffected(), nil
}

// TierCounts aggregates sources per tier, highest tier first.
func (s *Store) TierCounts(ctx context.Context, lockExpiry time.Time) ([]crawler.TierCount, error) {
	query := `
SELECT tier,
	COUNT(*),
	COUNT(*) FILTER (WHERE lock_owner IS NOT NULL AND lock_acquired_at > $1),
	COALESCE(SUM(item_count), 0)
FROM sources
GROUP BY tier
ORDER BY tier DESC`
	rows, err := s.db.Query(ctx, query, lockExpiry)
	if err != nil {
		return nil, crawler.StoreError("tier counts", err)
	}
	defer rows.Close()

	var out []crawler.TierCount
	for rows.Next() {
		var (
			tc   crawler.TierCount
			tier int
		)
		if err := rows.Scan(&tier, &tc.Sources, &tc.Locked, &tc.Items); err != nil {
			return nil, crawler.StoreError("scan tier count", err)
		}
		tc.Tier = crawler.Tier(tier)
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StoreError("iterate tier counts", err)
	}
	return out, nil
}

func (s *Store) execOne(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return crawler.StoreError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}
