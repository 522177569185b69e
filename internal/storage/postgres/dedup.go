package postgres

import (
	"context"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Contains reports whether itemID is recorded under namespace.
func (s *Store) Contains(ctx context.Context, namespace, itemID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM dedup_items WHERE namespace = $1 AND item_id = $2)`
	if err := s.db.QueryRow(ctx, query, namespace, itemID).Scan(&exists); err != nil {
		return false, crawler.StoreError("dedup lookup", err)
	}
	return exists, nil
}

// Add records itemID; the primary key makes concurrent adds safe.
func (s *Store) Add(ctx context.Context, namespace, itemID string) (bool, error) {
	query := `INSERT INTO dedup_items (namespace, item_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	tag, err := s.db.Exec(ctx, query, namespace, itemID)
	if err != nil {
		return false, crawler.StoreError("dedup add", err)
	}
	return tag.RowsAffected() == 1, nil
}
