package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// DedupIndex keeps one Redis set per namespace.
type DedupIndex struct {
	client *redis.Client
	prefix string
}

// NewDedupIndex builds a DedupIndex storing sets under prefix.
func NewDedupIndex(client *redis.Client, prefix string) *DedupIndex {
	if prefix == "" {
		prefix = "feedcrawl"
	}
	return &DedupIndex{client: client, prefix: prefix}
}

func (d *DedupIndex) key(namespace string) string {
	return fmt.Sprintf("%s:dedup:%s", d.prefix, namespace)
}

// Contains reports whether itemID is a member of the namespace set.
func (d *DedupIndex) Contains(ctx context.Context, namespace, itemID string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.key(namespace), itemID).Result()
	if err != nil {
		return false, crawler.StoreError("dedup lookup", err)
	}
	return ok, nil
}

// Add inserts itemID; SADD reports 1 only for new members.
func (d *DedupIndex) Add(ctx context.Context, namespace, itemID string) (bool, error) {
	n, err := d.client.SAdd(ctx, d.key(namespace), itemID).Result()
	if err != nil {
		return false, crawler.StoreError("dedup add", err)
	}
	return n == 1, nil
}
