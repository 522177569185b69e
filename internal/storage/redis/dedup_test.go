package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

func TestDedupIndex(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	d := NewDedupIndex(client, "test")

	ok, err := d.Contains(ctx, "items", "abc")
	require.NoError(t, err)
	require.False(t, ok)

	added, err := d.Add(ctx, "items", "abc")
	require.NoError(t, err)
	require.True(t, added)

	added, err = d.Add(ctx, "items", "abc")
	require.NoError(t, err)
	require.False(t, added)

	ok, err = d.Contains(ctx, "items", "abc")
	require.NoError(t, err)
	require.True(t, ok)

	members, err := mr.Members("test:dedup:items")
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, members)
}

func TestDedupIndexStoreUnavailable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewDedupIndex(client, "").Add(context.Background(), "items", "abc")
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
}

func TestNewClient(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrEmptyAddress)

	mr := miniredis.RunT(t)
	client, err := NewClient(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}
