package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

func newBroker(t *testing.T, cfg Config) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.Block == 0 {
		cfg.Block = 20 * time.Millisecond
	}
	return New(client, cfg, nil), mr
}

func TestPublishAppendsToIdentityStream(t *testing.T) {
	t.Parallel()
	b, mr := newBroker(t, Config{Prefix: "t"})
	task := crawler.Task{ID: "t1", Type: crawler.TaskCrawlSource, SourceID: "s1", SourceRef: "@s1", Tier: 5}

	require.NoError(t, b.Publish(context.Background(), "crawl.a", task))

	entries, err := mr.Stream("t:queue:crawl.a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TaskField, entries[0].Values[0])
	require.Contains(t, entries[0].Values[1], `"task_id":"t1"`)

	other, err := mr.Stream("t:queue:crawl.b")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestConsumeAcksHandledTasks(t *testing.T) {
	t.Parallel()
	b, _ := newBroker(t, Config{Prefix: "t", Consumer: "w1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "crawl.a", crawler.Task{ID: "t1", Type: crawler.TaskCrawlSource, SourceID: "s1"}))

	got := make(chan crawler.Task, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, "crawl.a", func(_ context.Context, task crawler.Task) error {
			got <- task
			return nil
		})
	}()

	select {
	case task := <-got:
		require.Equal(t, "t1", task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("task not delivered")
	}

	require.Eventually(t, func() bool {
		pending, err := b.client.XPending(context.Background(), b.StreamName("crawl.a"), "workers").Result()
		return err == nil && pending.Count == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestConsumeReclaimsFailedTasks(t *testing.T) {
	t.Parallel()
	b, _ := newBroker(t, Config{Prefix: "t", Consumer: "w1", ClaimMinIdle: 30 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "crawl.a", crawler.Task{ID: "t1", Type: crawler.TaskCrawlSource, SourceID: "s1"}))

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, "crawl.a", func(context.Context, crawler.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("store down")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("failed task was not redelivered")
	}
	require.Equal(t, int32(2), attempts.Load())
}

func TestConsumeDropsMalformedEntries(t *testing.T) {
	t.Parallel()
	b, mr := newBroker(t, Config{Prefix: "t"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mr.XAdd("t:queue:crawl.a", "*", []string{TaskField, "{not json"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "crawl.a", crawler.Task{ID: "ok", Type: crawler.TaskCrawlSource, SourceID: "s"}))

	got := make(chan string, 2)
	go func() {
		_ = b.Consume(ctx, "crawl.a", func(_ context.Context, task crawler.Task) error {
			got <- task.ID
			return nil
		})
	}()

	select {
	case id := <-got:
		require.Equal(t, "ok", id)
	case <-time.After(2 * time.Second):
		t.Fatal("valid task not delivered")
	}
}
