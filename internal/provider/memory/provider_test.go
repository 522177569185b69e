package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

func ids(msgs []crawler.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func seeded() *Provider {
	p := New()
	var msgs []crawler.Message
	for i := int64(1); i <= 10; i++ {
		msgs = append(msgs, crawler.Message{ID: i, Date: time.Unix(i, 0)})
	}
	p.AddFeed(crawler.SourceMeta{ID: "src-a", Handle: "@Alpha_Feed", MemberCount: 500}, msgs...)
	return p
}

func TestHistoryForwardPages(t *testing.T) {
	p := seeded()
	ctx := context.Background()

	page, err := p.History(ctx, "src-a", crawler.HistoryRequest{Offset: 3, Direction: crawler.Forward, Limit: 4})
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5, 6, 7}, ids(page))

	page, err = p.History(ctx, "@alpha_feed", crawler.HistoryRequest{Offset: 8, Direction: crawler.Forward, Limit: 4})
	require.NoError(t, err)
	require.Equal(t, []int64{9, 10}, ids(page))
	require.Len(t, p.Calls(), 2)
}

func TestHistoryBackwardReturnsNewestAscending(t *testing.T) {
	p := seeded()
	page, err := p.History(context.Background(), "src-a", crawler.HistoryRequest{Direction: crawler.Backward, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []int64{8, 9, 10}, ids(page))

	page, err = p.History(context.Background(), "src-a", crawler.HistoryRequest{Offset: 5, Direction: crawler.Backward, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4}, ids(page))
}

func TestScriptedFailuresAndRemoval(t *testing.T) {
	p := seeded()
	ctx := context.Background()
	p.FailNext(crawler.RateLimited(30 * time.Second))

	_, err := p.History(ctx, "src-a", crawler.HistoryRequest{})
	rl, ok := crawler.AsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, rl.RetryAfter)

	meta, err := p.GetSourceInfo(ctx, "ALPHA_FEED")
	require.NoError(t, err)
	require.Equal(t, int64(10), meta.LastMessageID)

	p.Append("src-a", crawler.Message{ID: 11})
	meta, err = p.GetSourceInfo(ctx, "src-a")
	require.NoError(t, err)
	require.Equal(t, int64(11), meta.LastMessageID)

	p.Remove("src-a")
	_, err = p.GetSourceInfo(ctx, "@alpha_feed")
	require.True(t, errors.Is(err, crawler.ErrSourceUnavailable))
}
