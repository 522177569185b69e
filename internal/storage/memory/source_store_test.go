package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

func seed(t *testing.T, s *SourceStore, srcs ...crawler.Source) {
	t.Helper()
	for _, src := range srcs {
		require.NoError(t, s.UpsertSource(context.Background(), src))
	}
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	seed(t, s, crawler.Source{ID: "a", Tier: 5})
	now := time.Now()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.AcquireLock(ctx, "a", fmt.Sprintf("w%d", i), now, time.Minute)
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	// Still held before expiry.
	ok, err := s.AcquireLock(ctx, "a", "late", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Expired locks can be taken over.
	ok, err = s.AcquireLock(ctx, "a", "late", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseLockOnlyByOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	seed(t, s, crawler.Source{ID: "a", Tier: 3})
	now := time.Now()

	ok, err := s.AcquireLock(ctx, "a", "w1", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "a", "w2"))
	src, err := s.GetSource(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, src.Lock)

	require.NoError(t, s.ReleaseLock(ctx, "a", "w1"))
	src, err = s.GetSource(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, src.Lock)
}

func TestSaveCursorNeverRegresses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	seed(t, s, crawler.Source{ID: "a", Tier: 5, CursorOffset: 100})
	at := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.SaveCursor(ctx, "a", 103, at, 3))
	require.NoError(t, s.SaveCursor(ctx, "a", 90, at.Add(time.Minute), 0))

	src, err := s.GetSource(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(103), src.CursorOffset)
	require.Equal(t, int64(3), src.ItemCount)
	require.Equal(t, at.Add(time.Minute), *src.CursorDate)

	require.ErrorIs(t, s.SaveCursor(ctx, "missing", 1, at, 0), crawler.ErrNotFound)
}

func TestListDueOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	old := now.Add(-3 * time.Hour)
	older := now.Add(-5 * time.Hour)
	fresh := now.Add(-10 * time.Minute)
	seed(t, s,
		crawler.Source{ID: "c", Tier: 5, CursorDate: &old},
		crawler.Source{ID: "b", Tier: 5, CursorDate: &old},
		crawler.Source{ID: "a", Tier: 5, CursorDate: &older},
		crawler.Source{ID: "n", Tier: 5},
		crawler.Source{ID: "f", Tier: 5, CursorDate: &fresh},
		crawler.Source{ID: "x", Tier: 4},
		crawler.Source{ID: "locked", Tier: 5},
	)
	ok, err := s.AcquireLock(ctx, "locked", "w", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := s.ListDue(ctx, 5, now.Add(-time.Hour), now.Add(-time.Hour), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, src := range due {
		ids = append(ids, src.ID)
	}
	require.Equal(t, []string{"n", "a", "b", "c"}, ids)

	due, err = s.ListDue(ctx, 5, now.Add(-time.Hour), now.Add(-time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
}

func TestUpsertKeepsPinnedTierAndCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	seed(t, s, crawler.Source{ID: "a", Tier: 2, CursorOffset: 50})
	require.NoError(t, s.SetTier(ctx, "a", 5, true))

	require.NoError(t, s.UpsertSource(ctx, crawler.Source{ID: "a", Handle: "@a", Tier: 1}))
	src, err := s.GetSource(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.Tier(5), src.Tier)
	require.Equal(t, "@a", src.Handle)
	require.Equal(t, int64(50), src.CursorOffset)

	require.NoError(t, s.Deactivate(ctx, "a"))
	src, err = s.GetSource(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.TierInactive, src.Tier)
	require.False(t, src.TierPinned)

	require.Error(t, s.SetTier(ctx, "a", 9, false))
}

func TestUpsertRefreshKeepsSampledStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	sampled := crawler.SourceStats{SampleMessages: 400, SampleItems: 90, MemberCount: 3000, UpdatedAt: time.Unix(1_700_000_000, 0).UTC()}
	seed(t, s, crawler.Source{ID: "b", Handle: "@b", Tier: 3, Stats: sampled})

	require.NoError(t, s.UpsertSource(ctx, crawler.Source{ID: "b", Handle: "@b", Tier: 4}))
	src, err := s.GetSource(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, crawler.Tier(4), src.Tier)
	require.Equal(t, sampled, src.Stats)

	fresh := crawler.SourceStats{SampleMessages: 60, SampleItems: 6, UpdatedAt: sampled.UpdatedAt.Add(time.Hour)}
	require.NoError(t, s.UpsertSource(ctx, crawler.Source{ID: "b", Tier: 4, Stats: fresh}))
	src, err = s.GetSource(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, fresh, src.Stats)
}

func TestRecoverLocksAndTierCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	seed(t, s,
		crawler.Source{ID: "a", Tier: 5, ItemCount: 10},
		crawler.Source{ID: "b", Tier: 5, ItemCount: 5},
		crawler.Source{ID: "c", Tier: 1},
	)
	_, err := s.AcquireLock(ctx, "a", "w", now.Add(-2*time.Hour), time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "b", "w", now, time.Minute)
	require.NoError(t, err)

	counts, err := s.TierCounts(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []crawler.TierCount{
		{Tier: 5, Sources: 2, Locked: 1, Items: 15},
		{Tier: 1, Sources: 1},
	}, counts)

	n, err := s.RecoverLocks(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	src, err := s.GetSource(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, src.Lock)
	src, err = s.GetSource(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, src.Lock)
}

func TestCandidateLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore()
	now := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.UpsertCandidates(ctx, []crawler.CandidateSource{
		{Ref: "@one", FirstSeenAt: now},
		{Ref: "@two", FirstSeenAt: now},
		{Ref: "@two", FirstSeenAt: now},
		{Ref: ""},
	}))

	pending, err := s.ListPendingCandidates(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "@two", pending[0].Ref)
	require.Equal(t, int64(2), pending[0].Mentions)

	require.NoError(t, s.MarkCandidateEnqueued(ctx, "@two", now))
	pending, err = s.ListPendingCandidates(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Enqueued long enough ago to be requeued.
	pending, err = s.ListPendingCandidates(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.ResolveCandidate(ctx, "@one", crawler.CandidateDiscarded))
	c, ok := s.Candidate("@one")
	require.True(t, ok)
	require.Equal(t, crawler.CandidateDiscarded, c.Status)

	require.ErrorIs(t, s.MarkCandidateEnqueued(ctx, "@missing", now), crawler.ErrNotFound)
}
