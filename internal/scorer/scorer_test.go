package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

const day = 24 * time.Hour

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestScoreTiers(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	cases := []struct {
		name     string
		in       Input
		tier     crawler.Tier
		score    float64
		density  int
		activity int
	}{
		{
			name:     "busy large source",
			in:       Input{MessageCount: 100, ItemCount: 50, LastItemAge: day, MemberCount: 600_000},
			tier:     5,
			score:    0.8,
			density:  6,
			activity: 5,
		},
		{
			name:     "mid source",
			in:       Input{MessageCount: 100, ItemCount: 20, LastItemAge: 3 * day, MemberCount: 20_000},
			tier:     4,
			score:    0.32,
			density:  4,
			activity: 4,
		},
		{
			name:     "quiet small source",
			in:       Input{MessageCount: 100, ItemCount: 3, LastItemAge: 60 * day, MemberCount: 10},
			tier:     1,
			score:    1.0 / 60,
			density:  1,
			activity: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := s.Score(tc.in)
			require.Equal(t, tc.tier, res.Tier)
			require.InDelta(t, tc.score, res.Score, 1e-9)
			require.Equal(t, tc.density, res.Density)
			require.Equal(t, tc.activity, res.Activity)
		})
	}
}

func TestScoreRejectsThinHistory(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	res := s.Score(Input{MessageCount: 10, ItemCount: 10, LastItemAge: time.Hour})
	require.Equal(t, crawler.TierInactive, res.Tier)
	require.Equal(t, "insufficient message history", res.Reason)

	res = s.Score(Input{MessageCount: 100, ItemCount: 1, LastItemAge: time.Hour})
	require.Equal(t, crawler.TierInactive, res.Tier)

	res = s.Score(Input{MessageCount: 100, LastItemAge: -1})
	require.Equal(t, crawler.TierInactive, res.Tier)
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()
	s := newScorer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := crawler.SourceStats{SampleMessages: 200, SampleItems: 30, LastItemAt: now.Add(-5 * day), MemberCount: 4_000}
	var b crawler.SourceStats
	b.MemberCount = 4_000
	b.LastItemAt = now.Add(-5 * day)
	b.SampleItems = 30
	b.SampleMessages = 200

	first := s.ScoreStats(a, now)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, s.ScoreStats(b, now))
		require.Equal(t, first, s.ScoreStats(a, now))
	}
}

func TestInputFromStats(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_000_000, 0)

	in := InputFromStats(crawler.SourceStats{SampleMessages: 5}, now)
	require.Less(t, in.LastItemAge, time.Duration(0))

	in = InputFromStats(crawler.SourceStats{LastItemAt: now.Add(time.Hour)}, now)
	require.Equal(t, time.Duration(0), in.LastItemAge)

	in = InputFromStats(crawler.SourceStats{LastItemAt: now.Add(-time.Hour), MemberCount: 7}, now)
	require.Equal(t, time.Hour, in.LastItemAge)
	require.Equal(t, int64(7), in.MemberCount)
}

func TestSampled(t *testing.T) {
	t.Parallel()
	s, err := New(DefaultConfig())
	require.NoError(t, err)

	require.False(t, s.Sampled(crawler.SourceStats{}))
	require.False(t, s.Sampled(crawler.SourceStats{SampleMessages: 49, SampleItems: 49}))
	require.True(t, s.Sampled(crawler.SourceStats{SampleMessages: 50}))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.TierThresholds = []float64{0.4, 0.1, 0.2, 0.3}
	_, err := New(bad)
	require.Error(t, err)

	bad = DefaultConfig()
	bad.DensityThresholds = bad.DensityThresholds[:3]
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.RecencyThresholds = []time.Duration{day, 2 * day, 3 * day, 4 * day}
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.SizeSteps = []SizeStep{{MinMembers: 0, Multiplier: 2}}
	require.Error(t, bad.Validate())
}
