package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSourceStatsMerge(t *testing.T) {
	t.Parallel()

	now := time.Unix(5_000, 0)
	last := now.Add(-time.Hour)

	stats := SourceStats{}.Merge(Observation{Messages: 80, Items: 20, LastItemAt: last, MemberCount: 1200}, 100, now)
	require.Equal(t, int64(80), stats.SampleMessages)
	require.Equal(t, int64(20), stats.SampleItems)
	require.Equal(t, last, stats.LastItemAt)
	require.Equal(t, int64(1200), stats.MemberCount)
	require.Equal(t, now, stats.UpdatedAt)

	// Exceeding the cap halves both counters.
	stats = stats.Merge(Observation{Messages: 60, Items: 10}, 100, now)
	require.Equal(t, int64(70), stats.SampleMessages)
	require.Equal(t, int64(15), stats.SampleItems)
	require.Equal(t, last, stats.LastItemAt, "older observation must not move last item time back")
	require.Equal(t, int64(1200), stats.MemberCount, "zero member count keeps previous value")
}
