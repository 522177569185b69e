package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	var nilLock *Lock
	require.True(t, nilLock.Expired(now, time.Minute))

	fresh := &Lock{Owner: "w1", AcquiredAt: now.Add(-30 * time.Second)}
	require.False(t, fresh.Expired(now, time.Minute))

	stale := &Lock{Owner: "w1", AcquiredAt: now.Add(-time.Minute)}
	require.True(t, stale.Expired(now, time.Minute))
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{name: "crawl ok", task: Task{ID: "t1", Type: TaskCrawlSource, SourceID: "s1", SourceRef: "s1"}},
		{name: "candidate by ref", task: Task{ID: "t2", Type: TaskCheckCandidate, SourceRef: "@chan"}},
		{name: "missing id", task: Task{Type: TaskCrawlSource, SourceID: "s1"}, wantErr: true},
		{name: "unknown type", task: Task{ID: "t3", Type: "bogus", SourceID: "s1"}, wantErr: true},
		{name: "crawl without source id", task: Task{ID: "t4", Type: TaskCrawlRecent, SourceRef: "@x"}, wantErr: true},
		{name: "no reference", task: Task{ID: "t5", Type: TaskCheckCandidate}, wantErr: true},
		{name: "sweep tier", task: Task{ID: "t6", Type: TaskSweepTier, Tier: 3}},
		{name: "sweep inactive tier", task: Task{ID: "t7", Type: TaskSweepTier}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.task.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSourceRefAndNeverCrawled(t *testing.T) {
	t.Parallel()

	src := Source{ID: "100"}
	require.Equal(t, "100", src.Ref())
	require.True(t, src.NeverCrawled())

	src.Handle = "@news"
	now := time.Now()
	src.CursorDate = &now
	require.Equal(t, "@news", src.Ref())
	require.False(t, src.NeverCrawled())
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("history: %w", RateLimited(30*time.Second))
	rl, ok := AsRateLimited(wrapped)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, rl.RetryAfter)

	_, ok = AsRateLimited(ErrTransient)
	require.False(t, ok)

	storeErr := StoreError("acquire lock", errors.New("connection refused"))
	require.ErrorIs(t, storeErr, ErrStoreUnavailable)
	require.Contains(t, storeErr.Error(), "connection refused")
	require.NoError(t, StoreError("noop", nil))
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicyWith(3, 100*time.Millisecond, 400*time.Millisecond)
	require.True(t, p.ShouldRetry(errors.New("boom"), 1))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3))
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}
