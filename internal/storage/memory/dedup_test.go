package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDedupIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDedupIndex()

	ok, err := d.Contains(ctx, "items", "a")
	require.NoError(t, err)
	require.False(t, ok)

	added, err := d.Add(ctx, "items", "a")
	require.NoError(t, err)
	require.True(t, added)

	added, err = d.Add(ctx, "items", "a")
	require.NoError(t, err)
	require.False(t, added)

	ok, err = d.Contains(ctx, "items", "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.Contains(ctx, "other", "a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, d.Len("items"))
}
