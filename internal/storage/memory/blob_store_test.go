package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "items/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://items/abc.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("items/abc.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))

	_, ok = store.Object("missing")
	require.False(t, ok)
}
