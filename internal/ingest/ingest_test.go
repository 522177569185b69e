package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/memory"
)

func sampleItem(id string, msgID int64) crawler.Item {
	return crawler.Item{
		ID:        id,
		SourceID:  "src-a",
		MessageID: msgID,
		Kind:      crawler.MediaDocument,
		PostedAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryReportsDuplicates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.Ingest(ctx, sampleItem("h1", 2))
	require.NoError(t, err)
	require.Equal(t, crawler.Ingested, res)

	res, err = m.Ingest(ctx, sampleItem("h1", 2))
	require.NoError(t, err)
	require.Equal(t, crawler.Duplicate, res)

	m.FailNext(errors.New("boom"))
	_, err = m.Ingest(ctx, sampleItem("h0", 1))
	require.Error(t, err)
	_, err = m.Ingest(ctx, sampleItem("h0", 1))
	require.NoError(t, err)

	items := m.Items()
	require.Len(t, items, 2)
	require.Equal(t, int64(1), items[0].MessageID)
	require.Equal(t, 2, m.Len())
}

func TestArchiveWritesThenForwards(t *testing.T) {
	blobs := memory.NewBlobStore()
	next := NewMemory()
	a := NewArchive(blobs, "/items/", next, nil)

	res, err := a.Ingest(context.Background(), sampleItem("h1", 7))
	require.NoError(t, err)
	require.Equal(t, crawler.Ingested, res)
	require.Equal(t, "items/src-a/h1.json", a.Path(sampleItem("h1", 7)))

	raw, ok := blobs.Object("items/src-a/h1.json")
	require.True(t, ok)
	var got crawler.Item
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, int64(7), got.MessageID)
	require.Equal(t, 1, next.Len())

	res, err = a.Ingest(context.Background(), sampleItem("h1", 7))
	require.NoError(t, err)
	require.Equal(t, crawler.Duplicate, res)
}

func TestArchiveWithoutNext(t *testing.T) {
	a := NewArchive(memory.NewBlobStore(), "", nil, nil)
	require.Equal(t, "src-a/h2.json", a.Path(sampleItem("h2", 1)))
	res, err := a.Ingest(context.Background(), sampleItem("h2", 1))
	require.NoError(t, err)
	require.Equal(t, crawler.Ingested, res)
}

func TestArchiveSurfacesBlobErrors(t *testing.T) {
	a := NewArchive(failingBlobs{}, "items", NewMemory(), nil)
	_, err := a.Ingest(context.Background(), sampleItem("h3", 1))
	require.ErrorContains(t, err, "archive item h3")
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}
