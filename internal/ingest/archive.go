package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Archive writes each item as JSON to a blob store and then hands it to the
// next ingestor. The blob path is content addressed, so rewriting it on
// redelivery is harmless.
type Archive struct {
	blobs  crawler.BlobStore
	prefix string
	next   crawler.Ingestor
	logger *zap.Logger
}

// NewArchive builds an Archive. next may be nil, in which case every item
// reports crawler.Ingested once archived.
func NewArchive(blobs crawler.BlobStore, prefix string, next crawler.Ingestor, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{blobs: blobs, prefix: strings.Trim(prefix, "/"), next: next, logger: logger}
}

// Path returns the blob path used for item.
func (a *Archive) Path(item crawler.Item) string {
	if a.prefix == "" {
		return fmt.Sprintf("%s/%s.json", item.SourceID, item.ID)
	}
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, item.SourceID, item.ID)
}

// Ingest archives item then forwards it.
func (a *Archive) Ingest(ctx context.Context, item crawler.Item) (crawler.IngestResult, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal item: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, a.Path(item), "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("archive item %s: %w", item.ID, err)
	}
	a.logger.Debug("item archived", zap.String("item_id", item.ID), zap.String("blob_uri", uri))
	if a.next == nil {
		return crawler.Ingested, nil
	}
	res, err := a.next.Ingest(ctx, item)
	if err != nil {
		return 0, fmt.Errorf("forward item %s: %w", item.ID, err)
	}
	return res, nil
}
