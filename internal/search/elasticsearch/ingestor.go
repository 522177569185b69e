// Package elasticsearch indexes crawled items so they can be searched.
// Documents are created with the item id as document id, so a second
// create of the same item is reported as a duplicate.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Config holds connection settings.
type Config struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// NewClient builds an Elasticsearch client from cfg.
func NewClient(cfg Config) (*es.Client, error) {
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "source_id":   {"type": "keyword"},
      "message_id":  {"type": "long"},
      "kind":        {"type": "keyword"},
      "posted_at":   {"type": "date"},
      "ingested_at": {"type": "date"},
      "file_name":   {"type": "text"},
      "caption":     {"type": "text"},
      "mime_type":   {"type": "keyword"},
      "metadata":    {"type": "object", "enabled": false}
    }
  }
}`

type document struct {
	SourceID   string            `json:"source_id"`
	MessageID  int64             `json:"message_id"`
	Kind       string            `json:"kind"`
	PostedAt   time.Time         `json:"posted_at"`
	IngestedAt time.Time         `json:"ingested_at"`
	FileName   string            `json:"file_name,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Ingestor implements crawler.Ingestor on an Elasticsearch index.
type Ingestor struct {
	client *es.Client
	index  string
	now    func() time.Time
	logger *zap.Logger
}

var _ crawler.Ingestor = (*Ingestor)(nil)

// New returns an Ingestor writing to index.
func New(client *es.Client, index string, logger *zap.Logger) (*Ingestor, error) {
	if client == nil {
		return nil, errors.New("elasticsearch client is required")
	}
	if index == "" {
		return nil, errors.New("elasticsearch index is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		client: client,
		index:  index,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}, nil
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (i *Ingestor) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.index}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", i.index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index %s: %s", i.index, res.Status())
	}

	res, err = i.client.Indices.Create(
		i.index,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", i.index, err)
	}
	defer res.Body.Close()
	// Another process may have won the race.
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("create index %s: %s", i.index, res.String())
	}
	i.logger.Info("search index ready", zap.String("index", i.index))
	return nil
}

// Ingest creates the document for item. An existing document yields
// crawler.Duplicate.
func (i *Ingestor) Ingest(ctx context.Context, item crawler.Item) (crawler.IngestResult, error) {
	doc := document{
		SourceID:   item.SourceID,
		MessageID:  item.MessageID,
		Kind:       string(item.Kind),
		PostedAt:   item.PostedAt,
		IngestedAt: i.now(),
		FileName:   item.Metadata["file_name"],
		Caption:    item.Metadata["caption"],
		MimeType:   item.Metadata["mime_type"],
		Metadata:   item.Metadata,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal item %s: %w", item.ID, err)
	}

	res, err := i.client.Create(
		i.index,
		item.ID,
		bytes.NewReader(body),
		i.client.Create.WithContext(ctx),
	)
	if err != nil {
		return 0, fmt.Errorf("index item %s: %w: %w", item.ID, crawler.ErrTransient, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return crawler.Duplicate, nil
	}
	if res.IsError() {
		return 0, responseError(item.ID, res)
	}
	return crawler.Ingested, nil
}

func responseError(id string, res *esapi.Response) error {
	if res.StatusCode == http.StatusTooManyRequests {
		wait := 5 * time.Second
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return fmt.Errorf("index item %s: %w", id, crawler.RateLimited(wait))
	}
	return fmt.Errorf("index item %s: %w: %s", id, crawler.ErrTransient, res.String())
}
