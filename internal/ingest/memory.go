package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Memory keeps ingested items in a map keyed by item id.
type Memory struct {
	mu       sync.Mutex
	items    map[string]crawler.Item
	failures []error
}

// NewMemory returns an empty Memory ingestor.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]crawler.Item)}
}

// Ingest stores item unless its id is already present.
func (m *Memory) Ingest(_ context.Context, item crawler.Item) (crawler.IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return 0, err
	}
	if _, ok := m.items[item.ID]; ok {
		return crawler.Duplicate, nil
	}
	m.items[item.ID] = item
	return crawler.Ingested, nil
}

// FailNext queues errors returned by the next Ingest calls.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Items returns the stored items ordered by source then message id.
func (m *Memory) Items() []crawler.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawler.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// Len returns the number of stored items.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
