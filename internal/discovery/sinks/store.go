package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// StoreSink persists candidates through a crawler.CandidateStore. Mentions
// accumulate across batches; already resolved refs are left untouched by the
// store.
type StoreSink struct {
	candidates crawler.CandidateStore
	logger     *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(candidates crawler.CandidateStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{candidates: candidates, logger: logger}
}

// Consume forwards the batch in one upsert and returns store errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []crawler.CandidateSource) error {
	if s == nil || s.candidates == nil || len(batch) == 0 {
		return nil
	}
	if err := s.candidates.UpsertCandidates(ctx, batch); err != nil {
		return fmt.Errorf("upsert candidates: %w", err)
	}
	s.logger.Debug("candidates persisted", zap.Int("count", len(batch)))
	return nil
}

// Close implements discovery.Sink; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
