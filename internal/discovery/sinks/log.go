package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// LogSink logs every candidate. It is useful during development when no
// candidate store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each candidate using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []crawler.CandidateSource) error {
	for _, c := range batch {
		s.logger.Info("candidate discovered",
			zap.String("ref", c.Ref),
			zap.String("discovered_from", c.DiscoveredFrom),
			zap.Int64("mentions", c.Mentions),
			zap.Time("first_seen_at", c.FirstSeenAt),
		)
	}
	return nil
}

// Close implements discovery.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
