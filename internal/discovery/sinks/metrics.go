package sinks

import (
	"context"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/metrics"
)

// MetricsSink counts discovered candidates and their mentions.
type MetricsSink struct{}

// NewMetricsSink returns a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume increments feedcrawl_candidates_total.
func (MetricsSink) Consume(_ context.Context, batch []crawler.CandidateSource) error {
	metrics.ObserveCandidates("discovered", len(batch))
	var mentions int64
	for _, c := range batch {
		mentions += c.Mentions
	}
	metrics.ObserveCandidates("mentioned", int(mentions))
	return nil
}

// Close implements discovery.Sink; it performs no action.
func (MetricsSink) Close(context.Context) error {
	return nil
}
