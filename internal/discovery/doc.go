// Package discovery collects CandidateSource facts emitted by workers and
// fans them out in batches to sinks. Emit never blocks the crawl loop.
package discovery
