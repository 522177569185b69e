package crawler

import (
	"context"
	"io"
	"time"
)

// SourceStore persists Sources with their cursor, lock and tier.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (Source, error)
	// UpsertSource inserts the source or refreshes handle/tier/stats of an
	// existing unpinned one. Stats with a zero UpdatedAt keep the stored
	// sample. Cursor and lock fields are never touched.
	UpsertSource(ctx context.Context, src Source) error
	// ListDue returns sources of the given tier whose cursor_date is before
	// staleBefore (or unset) and which hold no lock newer than lockExpiry,
	// ordered by cursor_date ascending (unset first) then id.
	ListDue(ctx context.Context, tier Tier, staleBefore, lockExpiry time.Time, limit int) ([]Source, error)
	// AcquireLock atomically sets the lock when it is unset or acquired
	// before now-ttl. It reports whether owner now holds the lock.
	AcquireLock(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, id, owner string) error
	// SaveCursor advances the cursor; offsets never move backward.
	SaveCursor(ctx context.Context, id string, offset int64, at time.Time, itemDelta int64) error
	SaveStats(ctx context.Context, id string, stats SourceStats) error
	SetTier(ctx context.Context, id string, tier Tier, pinned bool) error
	// Deactivate soft-disables a source (tier 0) without deleting it.
	Deactivate(ctx context.Context, id string) error
	// RecoverLocks clears locks acquired before olderThan.
	RecoverLocks(ctx context.Context, olderThan time.Time) (int64, error)
	TierCounts(ctx context.Context, lockExpiry time.Time) ([]TierCount, error)
}

// CandidateStore tracks discovered sources awaiting validation.
type CandidateStore interface {
	UpsertCandidates(ctx context.Context, candidates []CandidateSource) error
	ListPendingCandidates(ctx context.Context, requeueBefore time.Time, limit int) ([]CandidateSource, error)
	MarkCandidateEnqueued(ctx context.Context, ref string, at time.Time) error
	ResolveCandidate(ctx context.Context, ref string, status CandidateStatus) error
}

// DedupIndex is a persistent set of already ingested item ids per namespace.
type DedupIndex interface {
	Contains(ctx context.Context, namespace, itemID string) (bool, error)
	// Add records itemID and reports whether it was newly added.
	Add(ctx context.Context, namespace, itemID string) (bool, error)
}

// Handler processes one delivered Task. A nil return acknowledges it.
type Handler func(ctx context.Context, task Task) error

// Broker moves Tasks from the Scheduler to Workers, one queue per identity.
type Broker interface {
	// Publish returns once the task is durably accepted, not executed.
	Publish(ctx context.Context, queue string, task Task) error
	// Consume blocks delivering tasks from queue to handler until ctx ends.
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// Provider is the feed-provider capability used by a Worker.
type Provider interface {
	GetSourceInfo(ctx context.Context, ref string) (SourceMeta, error)
	History(ctx context.Context, ref string, req HistoryRequest) ([]Message, error)
}

// Ingestor hands items to the storage/search collaborator.
type Ingestor interface {
	Ingest(ctx context.Context, item Item) (IngestResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// CandidateEmitter receives discovered sources. Implementations never block.
type CandidateEmitter interface {
	Emit(candidate CandidateSource)
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
