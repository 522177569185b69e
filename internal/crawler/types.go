package crawler

import (
	"fmt"
	"time"
)

// Tier is the priority class of a Source. Higher tiers are crawled more often.
type Tier int

// Tier bounds. TierInactive sources are never scheduled.
const (
	TierInactive Tier = 0
	TierMax      Tier = 5
)

// Valid reports whether t is within [0,5].
func (t Tier) Valid() bool {
	return t >= TierInactive && t <= TierMax
}

// AllTiers lists schedulable tiers from highest to lowest.
func AllTiers() []Tier {
	return []Tier{5, 4, 3, 2, 1}
}

// Lock marks a Source as being crawled by Owner since AcquiredAt.
type Lock struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Expired reports whether the lock is older than ttl at now.
func (l *Lock) Expired(now time.Time, ttl time.Duration) bool {
	if l == nil {
		return true
	}
	return !l.AcquiredAt.After(now.Add(-ttl))
}

// SourceStats is the decayed activity sample the Scorer reads.
type SourceStats struct {
	SampleMessages int64     `json:"sample_messages"`
	SampleItems    int64     `json:"sample_items"`
	LastItemAt     time.Time `json:"last_item_at"`
	MemberCount    int64     `json:"member_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Source is a remote feed tracked and periodically re-crawled.
type Source struct {
	ID           string      `json:"id"`
	Handle       string      `json:"handle,omitempty"`
	Tier         Tier        `json:"tier"`
	TierPinned   bool        `json:"tier_pinned"`
	CursorOffset int64       `json:"cursor_offset"`
	CursorDate   *time.Time  `json:"cursor_date,omitempty"`
	ItemCount    int64       `json:"item_count"`
	Stats        SourceStats `json:"stats"`
	Lock         *Lock       `json:"lock,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Ref returns the identifier used when talking to the feed provider.
func (s Source) Ref() string {
	if s.Handle != "" {
		return s.Handle
	}
	return s.ID
}

// NeverCrawled reports whether no crawl has completed for the source yet.
func (s Source) NeverCrawled() bool {
	return s.CursorDate == nil && s.CursorOffset == 0
}

// TaskType enumerates the work units a Worker understands.
type TaskType string

// Supported task types.
const (
	TaskCrawlSource    TaskType = "crawl_source"
	TaskCrawlRecent    TaskType = "crawl_recent"
	TaskCheckCandidate TaskType = "check_candidate"
	// TaskSweepTier only travels on the scheduler queue and asks the
	// scheduler to sweep Task.Tier now.
	TaskSweepTier TaskType = "sweep_tier"
)

// Valid reports whether the task type is known.
func (t TaskType) Valid() bool {
	switch t {
	case TaskCrawlSource, TaskCrawlRecent, TaskCheckCandidate, TaskSweepTier:
		return true
	default:
		return false
	}
}

// Task is a unit of work published by the Scheduler and consumed by a Worker.
// It is immutable once published.
type Task struct {
	ID         string            `json:"task_id"`
	Type       TaskType          `json:"type"`
	SourceID   string            `json:"source_id,omitempty"`
	SourceRef  string            `json:"source_ref"`
	Tier       Tier              `json:"tier"`
	Args       map[string]string `json:"args,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Validate checks the fields every handler relies on.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if t.Type == TaskSweepTier {
		if t.Tier <= TierInactive || t.Tier > TierMax {
			return fmt.Errorf("task %s: tier %d cannot be swept", t.ID, t.Tier)
		}
		return nil
	}
	if t.SourceRef == "" && t.SourceID == "" {
		return fmt.Errorf("task %s has no source reference", t.ID)
	}
	if t.Type != TaskCheckCandidate && t.SourceID == "" {
		return fmt.Errorf("task %s requires source_id", t.ID)
	}
	return nil
}

// MediaKind classifies tracked message attachments.
type MediaKind string

// Tracked media kinds.
const (
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaPhoto    MediaKind = "photo"
)

// Media describes a file attached to a provider message.
type Media struct {
	// FileUniqueID is the provider's stable identity for the file content.
	FileUniqueID string    `json:"file_unique_id"`
	Kind         MediaKind `json:"kind"`
	FileName     string    `json:"file_name,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Size         int64     `json:"size,omitempty"`
}

// Message is one entry of a source's history in provider-native order.
type Message struct {
	ID            int64     `json:"id"`
	Date          time.Time `json:"date"`
	Text          string    `json:"text,omitempty"`
	Media         *Media    `json:"media,omitempty"`
	ForwardedFrom string    `json:"forwarded_from,omitempty"`
}

// Item is a content-addressed media entry extracted from a Message.
type Item struct {
	ID        string            `json:"id"`
	SourceID  string            `json:"source_id"`
	MessageID int64             `json:"message_id"`
	Kind      MediaKind         `json:"kind"`
	PostedAt  time.Time         `json:"posted_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SourceMeta is what the provider reports about a source.
type SourceMeta struct {
	ID            string `json:"id"`
	Handle        string `json:"handle,omitempty"`
	Title         string `json:"title,omitempty"`
	MemberCount   int64  `json:"member_count"`
	LastMessageID int64  `json:"last_message_id"`
}

// Direction selects the paging direction of a history request.
type Direction string

// Paging directions.
const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// HistoryRequest asks the provider for a page of messages. Forward pages
// return messages with ID > Offset ascending; Backward pages return the
// newest messages with ID < Offset (or the latest when Offset is 0),
// still ascending.
type HistoryRequest struct {
	Offset    int64
	Direction Direction
	Limit     int
}

// CandidateStatus is the lifecycle state of a CandidateSource.
type CandidateStatus string

// Candidate lifecycle.
const (
	CandidatePending   CandidateStatus = "pending"
	CandidateValidated CandidateStatus = "validated"
	CandidateDiscarded CandidateStatus = "discarded"
)

// CandidateSource is a discovered but not yet validated source.
type CandidateSource struct {
	Ref            string          `json:"ref"`
	DiscoveredFrom string          `json:"discovered_from,omitempty"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	Mentions       int64           `json:"mentions"`
	Status         CandidateStatus `json:"status"`
	EnqueuedAt     *time.Time      `json:"enqueued_at,omitempty"`
}

// IngestResult reports what the storage/search collaborator did with an Item.
type IngestResult int

// Ingest outcomes.
const (
	Ingested IngestResult = iota
	Duplicate
)

// String implements fmt.Stringer.
func (r IngestResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "ingested"
}

// TierCount is an aggregate row for operator reporting.
type TierCount struct {
	Tier    Tier  `json:"tier"`
	Sources int64 `json:"sources"`
	Locked  int64 `json:"locked"`
	Items   int64 `json:"items"`
}
