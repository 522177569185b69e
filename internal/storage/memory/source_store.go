package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// SourceStore is an in-memory SourceStore and CandidateStore for development
// and tests. A single mutex makes every lock operation atomic.
type SourceStore struct {
	mu         sync.Mutex
	sources    map[string]crawler.Source
	candidates map[string]crawler.CandidateSource
	now        func() time.Time
}

// NewSourceStore constructs an empty SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{
		sources:    make(map[string]crawler.Source),
		candidates: make(map[string]crawler.CandidateSource),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GetSource returns a copy of the stored source.
func (s *SourceStore) GetSource(_ context.Context, id string) (crawler.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return cloneSource(src), nil
}

// UpsertSource inserts src or refreshes the mutable descriptive fields.
func (s *SourceStore) UpsertSource(_ context.Context, src crawler.Source) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sources[src.ID]
	if !ok {
		if src.CreatedAt.IsZero() {
			src.CreatedAt = s.now()
		}
		src.Lock = nil
		s.sources[src.ID] = cloneSource(src)
		return nil
	}
	if src.Handle != "" {
		existing.Handle = src.Handle
	}
	if !existing.TierPinned {
		existing.Tier = src.Tier
	}
	if !src.Stats.UpdatedAt.IsZero() {
		existing.Stats = src.Stats
	}
	s.sources[src.ID] = existing
	return nil
}

// ListDue returns due sources of tier ordered by staleness.
func (s *SourceStore) ListDue(
	_ context.Context,
	tier crawler.Tier,
	staleBefore, lockExpiry time.Time,
	limit int,
) ([]crawler.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Source, 0)
	for _, src := range s.sources {
		if src.Tier != tier {
			continue
		}
		if src.CursorDate != nil && !src.CursorDate.Before(staleBefore) {
			continue
		}
		if src.Lock != nil && src.Lock.AcquiredAt.After(lockExpiry) {
			continue
		}
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CursorDate, out[j].CursorDate
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcquireLock sets the lock under the store mutex when it is free or expired.
func (s *SourceStore) AcquireLock(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return false, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	if !src.Lock.Expired(now, ttl) {
		return false, nil
	}
	src.Lock = &crawler.Lock{Owner: owner, AcquiredAt: now}
	s.sources[id] = src
	return true, nil
}

// ReleaseLock clears the lock if owner still holds it.
func (s *SourceStore) ReleaseLock(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil
	}
	if src.Lock != nil && src.Lock.Owner == owner {
		src.Lock = nil
		s.sources[id] = src
	}
	return nil
}

// SaveCursor advances the cursor and adds itemDelta to the item count.
func (s *SourceStore) SaveCursor(_ context.Context, id string, offset int64, at time.Time, itemDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	if offset > src.CursorOffset {
		src.CursorOffset = offset
	}
	if !at.IsZero() {
		t := at
		src.CursorDate = &t
	}
	src.ItemCount += itemDelta
	s.sources[id] = src
	return nil
}

// SaveStats replaces the scorer sample.
func (s *SourceStore) SaveStats(_ context.Context, id string, stats crawler.SourceStats) error {
	return s.update(id, func(src *crawler.Source) { src.Stats = stats })
}

// SetTier writes tier and the pinned flag.
func (s *SourceStore) SetTier(_ context.Context, id string, tier crawler.Tier, pinned bool) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %d", tier)
	}
	return s.update(id, func(src *crawler.Source) {
		src.Tier = tier
		src.TierPinned = pinned
	})
}

// Deactivate sets the tier to 0 and clears any pin.
func (s *SourceStore) Deactivate(_ context.Context, id string) error {
	return s.update(id, func(src *crawler.Source) {
		src.Tier = crawler.TierInactive
		src.TierPinned = false
	})
}

// RecoverLocks clears locks acquired before olderThan.
func (s *SourceStore) RecoverLocks(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, src := range s.sources {
		if src.Lock != nil && src.Lock.AcquiredAt.Before(olderThan) {
			src.Lock = nil
			s.sources[id] = src
			n++
		}
	}
	return n, nil
}

// TierCounts aggregates sources per tier, highest tier first.
func (s *SourceStore) TierCounts(_ context.Context, lockExpiry time.Time) ([]crawler.TierCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTier := make(map[crawler.Tier]*crawler.TierCount)
	for _, src := range s.sources {
		tc, ok := byTier[src.Tier]
		if !ok {
			tc = &crawler.TierCount{Tier: src.Tier}
			byTier[src.Tier] = tc
		}
		tc.Sources++
		tc.Items += src.ItemCount
		if src.Lock != nil && src.Lock.AcquiredAt.After(lockExpiry) {
			tc.Locked++
		}
	}
	out := make([]crawler.TierCount, 0, len(byTier))
	for _, tc := range byTier {
		out = append(out, *tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier > out[j].Tier })
	return out, nil
}

// UpsertCandidates records discoveries, summing mentions of known refs.
func (s *SourceStore) UpsertCandidates(_ context.Context, candidates []crawler.CandidateSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candidates {
		if c.Ref == "" {
			continue
		}
		existing, ok := s.candidates[c.Ref]
		if !ok {
			if c.Status == "" {
				c.Status = crawler.CandidatePending
			}
			if c.Mentions <= 0 {
				c.Mentions = 1
			}
			s.candidates[c.Ref] = c
			continue
		}
		if c.Mentions <= 0 {
			c.Mentions = 1
		}
		existing.Mentions += c.Mentions
		s.candidates[c.Ref] = existing
	}
	return nil
}

// ListPendingCandidates returns pending candidates never enqueued or
// enqueued before requeueBefore, most mentioned first.
func (s *SourceStore) ListPendingCandidates(
	_ context.Context,
	requeueBefore time.Time,
	limit int,
) ([]crawler.CandidateSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.CandidateSource, 0)
	for _, c := range s.candidates {
		if c.Status != crawler.CandidatePending {
			continue
		}
		if c.EnqueuedAt != nil && !c.EnqueuedAt.Before(requeueBefore) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].Ref < out[j].Ref
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkCandidateEnqueued stamps the enqueue time.
func (s *SourceStore) MarkCandidateEnqueued(_ context.Context, ref string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[ref]
	if !ok {
		return fmt.Errorf("candidate %s: %w", ref, crawler.ErrNotFound)
	}
	t := at
	c.EnqueuedAt = &t
	s.candidates[ref] = c
	return nil
}

// ResolveCandidate moves a candidate to a final status.
func (s *SourceStore) ResolveCandidate(_ context.Context, ref string, status crawler.CandidateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[ref]
	if !ok {
		c = crawler.CandidateSource{Ref: ref, FirstSeenAt: s.now(), Mentions: 1}
	}
	c.Status = status
	s.candidates[ref] = c
	return nil
}

// Candidate returns a stored candidate.
func (s *SourceStore) Candidate(ref string) (crawler.CandidateSource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[ref]
	return c, ok
}

func (s *SourceStore) update(id string, fn func(*crawler.Source)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	fn(&src)
	s.sources[id] = src
	return nil
}

func cloneSource(src crawler.Source) crawler.Source {
	out := src
	if src.CursorDate != nil {
		t := *src.CursorDate
		out.CursorDate = &t
	}
	if src.Lock != nil {
		l := *src.Lock
		out.Lock = &l
	}
	return out
}
