package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
	"github.com/JakeFAU/feedindex-crawler/internal/scorer"
)

// Operator exposes manual controls. It works from any process that can
// reach the store and the broker; sweep requests are forwarded to the
// running scheduler through the scheduler queue.
type Operator struct {
	store      crawler.SourceStore
	broker     crawler.Broker
	scorer     *scorer.Scorer
	ids        crawler.IDGenerator
	clock      crawler.Clock
	identities []string
	lockTTL    time.Duration
	logger     *zap.Logger
}

// NewOperator builds an Operator sharing the scheduler's config.
func NewOperator(cfg Config, deps Deps) (*Operator, error) {
	cfg = cfg.withDefaults()
	switch {
	case deps.Store == nil:
		return nil, errors.New("operator requires a source store")
	case deps.IDs == nil:
		return nil, errors.New("operator requires an id generator")
	case deps.Clock == nil:
		return nil, errors.New("operator requires a clock")
	}
	if deps.Scorer == nil {
		sc, err := scorer.New(scorer.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("default scorer: %w", err)
		}
		deps.Scorer = sc
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Operator{
		store:      deps.Store,
		broker:     deps.Broker,
		scorer:     deps.Scorer,
		ids:        deps.IDs,
		clock:      deps.Clock,
		identities: cfg.Identities,
		lockTTL:    cfg.LockTTL,
		logger:     logger,
	}, nil
}

// Enqueue publishes a crawl task for one source regardless of its cadence.
// recent selects crawl_recent. Inactive sources are rejected since workers
// skip them; retier them first.
func (o *Operator) Enqueue(ctx context.Context, sourceID string, recent bool) (crawler.Task, error) {
	if o.broker == nil || len(o.identities) == 0 {
		return crawler.Task{}, errors.New("enqueue requires a broker and identities")
	}
	src, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return crawler.Task{}, fmt.Errorf("lookup source %s: %w", sourceID, err)
	}
	if src.Tier == crawler.TierInactive {
		return crawler.Task{}, fmt.Errorf("source %s: %w, retier it before enqueueing", sourceID, crawler.ErrSourceInactive)
	}
	taskType := crawler.TaskCrawlSource
	if recent {
		taskType = crawler.TaskCrawlRecent
	}
	id, err := o.ids.NewID()
	if err != nil {
		return crawler.Task{}, fmt.Errorf("task id: %w", err)
	}
	task := crawler.Task{
		ID:         id,
		Type:       taskType,
		SourceID:   src.ID,
		SourceRef:  src.Ref(),
		Tier:       src.Tier,
		EnqueuedAt: o.clock.Now(),
	}
	q := queue.QueueName(pickIdentity(o.identities, src.ID))
	if err := o.broker.Publish(ctx, q, task); err != nil {
		return crawler.Task{}, fmt.Errorf("publish %s: %w", task.ID, err)
	}
	o.logger.Info("crawl enqueued", zap.String("task_id", task.ID), zap.String("source_id", src.ID), zap.String("queue", q))
	return task, nil
}

// RequestSweep asks the scheduler to sweep tier outside its cadence.
func (o *Operator) RequestSweep(ctx context.Context, tier crawler.Tier) (crawler.Task, error) {
	if o.broker == nil {
		return crawler.Task{}, errors.New("sweep request requires a broker")
	}
	id, err := o.ids.NewID()
	if err != nil {
		return crawler.Task{}, fmt.Errorf("task id: %w", err)
	}
	task := crawler.Task{ID: id, Type: crawler.TaskSweepTier, Tier: tier, EnqueuedAt: o.clock.Now()}
	if err := task.Validate(); err != nil {
		return crawler.Task{}, err
	}
	if err := o.broker.Publish(ctx, queue.SchedulerQueue, task); err != nil {
		return crawler.Task{}, fmt.Errorf("publish %s: %w", task.ID, err)
	}
	return task, nil
}

// Retier pins sourceID to tier. A nil tier clears the pin and restores the
// scored tier.
func (o *Operator) Retier(ctx context.Context, sourceID string, tier *crawler.Tier) (crawler.Tier, error) {
	if tier != nil {
		if !tier.Valid() {
			return 0, fmt.Errorf("tier %d out of range", *tier)
		}
		if err := o.store.SetTier(ctx, sourceID, *tier, true); err != nil {
			return 0, fmt.Errorf("set tier: %w", err)
		}
		o.logger.Info("tier pinned", zap.String("source_id", sourceID), zap.Int("tier", int(*tier)))
		return *tier, nil
	}
	src, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("lookup source %s: %w", sourceID, err)
	}
	next := o.scorer.ScoreStats(src.Stats, o.clock.Now()).Tier
	if src.Stats.UpdatedAt.IsZero() {
		next = src.Tier
	}
	if err := o.store.SetTier(ctx, sourceID, next, false); err != nil {
		return 0, fmt.Errorf("set tier: %w", err)
	}
	o.logger.Info("tier unpinned", zap.String("source_id", sourceID), zap.Int("tier", int(next)))
	return next, nil
}

// TierCounts reports sources, live locks and items per tier.
func (o *Operator) TierCounts(ctx context.Context) ([]crawler.TierCount, error) {
	counts, err := o.store.TierCounts(ctx, o.clock.Now().Add(-o.lockTTL))
	if err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	return counts, nil
}

// RecoverLocks clears locks older than the lock TTL, as left by crashed
// workers.
func (o *Operator) RecoverLocks(ctx context.Context) (int64, error) {
	n, err := o.store.RecoverLocks(ctx, o.clock.Now().Add(-o.lockTTL))
	if err != nil {
		return 0, fmt.Errorf("recover locks: %w", err)
	}
	if n > 0 {
		o.logger.Info("stale locks recovered", zap.Int64("count", n))
	}
	return n, nil
}
