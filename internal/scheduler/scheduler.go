// Package scheduler decides which sources are due, re-scores them and
// publishes crawl tasks to the identity queues. It never crawls itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/metrics"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
	"github.com/JakeFAU/feedindex-crawler/internal/scorer"
)

// Config controls sweep cadence and sizing.
type Config struct {
	// Cadences maps each tier to a cron spec ("@every 1h", "0 */6 * * *").
	Cadences map[crawler.Tier]string `mapstructure:"cadences"`
	// TickInterval is how often the loop checks whether a tier is due.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// SweepBudget caps how many tasks one tier sweep publishes.
	SweepBudget int           `mapstructure:"sweep_budget"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	// CandidateCadence is the cron spec of the candidate sweep. Empty
	// disables it.
	CandidateCadence string        `mapstructure:"candidate_cadence"`
	CandidateBudget  int           `mapstructure:"candidate_budget"`
	CandidateRequeue time.Duration `mapstructure:"candidate_requeue"`
	Identities       []string      `mapstructure:"identities"`
	// DisableRescore keeps stored tiers as they are during sweeps.
	DisableRescore bool `mapstructure:"disable_rescore"`
}

// DefaultConfig returns the cadences used when none are configured.
func DefaultConfig() Config {
	return Config{
		Cadences: map[crawler.Tier]string{
			5: "@every 1h",
			4: "@every 3h",
			3: "@every 6h",
			2: "@every 12h",
			1: "@every 24h",
		},
		TickInterval:     time.Minute,
		SweepBudget:      500,
		LockTTL:          30 * time.Minute,
		CandidateCadence: "@every 15m",
		CandidateBudget:  100,
		CandidateRequeue: 6 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cadences == nil {
		c.Cadences = def.Cadences
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.SweepBudget <= 0 {
		c.SweepBudget = def.SweepBudget
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.CandidateBudget <= 0 {
		c.CandidateBudget = def.CandidateBudget
	}
	if c.CandidateRequeue <= 0 {
		c.CandidateRequeue = def.CandidateRequeue
	}
	return c
}

// Deps are the scheduler's collaborators. Candidates is optional.
type Deps struct {
	Store      crawler.SourceStore
	Candidates crawler.CandidateStore
	Broker     crawler.Broker
	Scorer     *scorer.Scorer
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// SweepResult summarizes one tier sweep.
type SweepResult struct {
	Tier      crawler.Tier
	Listed    int
	Published int
	Failed    int
	Retiered  int
	Inactive  int
}

// Scheduler owns the per-tier cadence loop.
type Scheduler struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	schedules map[crawler.Tier]cron.Schedule
	candidate cron.Schedule
	trigger   chan crawler.Tier

	mu            sync.Mutex
	next          map[crawler.Tier]time.Time
	nextCandidate time.Time
}

// New parses the cadences and validates deps.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	switch {
	case deps.Store == nil:
		return nil, errors.New("scheduler requires a source store")
	case deps.Broker == nil:
		return nil, errors.New("scheduler requires a broker")
	case deps.IDs == nil:
		return nil, errors.New("scheduler requires an id generator")
	case deps.Clock == nil:
		return nil, errors.New("scheduler requires a clock")
	case len(cfg.Identities) == 0:
		return nil, errors.New("scheduler requires at least one identity")
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

	schedules := make(map[crawler.Tier]cron.Schedule, len(cfg.Cadences))
	for _, tier := range crawler.AllTiers() {
		spec, ok := cfg.Cadences[tier]
		if !ok {
			return nil, fmt.Errorf("no cadence configured for tier %d", tier)
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("tier %d cadence %q: %w", tier, spec, err)
		}
		schedules[tier] = sched
	}
	var candidate cron.Schedule
	if cfg.CandidateCadence != "" && deps.Candidates != nil {
		sched, err := cron.ParseStandard(cfg.CandidateCadence)
		if err != nil {
			return nil, fmt.Errorf("candidate cadence %q: %w", cfg.CandidateCadence, err)
		}
		candidate = sched
	}

	return &Scheduler{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		schedules: schedules,
		candidate: candidate,
		trigger:   make(chan crawler.Tier, 16),
		next:      make(map[crawler.Tier]time.Time),
	}, nil
}

// Run ticks until ctx ends. Every tier is swept on the first tick, then on
// its cadence. Sweep requests arrive from TriggerTier and from sweep_tier
// tasks on the scheduler queue.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Strings("identities", s.cfg.Identities),
		zap.Duration("tick", s.cfg.TickInterval),
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.deps.Broker.Consume(ctx, queue.SchedulerQueue, s.handleTrigger); err != nil {
			s.logger.Warn("scheduler queue consumer stopped", zap.Error(err))
		}
	}()
	defer wg.Wait()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		case tier := <-s.trigger:
			if _, err := s.Sweep(ctx, tier); err != nil {
				s.logger.Warn("triggered sweep failed", zap.Int("tier", int(tier)), zap.Error(err))
			}
		}
	}
}

// TriggerTier asks a running scheduler to sweep tier now.
func (s *Scheduler) TriggerTier(tier crawler.Tier) error {
	if tier <= crawler.TierInactive || tier > crawler.TierMax {
		return fmt.Errorf("tier %d cannot be swept", tier)
	}
	select {
	case s.trigger <- tier:
		return nil
	default:
		return errors.New("sweep trigger queue is full")
	}
}

func (s *Scheduler) handleTrigger(ctx context.Context, task crawler.Task) error {
	if err := task.Validate(); err != nil || task.Type != crawler.TaskSweepTier {
		s.logger.Warn("dropping scheduler task", zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
		return nil
	}
	select {
	case s.trigger <- task.Tier:
	case <-ctx.Done():
	}
	return nil
}

// Tick sweeps every tier whose cadence has elapsed, then candidates.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.deps.Clock.Now()
	for _, tier := range crawler.AllTiers() {
		if ctx.Err() != nil {
			return
		}
		if !s.due(tier, now) {
			continue
		}
		if _, err := s.Sweep(ctx, tier); err != nil {
			s.logger.Warn("sweep failed", zap.Int("tier", int(tier)), zap.Error(err))
		}
	}
	if s.candidate == nil || ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	run := !now.Before(s.nextCandidate)
	if run {
		s.nextCandidate = s.candidate.Next(now)
	}
	s.mu.Unlock()
	if run {
		if _, err := s.SweepCandidates(ctx); err != nil {
			s.logger.Warn("candidate sweep failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) due(tier crawler.Tier, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.next[tier]) {
		return false
	}
	s.next[tier] = s.schedules[tier].Next(now)
	return true
}

// interval approximates the cadence period of tier around now.
func (s *Scheduler) interval(tier crawler.Tier, now time.Time) time.Duration {
	sched := s.schedules[tier]
	first := sched.Next(now)
	return sched.Next(first).Sub(first)
}

// staleBefore is the cursor date a tier-tier source must predate to be due.
// A tenth of the cadence is forgiven so a crawl that finished just after the
// previous sweep is not pushed back a whole period.
func (s *Scheduler) staleBefore(tier crawler.Tier, now time.Time) time.Time {
	iv := s.interval(tier, now)
	return now.Add(-iv + iv/10)
}

// Sweep lists due sources of tier, re-scores them and publishes one task per
// source to its identity queue. Publish failures are counted and skipped.
func (s *Scheduler) Sweep(ctx context.Context, tier crawler.Tier) (SweepResult, error) {
	res := SweepResult{Tier: tier}
	if _, ok := s.schedules[tier]; !ok {
		return res, fmt.Errorf("tier %d cannot be swept", tier)
	}
	now := s.deps.Clock.Now()
	due, err := s.deps.Store.ListDue(ctx, tier, s.staleBefore(tier, now), now.Add(-s.cfg.LockTTL), s.cfg.SweepBudget)
	if err != nil {
		return res, fmt.Errorf("list due tier %d: %w", tier, err)
	}
	res.Listed = len(due)

	for _, src := range due {
		if ctx.Err() != nil {
			break
		}
		effective, err := s.rescore(ctx, src, now)
		if err != nil {
			s.logger.Warn("rescore failed", zap.String("source_id", src.ID), zap.Error(err))
			effective = src.Tier
		}
		if effective != src.Tier {
			res.Retiered++
		}
		if effective == crawler.TierInactive {
			res.Inactive++
			continue
		}
		taskType := crawler.TaskCrawlSource
		if src.NeverCrawled() {
			taskType = crawler.TaskCrawlRecent
		}
		if err := s.publish(ctx, s.identityFor(src.ID), taskType, src.ID, src.Ref(), effective, now); err != nil {
			res.Failed++
			metrics.ObserveSweepPublish(int(tier), "failed")
			s.logger.Warn("publish crawl task failed", zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		res.Published++
		metrics.ObserveSweepPublish(int(tier), "published")
	}

	s.logger.Info("tier swept",
		zap.Int("tier", int(tier)),
		zap.Int("listed", res.Listed),
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
		zap.Int("retiered", res.Retiered),
		zap.Int("inactive", res.Inactive),
	)
	return res, nil
}

// rescore returns the tier src should be crawled at, persisting a change.
// Pinned sources and sources without stats keep their tier.
func (s *Scheduler) rescore(ctx context.Context, src crawler.Source, now time.Time) (crawler.Tier, error) {
	if s.cfg.DisableRescore || src.TierPinned || src.Stats.UpdatedAt.IsZero() {
		return src.Tier, nil
	}
	r := s.deps.Scorer.ScoreStats(src.Stats, now)
	if r.Tier == src.Tier {
		return src.Tier, nil
	}
	if err := s.deps.Store.SetTier(ctx, src.ID, r.Tier, false); err != nil {
		return src.Tier, err
	}
	s.logger.Info("source retiered",
		zap.String("source_id", src.ID),
		zap.Int("from", int(src.Tier)),
		zap.Int("to", int(r.Tier)),
		zap.String("reason", r.Reason),
	)
	return r.Tier, nil
}

// SweepCandidates publishes check_candidate tasks for pending candidates
// that were never enqueued or whose last enqueue is older than the requeue
// interval.
func (s *Scheduler) SweepCandidates(ctx context.Context) (int, error) {
	if s.deps.Candidates == nil {
		return 0, nil
	}
	now := s.deps.Clock.Now()
	pending, err := s.deps.Candidates.ListPendingCandidates(ctx, now.Add(-s.cfg.CandidateRequeue), s.cfg.CandidateBudget)
	if err != nil {
		return 0, fmt.Errorf("list pending candidates: %w", err)
	}
	published := 0
	for _, c := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := s.publish(ctx, s.identityFor(c.Ref), crawler.TaskCheckCandidate, "", c.Ref, crawler.TierInactive, now); err != nil {
			s.logger.Warn("publish candidate task failed", zap.String("ref", c.Ref), zap.Error(err))
			continue
		}
		if err := s.deps.Candidates.MarkCandidateEnqueued(ctx, c.Ref, now); err != nil {
			s.logger.Warn("mark candidate enqueued failed", zap.String("ref", c.Ref), zap.Error(err))
		}
		published++
	}
	if published > 0 {
		metrics.ObserveCandidates("enqueued", published)
	}
	s.logger.Info("candidates swept", zap.Int("pending", len(pending)), zap.Int("published", published))
	return published, nil
}

func (s *Scheduler) publish(
	ctx context.Context,
	identity string,
	taskType crawler.TaskType,
	sourceID, ref string,
	tier crawler.Tier,
	now time.Time,
) error {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	task := crawler.Task{
		ID:         id,
		Type:       taskType,
		SourceID:   sourceID,
		SourceRef:  ref,
		Tier:       tier,
		EnqueuedAt: now,
	}
	if err := s.deps.Broker.Publish(ctx, queue.QueueName(identity), task); err != nil {
		return fmt.Errorf("publish %s: %w", task.ID, err)
	}
	return nil
}

func (s *Scheduler) identityFor(key string) string {
	return pickIdentity(s.cfg.Identities, key)
}

// pickIdentity maps key onto identities with a stable FNV hash so a source
// always lands on the same queue while the identity set is unchanged.
func pickIdentity(identities []string, key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return identities[int(h.Sum32()%uint32(len(identities)))]
}
