// Package worker executes crawl tasks for one identity: it locks a source,
// pages through its history under the rate limiter and backoff policy,
// ingests new items and checkpoints the cursor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/logging"
	"github.com/JakeFAU/feedindex-crawler/internal/metrics"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/backoff"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
	"github.com/JakeFAU/feedindex-crawler/internal/scorer"
)

// Config controls Worker behavior.
type Config struct {
	Identity           string
	PageSize           int
	CheckpointItems    int
	CheckpointInterval time.Duration
	LockTTL            time.Duration
	// TierBudgets bounds the wall-clock time of one crawl per tier.
	TierBudgets   map[crawler.Tier]time.Duration
	DefaultBudget time.Duration
	// RecentWindow is how many messages behind the newest one a
	// crawl_recent task starts from.
	RecentWindow   int64
	SampleSize     int
	StatsSampleCap int64
	ThrottleEvery  int
	ThrottlePause  time.Duration
	DedupNamespace string
	TrackedKinds   []crawler.MediaKind
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		PageSize:           100,
		CheckpointItems:    50,
		CheckpointInterval: 30 * time.Second,
		LockTTL:            30 * time.Minute,
		TierBudgets: map[crawler.Tier]time.Duration{
			5: 15 * time.Minute,
			4: 10 * time.Minute,
			3: 8 * time.Minute,
			2: 5 * time.Minute,
			1: 3 * time.Minute,
		},
		DefaultBudget:  5 * time.Minute,
		RecentWindow:   200,
		SampleSize:     200,
		StatsSampleCap: 5000,
		ThrottleEvery:  500,
		ThrottlePause:  2 * time.Second,
		DedupNamespace: "items",
		TrackedKinds:   []crawler.MediaKind{crawler.MediaDocument, crawler.MediaVideo, crawler.MediaAudio},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.CheckpointItems <= 0 {
		c.CheckpointItems = def.CheckpointItems
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.TierBudgets == nil {
		c.TierBudgets = def.TierBudgets
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = def.DefaultBudget
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = def.RecentWindow
	}
	if c.SampleSize <= 0 {
		c.SampleSize = def.SampleSize
	}
	if c.StatsSampleCap <= 0 {
		c.StatsSampleCap = def.StatsSampleCap
	}
	if c.DedupNamespace == "" {
		c.DedupNamespace = def.DedupNamespace
	}
	if len(c.TrackedKinds) == 0 {
		c.TrackedKinds = def.TrackedKinds
	}
	return c
}

func (c Config) budget(tier crawler.Tier) time.Duration {
	if d, ok := c.TierBudgets[tier]; ok && d > 0 {
		return d
	}
	return c.DefaultBudget
}

// Deps are the collaborators a Worker needs. Candidates, Emitter, Limiter
// and Sleep are optional.
type Deps struct {
	Store      crawler.SourceStore
	Candidates crawler.CandidateStore
	Dedup      crawler.DedupIndex
	Provider   crawler.Provider
	Ingestor   crawler.Ingestor
	Emitter    crawler.CandidateEmitter
	Scorer     *scorer.Scorer
	Backoff    *backoff.Policy
	Limiter    *ratelimit.Limiter
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	Logger     *zap.Logger
	// Sleep is used by the proactive throttle; defaults to backoff.Sleep.
	Sleep func(context.Context, time.Duration) error
}

// Worker consumes one identity queue and executes tasks sequentially.
type Worker struct {
	cfg     Config
	deps    Deps
	tracked map[crawler.MediaKind]bool
	logger  *zap.Logger
}

// New validates deps and constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.Identity == "" {
		return nil, errors.New("worker identity is required")
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("worker requires a source store")
	case deps.Dedup == nil:
		return nil, errors.New("worker requires a dedup index")
	case deps.Provider == nil:
		return nil, errors.New("worker requires a provider")
	case deps.Ingestor == nil:
		return nil, errors.New("worker requires an ingestor")
	case deps.Hasher == nil:
		return nil, errors.New("worker requires a hasher")
	case deps.Clock == nil:
		return nil, errors.New("worker requires a clock")
	}
	cfg = cfg.withDefaults()
	if deps.Backoff == nil {
		deps.Backoff = backoff.New(backoff.DefaultConfig())
	}
	if deps.Scorer == nil {
		sc, err := scorer.New(scorer.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("default scorer: %w", err)
		}
		deps.Scorer = sc
	}
	if deps.Sleep == nil {
		deps.Sleep = backoff.Sleep
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracked := make(map[crawler.MediaKind]bool, len(cfg.TrackedKinds))
	for _, k := range cfg.TrackedKinds {
		tracked[k] = true
	}
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		tracked: tracked,
		logger:  logging.ForIdentity(logger, cfg.Identity),
	}, nil
}

// Identity returns the identity the worker is bound to.
func (w *Worker) Identity() string {
	return w.cfg.Identity
}

// Queue returns the broker queue the worker consumes.
func (w *Worker) Queue() string {
	return queue.QueueName(w.cfg.Identity)
}

// Run consumes the identity queue until ctx finishes.
func (w *Worker) Run(ctx context.Context, broker crawler.Broker) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.logger.Info("worker started", zap.String("queue", w.Queue()))
	err := broker.Consume(ctx, w.Queue(), w.Handle)
	w.logger.Info("worker stopped", zap.Error(err))
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.Queue(), err)
	}
	return nil
}

// Handle executes one task. A nil return acknowledges it; an error asks the
// broker to redeliver, which only happens when the store is unavailable.
func (w *Worker) Handle(ctx context.Context, task crawler.Task) error {
	if err := task.Validate(); err != nil {
		w.logger.Warn("dropping invalid task", zap.String("task_id", task.ID), zap.Error(err))
		metrics.ObserveTask(string(task.Type), "invalid")
		return nil
	}
	ctx, span := otel.Tracer("feedindex-crawler/worker").Start(ctx, "worker.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
		attribute.String("identity", w.cfg.Identity),
	)
	var (
		outcome string
		err     error
	)
	switch task.Type {
	case crawler.TaskCrawlSource, crawler.TaskCrawlRecent:
		outcome, err = w.crawl(ctx, task)
	case crawler.TaskCheckCandidate:
		outcome, err = w.checkCandidate(ctx, task)
	default:
		w.logger.Warn("task type not handled by workers", zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
		outcome = "invalid"
	}
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		w.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("type", string(task.Type)),
			zap.String("source_id", task.SourceID),
			zap.Error(err),
		)
	}
	metrics.ObserveTask(string(task.Type), outcome)
	return err
}

// call runs one provider call through the limiter and the backoff policy.
// The call itself never sees ctx cancellation so it is not cut mid-flight;
// only waits are interruptible. A non-zero deadline caps the total backoff
// wait at the time left before it.
func (w *Worker) call(ctx context.Context, deadline time.Time, fn func(context.Context) error) backoff.Outcome {
	callCtx := context.WithoutCancel(ctx)
	var budget time.Duration
	if !deadline.IsZero() {
		budget = max(deadline.Sub(w.deps.Clock.Now()), time.Nanosecond)
	}
	return w.deps.Backoff.DoWithin(ctx, budget, func() error {
		if w.deps.Limiter != nil {
			if err := w.deps.Limiter.Wait(ctx, w.cfg.Identity); err != nil {
				return err
			}
		}
		return fn(callCtx)
	}, func(d backoff.Decision) {
		if d.Class == backoff.ClassRateLimited {
			metrics.ObserveRateLimitWait(w.cfg.Identity, d.Wait)
		}
		w.logger.Info("provider backoff", zap.String("class", d.Class.String()), zap.Duration("wait", d.Wait))
	})
}
