// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. Every backend is selected from
// config and closed in reverse order by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/api"
	"github.com/JakeFAU/feedindex-crawler/internal/clock/system"
	"github.com/JakeFAU/feedindex-crawler/internal/config"
	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/discovery"
	"github.com/JakeFAU/feedindex-crawler/internal/discovery/sinks"
	"github.com/JakeFAU/feedindex-crawler/internal/dispatcher"
	"github.com/JakeFAU/feedindex-crawler/internal/hash/sha256"
	"github.com/JakeFAU/feedindex-crawler/internal/id/uuid"
	"github.com/JakeFAU/feedindex-crawler/internal/ingest"
	"github.com/JakeFAU/feedindex-crawler/internal/logging"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/backoff"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/feedindex-crawler/internal/provider/httpfeed"
	provmemory "github.com/JakeFAU/feedindex-crawler/internal/provider/memory"
	"github.com/JakeFAU/feedindex-crawler/internal/provider/webpreview"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
	queuememory "github.com/JakeFAU/feedindex-crawler/internal/queue/memory"
	pubsubq "github.com/JakeFAU/feedindex-crawler/internal/queue/pubsub"
	redisq "github.com/JakeFAU/feedindex-crawler/internal/queue/redis"
	"github.com/JakeFAU/feedindex-crawler/internal/scheduler"
	"github.com/JakeFAU/feedindex-crawler/internal/scorer"
	"github.com/JakeFAU/feedindex-crawler/internal/search/elasticsearch"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/gcs"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/local"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/memory"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/postgres"
	storeredis "github.com/JakeFAU/feedindex-crawler/internal/storage/redis"
	"github.com/JakeFAU/feedindex-crawler/internal/worker"
)

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      crawler.SourceStore
	candidates crawler.CandidateStore
	dedup      crawler.DedupIndex
	broker     crawler.Broker
	ingestor   crawler.Ingestor
	hub        *discovery.Hub
	scorer     *scorer.Scorer
	limiter    *ratelimit.Limiter
	backoff    *backoff.Policy
	clock      crawler.Clock
	ids        crawler.IDGenerator
	hasher     crawler.Hasher

	// devProvider backs every identity configured with the memory provider.
	devProvider *provmemory.Provider

	checks  map[string]api.ReadyCheck
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New builds every backend named in cfg. On error, whatever was already
// opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc, err := scorer.New(cfg.Scorer)
	if err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}
	a := &App{
		cfg:         cfg,
		logger:      logger,
		scorer:      sc,
		limiter:     ratelimit.New(cfg.RateLimit),
		backoff:     backoff.New(cfg.Backoff),
		clock:       system.New(),
		ids:         uuid.New(),
		hasher:      sha256.New(),
		devProvider: provmemory.New(),
		checks:      make(map[string]api.ReadyCheck),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Type),
		zap.String("broker", cfg.Broker.Type),
		zap.String("dedup", cfg.Dedup.Type),
		zap.String("search", cfg.Search.Type),
		zap.String("archive", cfg.Archive.Type),
	)

	var redisClient *goredis.Client
	if cfg.Broker.Type == config.TypeRedis || cfg.Dedup.Type == config.TypeRedis {
		redisClient, err = storeredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.addCloser("redis", func(context.Context) error { return redisClient.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	if err = a.initStore(ctx, redisClient); err != nil {
		return nil, err
	}
	if err = a.initBroker(ctx, redisClient); err != nil {
		return nil, err
	}
	if err = a.initIngestor(ctx); err != nil {
		return nil, err
	}

	dcfg := cfg.Discovery
	dcfg.Logger = logger.Named("discovery")
	a.hub = discovery.NewHub(dcfg,
		sinks.NewStoreSink(a.candidates, logger.Named("discovery")),
		sinks.NewMetricsSink(),
	)
	a.addCloser("discovery", a.hub.Close)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStore(ctx context.Context, redisClient *goredis.Client) error {
	var storeDedup crawler.DedupIndex
	switch a.cfg.Store.Type {
	case config.TypePostgres:
		pg, err := postgres.New(ctx, a.cfg.Store.Postgres)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error { pg.Close(); return nil })
		if a.cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		a.checks["postgres"] = pg.Ping
		a.store, a.candidates, storeDedup = pg, pg, pg
	default:
		mem := memory.NewSourceStore()
		a.store, a.candidates, storeDedup = mem, mem, memory.NewDedupIndex()
	}

	switch a.cfg.Dedup.Type {
	case config.TypeRedis:
		a.dedup = storeredis.NewDedupIndex(redisClient, a.cfg.Redis.Prefix)
	default:
		a.dedup = storeDedup
	}
	return nil
}

func (a *App) initBroker(ctx context.Context, redisClient *goredis.Client) error {
	var base crawler.Broker
	switch a.cfg.Broker.Type {
	case config.TypeRedis:
		base = redisq.New(redisClient, a.cfg.Broker.Redis, a.logger.Named("broker"))
	case config.TypePubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Broker.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to initialize pubsub: %w", err)
		}
		ps := pubsubq.New(client, a.cfg.Broker.PubSub, a.logger.Named("broker"))
		for _, q := range a.queues() {
			if err := ps.EnsureQueue(ctx, q); err != nil {
				_ = ps.Close()
				return fmt.Errorf("ensure queue %s: %w", q, err)
			}
		}
		base = ps
	default:
		base = queuememory.NewBroker(a.cfg.Broker.Capacity,
			queuememory.WithRedeliveryDelay(a.cfg.Broker.RedeliveryDelay),
			queuememory.WithHistory(0),
		)
	}
	policy := crawler.NewExponentialRetryPolicyWith(a.cfg.Broker.PublishRetries, a.cfg.Broker.RetryBase, a.cfg.Broker.RetryMax)
	a.broker = queue.NewRetrying(base, policy, a.logger.Named("broker"))
	a.addCloser("broker", func(context.Context) error { return a.broker.Close() })
	return nil
}

func (a *App) initIngestor(ctx context.Context) error {
	var next crawler.Ingestor
	switch a.cfg.Search.Type {
	case config.TypeElasticsearch:
		client, err := elasticsearch.NewClient(a.cfg.Search.Elasticsearch)
		if err != nil {
			return err
		}
		ing, err := elasticsearch.New(client, a.cfg.Search.Elasticsearch.Index, a.logger.Named("search"))
		if err != nil {
			return err
		}
		if err := ing.EnsureIndex(ctx); err != nil {
			return fmt.Errorf("ensure search index: %w", err)
		}
		a.checks["elasticsearch"] = ing.EnsureIndex
		next = ing
	default:
		next = ingest.NewMemory()
	}

	var blobs crawler.BlobStore
	switch a.cfg.Archive.Type {
	case config.TypeLocal:
		bs, err := local.New(a.cfg.Archive.Local)
		if err != nil {
			return fmt.Errorf("failed to initialize local archive: %w", err)
		}
		blobs = bs
	case config.TypeGCS:
		client, err := gcs.NewClient(ctx, a.cfg.Archive.GCS)
		if err != nil {
			return err
		}
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		bs, err := gcs.New(client, a.cfg.Archive.GCS, a.logger.Named("archive"))
		if err != nil {
			return err
		}
		a.checks["gcs"] = bs.CheckBucket
		blobs = bs
	case config.TypeMemory:
		blobs = memory.NewBlobStore()
	}

	if blobs == nil {
		a.ingestor = next
		return nil
	}
	a.ingestor = ingest.NewArchive(blobs, a.cfg.Archive.Prefix, next, a.logger.Named("archive"))
	return nil
}

func (a *App) queues() []string {
	out := []string{queue.SchedulerQueue}
	for _, name := range a.cfg.IdentityNames() {
		out = append(out, queue.QueueName(name))
	}
	return out
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Store exposes the source store.
func (a *App) Store() crawler.SourceStore { return a.store }

// Broker exposes the task broker.
func (a *App) Broker() crawler.Broker { return a.broker }

// DevProvider returns the in-memory provider shared by identities configured
// with the memory provider, so fixtures can be seeded in development.
func (a *App) DevProvider() *provmemory.Provider { return a.devProvider }

func (a *App) schedulerConfig() (scheduler.Config, error) {
	cadences, err := a.cfg.Scheduler.TierCadences()
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := a.cfg.Scheduler
	return scheduler.Config{
		Cadences:         cadences,
		TickInterval:     sc.TickInterval,
		SweepBudget:      sc.SweepBudget,
		LockTTL:          sc.LockTTL,
		CandidateCadence: sc.CandidateCadence,
		CandidateBudget:  sc.CandidateBudget,
		CandidateRequeue: sc.CandidateRequeue,
		Identities:       a.cfg.IdentityNames(),
		DisableRescore:   sc.DisableRescore,
	}, nil
}

func (a *App) schedulerDeps() scheduler.Deps {
	return scheduler.Deps{
		Store:      a.store,
		Candidates: a.candidates,
		Broker:     a.broker,
		Scorer:     a.scorer,
		IDs:        a.ids,
		Clock:      a.clock,
		Logger:     a.logger.Named("scheduler"),
	}
}

// Scheduler builds the tier scheduler.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	cfg, err := a.schedulerConfig()
	if err != nil {
		return nil, err
	}
	return scheduler.New(cfg, a.schedulerDeps())
}

// Operator builds the manual control surface.
func (a *App) Operator() (*scheduler.Operator, error) {
	cfg, err := a.schedulerConfig()
	if err != nil {
		return nil, err
	}
	deps := a.schedulerDeps()
	deps.Logger = a.logger.Named("operator")
	return scheduler.NewOperator(cfg, deps)
}

// Provider builds the feed provider of one identity.
func (a *App) Provider(id config.IdentityConfig) (crawler.Provider, error) {
	logger := logging.ForIdentity(a.logger.Named("provider"), id.Name)
	switch id.Provider {
	case config.TypeHTTPFeed:
		client := &http.Client{Timeout: id.HTTPFeed.Timeout}
		if client.Timeout <= 0 {
			client.Timeout = 30 * time.Second
		}
		p, err := httpfeed.New(id.HTTPFeed, client, logger)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", id.Name, err)
		}
		return p, nil
	case config.TypeWebPreview:
		p, err := webpreview.New(id.WebPreview, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", id.Name, err)
		}
		return p, nil
	case config.TypeMemory:
		return a.devProvider, nil
	default:
		return nil, fmt.Errorf("identity %s: unknown provider %q", id.Name, id.Provider)
	}
}

// Workers builds one worker per selected identity. An empty selection
// means every configured identity.
func (a *App) Workers(only ...string) ([]*worker.Worker, error) {
	budgets, err := a.cfg.Worker.Budgets()
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(only))
	for _, name := range only {
		want[name] = true
	}
	wc := a.cfg.Worker
	var out []*worker.Worker
	for _, id := range a.cfg.Identities {
		if len(want) > 0 && !want[id.Name] {
			continue
		}
		delete(want, id.Name)
		provider, err := a.Provider(id)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(worker.Config{
			Identity:           id.Name,
			PageSize:           wc.PageSize,
			CheckpointItems:    wc.CheckpointItems,
			CheckpointInterval: wc.CheckpointInterval,
			LockTTL:            a.cfg.Scheduler.LockTTL,
			TierBudgets:        budgets,
			DefaultBudget:      wc.DefaultBudget,
			RecentWindow:       wc.RecentWindow,
			SampleSize:         wc.SampleSize,
			StatsSampleCap:     wc.StatsSampleCap,
			ThrottleEvery:      wc.ThrottleEvery,
			ThrottlePause:      wc.ThrottlePause,
			DedupNamespace:     a.cfg.Dedup.Namespace,
			TrackedKinds:       wc.Kinds(),
		}, worker.Deps{
			Store:      a.store,
			Candidates: a.candidates,
			Dedup:      a.dedup,
			Provider:   provider,
			Ingestor:   a.ingestor,
			Emitter:    a.hub,
			Scorer:     a.scorer,
			Backoff:    a.backoff,
			Limiter:    a.limiter,
			Hasher:     a.hasher,
			Clock:      a.clock,
			Logger:     a.logger.Named("worker"),
		})
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", id.Name, err)
		}
		out = append(out, w)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("identities not configured: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Dispatcher builds the dispatcher running the selected identities' workers.
func (a *App) Dispatcher(only ...string) (*dispatcher.Dispatcher, error) {
	workers, err := a.Workers(only...)
	if err != nil {
		return nil, err
	}
	return dispatcher.New(a.broker, workers, a.logger.Named("dispatcher"))
}

// APIServer builds the operator HTTP API on op.
func (a *App) APIServer(op api.Operator) *api.Server {
	opts := api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout,
		ReadyChecks:    a.checks,
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	return api.NewServer(op, a.store, opts, a.logger.Named("api"))
}

// Close shuts services down in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil && !errors.Is(err, queue.ErrClosed) {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
