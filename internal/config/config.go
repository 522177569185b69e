// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/discovery"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/backoff"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/feedindex-crawler/internal/provider/httpfeed"
	"github.com/JakeFAU/feedindex-crawler/internal/provider/webpreview"
	pubsubq "github.com/JakeFAU/feedindex-crawler/internal/queue/pubsub"
	redisq "github.com/JakeFAU/feedindex-crawler/internal/queue/redis"
	"github.com/JakeFAU/feedindex-crawler/internal/scorer"
	"github.com/JakeFAU/feedindex-crawler/internal/search/elasticsearch"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/gcs"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/local"
	"github.com/JakeFAU/feedindex-crawler/internal/storage/postgres"
	storeredis "github.com/JakeFAU/feedindex-crawler/internal/storage/redis"
)

// Backend type names shared by several sections.
const (
	TypeMemory        = "memory"
	TypePostgres      = "postgres"
	TypeRedis         = "redis"
	TypePubSub        = "pubsub"
	TypeElasticsearch = "elasticsearch"
	TypeLocal         = "local"
	TypeGCS           = "gcs"
	TypeNone          = "none"
	TypeStore         = "store"
	TypeHTTPFeed      = "httpfeed"
	TypeWebPreview    = "webpreview"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Telemetry  TelemetryConfig   `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig   `mapstructure:"scheduler"`
	Scorer     scorer.Config     `mapstructure:"scorer"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Backoff    backoff.Config    `mapstructure:"backoff"`
	RateLimit  ratelimit.Config  `mapstructure:"rate_limit"`
	Broker     BrokerConfig      `mapstructure:"broker"`
	Redis      storeredis.Config `mapstructure:"redis"`
	Store      StoreConfig       `mapstructure:"store"`
	Dedup      DedupConfig       `mapstructure:"dedup"`
	Search     SearchConfig      `mapstructure:"search"`
	Archive    ArchiveConfig     `mapstructure:"archive"`
	Discovery  discovery.Config  `mapstructure:"discovery"`
	Identities []IdentityConfig  `mapstructure:"identities"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls trace propagation setup.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// SchedulerConfig governs tier sweeps and candidate re-checks.
type SchedulerConfig struct {
	// Cadences maps tier numbers ("1".."5") to cron specs such as "@every 1h".
	Cadences         map[string]string `mapstructure:"cadences"`
	TickInterval     time.Duration     `mapstructure:"tick_interval"`
	SweepBudget      int               `mapstructure:"sweep_budget"`
	LockTTL          time.Duration     `mapstructure:"lock_ttl"`
	CandidateCadence string            `mapstructure:"candidate_cadence"`
	CandidateBudget  int               `mapstructure:"candidate_budget"`
	CandidateRequeue time.Duration     `mapstructure:"candidate_requeue"`
	DisableRescore   bool              `mapstructure:"disable_rescore"`
	RecoverOnStart   bool              `mapstructure:"recover_on_start"`
}

// TierCadences converts Cadences to tier keys.
func (s SchedulerConfig) TierCadences() (map[crawler.Tier]string, error) {
	return tierMap(s.Cadences, "scheduler.cadences")
}

// WorkerConfig governs crawl execution.
type WorkerConfig struct {
	PageSize           int               `mapstructure:"page_size"`
	CheckpointItems    int               `mapstructure:"checkpoint_items"`
	CheckpointInterval time.Duration     `mapstructure:"checkpoint_interval"`
	TierBudgets        map[string]string `mapstructure:"tier_budgets"`
	DefaultBudget      time.Duration     `mapstructure:"default_budget"`
	RecentWindow       int64             `mapstructure:"recent_window"`
	SampleSize         int               `mapstructure:"sample_size"`
	StatsSampleCap     int64             `mapstructure:"stats_sample_cap"`
	ThrottleEvery      int               `mapstructure:"throttle_every"`
	ThrottlePause      time.Duration     `mapstructure:"throttle_pause"`
	TrackedKinds       []string          `mapstructure:"tracked_kinds"`
}

// Budgets parses TierBudgets.
func (w WorkerConfig) Budgets() (map[crawler.Tier]time.Duration, error) {
	raw, err := tierMap(w.TierBudgets, "worker.tier_budgets")
	if err != nil || raw == nil {
		return nil, err
	}
	out := make(map[crawler.Tier]time.Duration, len(raw))
	for tier, v := range raw {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("worker.tier_budgets.%d: %w", tier, err)
		}
		out[tier] = d
	}
	return out, nil
}

// Kinds converts TrackedKinds to media kinds.
func (w WorkerConfig) Kinds() []crawler.MediaKind {
	out := make([]crawler.MediaKind, 0, len(w.TrackedKinds))
	for _, k := range w.TrackedKinds {
		out = append(out, crawler.MediaKind(strings.ToLower(k)))
	}
	return out
}

// BrokerConfig selects the task broker. RedeliveryDelay applies to the
// memory broker only.
type BrokerConfig struct {
	Type            string         `mapstructure:"type"`
	Capacity        int            `mapstructure:"capacity"`
	RedeliveryDelay time.Duration  `mapstructure:"redelivery_delay"`
	PublishRetries  int            `mapstructure:"publish_retries"`
	RetryBase       time.Duration  `mapstructure:"retry_base"`
	RetryMax        time.Duration  `mapstructure:"retry_max"`
	Redis           redisq.Config  `mapstructure:"redis"`
	PubSub          pubsubq.Config `mapstructure:"pubsub"`
}

// StoreConfig selects the source and candidate store.
type StoreConfig struct {
	Type     string          `mapstructure:"type"`
	Migrate  bool            `mapstructure:"migrate"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// DedupConfig selects the dedup index. "store" reuses the source store
// backend.
type DedupConfig struct {
	Type      string `mapstructure:"type"`
	Namespace string `mapstructure:"namespace"`
}

// SearchConfig selects where items are ingested.
type SearchConfig struct {
	Type          string               `mapstructure:"type"`
	Elasticsearch elasticsearch.Config `mapstructure:"elasticsearch"`
}

// ArchiveConfig selects the raw item archive placed before the search
// ingestor.
type ArchiveConfig struct {
	Type   string       `mapstructure:"type"`
	Prefix string       `mapstructure:"prefix"`
	Local  local.Config `mapstructure:"local"`
	GCS    gcs.Config   `mapstructure:"gcs"`
}

// IdentityConfig describes one provider identity. Every identity owns a
// queue and runs one worker.
type IdentityConfig struct {
	Name       string            `mapstructure:"name"`
	Provider   string            `mapstructure:"provider"`
	HTTPFeed   httpfeed.Config   `mapstructure:"httpfeed"`
	WebPreview webpreview.Config `mapstructure:"webpreview"`
}

// IdentityNames lists configured identity names in order.
func (c Config) IdentityNames() []string {
	out := make([]string, 0, len(c.Identities))
	for _, id := range c.Identities {
		out = append(out, id.Name)
	}
	return out
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Scorer.TierThresholds) == 0 {
		cfg.Scorer = scorer.DefaultConfig()
	}
	if len(cfg.Identities) == 0 {
		cfg.Identities = []IdentityConfig{{Name: "default", Provider: TypeMemory}}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "feedindex-crawler")
	v.SetDefault("scheduler.cadences", map[string]string{
		"5": "@every 1h",
		"4": "@every 3h",
		"3": "@every 6h",
		"2": "@every 12h",
		"1": "@every 24h",
	})
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.sweep_budget", 500)
	v.SetDefault("scheduler.lock_ttl", "30m")
	v.SetDefault("scheduler.candidate_cadence", "@every 15m")
	v.SetDefault("scheduler.candidate_budget", 100)
	v.SetDefault("scheduler.candidate_requeue", "6h")
	v.SetDefault("scheduler.recover_on_start", true)
	v.SetDefault("worker.page_size", 100)
	v.SetDefault("worker.checkpoint_items", 50)
	v.SetDefault("worker.checkpoint_interval", "30s")
	v.SetDefault("worker.default_budget", "5m")
	v.SetDefault("worker.recent_window", 200)
	v.SetDefault("worker.sample_size", 200)
	v.SetDefault("worker.stats_sample_cap", 5000)
	v.SetDefault("worker.throttle_every", 500)
	v.SetDefault("worker.throttle_pause", "2s")
	v.SetDefault("worker.tracked_kinds", []string{"document", "video", "audio"})
	v.SetDefault("backoff.max_rate_limit_waits", 5)
	v.SetDefault("backoff.transient_retries", 3)
	v.SetDefault("backoff.transient_delay", "2s")
	v.SetDefault("rate_limit.requests_per_second", 1.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("broker.type", TypeMemory)
	v.SetDefault("broker.capacity", 1024)
	v.SetDefault("broker.redelivery_delay", "1s")
	v.SetDefault("broker.publish_retries", 5)
	v.SetDefault("broker.retry_base", "250ms")
	v.SetDefault("broker.retry_max", "10s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.prefix", "feedcrawl")
	v.SetDefault("store.type", TypeMemory)
	v.SetDefault("store.migrate", true)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("dedup.type", TypeStore)
	v.SetDefault("dedup.namespace", "items")
	v.SetDefault("search.type", TypeMemory)
	v.SetDefault("search.elasticsearch.index", "feed-items")
	v.SetDefault("search.elasticsearch.username", "")
	v.SetDefault("search.elasticsearch.password", "")
	v.SetDefault("broker.pubsub.project_id", "")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.type", TypeNone)
	v.SetDefault("archive.prefix", "items")
	v.SetDefault("discovery.buffer_size", 1024)
	v.SetDefault("discovery.max_batch", 100)
	v.SetDefault("discovery.max_batch_wait", "5s")
	v.SetDefault("discovery.sink_timeout", "10s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.SweepBudget < 0 {
		return fmt.Errorf("scheduler.sweep_budget must be >= 0")
	}
	if _, err := c.Scheduler.TierCadences(); err != nil {
		return err
	}
	if err := c.validateBudgets(); err != nil {
		return err
	}
	if err := c.Scorer.Validate(); err != nil {
		return fmt.Errorf("scorer: %w", err)
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return c.validateIdentities()
}

// validateBudgets requires every crawl budget to end before the source lock
// expires, since the lock is not renewed during a crawl.
func (c Config) validateBudgets() error {
	budgets, err := c.Worker.Budgets()
	if err != nil {
		return err
	}
	ttl := c.Scheduler.LockTTL
	if ttl <= 0 {
		return fmt.Errorf("scheduler.lock_ttl must be > 0")
	}
	if c.Worker.DefaultBudget >= ttl {
		return fmt.Errorf("worker.default_budget %s must be shorter than scheduler.lock_ttl %s", c.Worker.DefaultBudget, ttl)
	}
	for tier, d := range budgets {
		if d >= ttl {
			return fmt.Errorf("worker.tier_budgets.%d %s must be shorter than scheduler.lock_ttl %s", tier, d, ttl)
		}
	}
	return nil
}

func (c Config) validateBackends() error {
	usesRedis := false
	switch c.Broker.Type {
	case TypeMemory:
	case TypeRedis:
		usesRedis = true
	case TypePubSub:
		if c.Broker.PubSub.ProjectID == "" {
			return fmt.Errorf("broker.pubsub.project_id must be set for the pubsub broker")
		}
	default:
		return fmt.Errorf("broker.type %q is not one of memory, redis, pubsub", c.Broker.Type)
	}

	switch c.Store.Type {
	case TypeMemory:
	case TypePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("store.type %q is not one of memory, postgres", c.Store.Type)
	}

	switch c.Dedup.Type {
	case TypeStore:
	case TypeRedis:
		usesRedis = true
	default:
		return fmt.Errorf("dedup.type %q is not one of store, redis", c.Dedup.Type)
	}

	switch c.Search.Type {
	case TypeMemory:
	case TypeElasticsearch:
		if len(c.Search.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("search.elasticsearch.addresses must be set")
		}
		if c.Search.Elasticsearch.Index == "" {
			return fmt.Errorf("search.elasticsearch.index must be set")
		}
	default:
		return fmt.Errorf("search.type %q is not one of memory, elasticsearch", c.Search.Type)
	}

	switch c.Archive.Type {
	case TypeNone, TypeMemory:
	case TypeLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set")
		}
	case TypeGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set")
		}
	default:
		return fmt.Errorf("archive.type %q is not one of none, memory, local, gcs", c.Archive.Type)
	}

	if usesRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is used")
	}
	return nil
}

func (c Config) validateIdentities() error {
	if len(c.Identities) == 0 {
		return fmt.Errorf("identities must list at least one identity")
	}
	seen := make(map[string]bool, len(c.Identities))
	for i, id := range c.Identities {
		if id.Name == "" {
			return fmt.Errorf("identities[%d].name must be set", i)
		}
		if seen[id.Name] {
			return fmt.Errorf("identities[%d].name %q is duplicated", i, id.Name)
		}
		seen[id.Name] = true
		switch id.Provider {
		case TypeMemory, TypeWebPreview:
		case TypeHTTPFeed:
			if id.HTTPFeed.BaseURL == "" {
				return fmt.Errorf("identities[%d].httpfeed.base_url must be set", i)
			}
		default:
			return fmt.Errorf("identities[%d].provider %q is not one of httpfeed, webpreview, memory", i, id.Provider)
		}
	}
	return nil
}

func tierMap(raw map[string]string, key string) (map[crawler.Tier]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[crawler.Tier]string, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 || n > int(crawler.TierMax) {
			return nil, fmt.Errorf("%s: key %q is not a tier within 1-5", key, k)
		}
		out[crawler.Tier(n)] = v
	}
	return out, nil
}
