// Package main hosts the feedcrawler entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/scheduler sweeps each tier on its cron cadence, re-scores unpinned sources, and publishes
//     crawl_source tasks for sources whose cursor date is older than the tier interval. Operator sweep requests arrive
//     on the scheduler queue and are handled by the same loop.
//   - Broker & dispatch: tasks flow through one queue per provider identity (memory, Redis streams or Pub/Sub). The
//     publisher picks the identity by hashing the source id so one source always lands on the same account.
//   - Workers: internal/worker acquires the source lock, pages through history from the stored cursor offset, dedups
//     media items and hands them to the ingestor, checkpointing the cursor as it goes. Rate-limit replies pause the
//     worker for the provider's wait hint; the lock is always released.
//   - Discovery: forwarded and mentioned sources seen during a crawl are batched by the discovery Hub into the
//     candidate store and later validated by check_candidate tasks.
//   - Persistence: sources, cursors and locks live in Postgres (or memory); items are indexed into Elasticsearch and
//     optionally archived as JSON to local disk or GCS.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported on /metrics; OpenTelemetry propagates trace context through broker messages.
//
// Operational notes:
//   - Use `feedcrawler run` for a single process with in-memory backends. In production run `scheduler` once and
//     `worker --identity <name>` per account.
//   - Stale locks left by crashed workers are cleared by `recover`, and by the scheduler on start.
//   - SIGINT/SIGTERM cancel the root context; workers checkpoint and release their locks before exiting.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_SERVER_PORT, CRAWLER_STORE_TYPE, CRAWLER_STORE_POSTGRES_DSN, CRAWLER_BROKER_TYPE,
//     CRAWLER_REDIS_ADDR, CRAWLER_AUTH_API_KEY, or point --config at a YAML file with an identities list.
//   - Run locally: go run ./cmd/feedcrawler run --config config.yaml
package main
