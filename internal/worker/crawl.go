package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/discovery"
	"github.com/JakeFAU/feedindex-crawler/internal/metrics"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/backoff"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/ratelimit"
)

// stopReason says why a crawl loop ended.
type stopReason int

const (
	stopCaughtUp stopReason = iota
	stopBudget
	stopShutdown
	stopAborted
	stopUnavailable
	stopFailed
)

func (r stopReason) String() string {
	switch r {
	case stopCaughtUp:
		return "done"
	case stopBudget:
		return "budget_exhausted"
	case stopShutdown:
		return "shutdown"
	case stopAborted:
		return "aborted"
	case stopUnavailable:
		return "deactivated"
	default:
		return "failed"
	}
}

// stampsCursorDate reports whether the crawl counts as a completed visit.
func (r stopReason) stampsCursorDate() bool {
	return r == stopCaughtUp || r == stopBudget
}

// crawlRun is the state of one crawl. offset never passes a message whose
// item is not yet ingested and recorded in the dedup index.
type crawlRun struct {
	task  crawler.Task
	src   crawler.Source
	owner string
	log   *zap.Logger

	offset          int64
	saved           int64
	sinceCheckpoint int
	pendingItems    int64
	lastCheckpoint  time.Time
	deadline        time.Time

	obs        crawler.Observation
	ingested   int
	duplicates int
	throttle   *ratelimit.Throttle
	err        error
}

func (w *Worker) crawl(ctx context.Context, task crawler.Task) (string, error) {
	log := w.logger.With(zap.String("task_id", task.ID), zap.String("source_id", task.SourceID))
	owner := w.cfg.Identity + ":" + task.ID
	start := w.deps.Clock.Now()

	locked, err := w.deps.Store.AcquireLock(ctx, task.SourceID, owner, start, w.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			log.Warn("source not found, dropping task")
			return "dropped", nil
		}
		return "", storeErr("acquire lock", err)
	}
	if !locked {
		metrics.ObserveLockContention(w.cfg.Identity)
		log.Debug("source locked by another crawl, dropping task")
		return "contended", nil
	}
	defer w.release(ctx, task.SourceID, owner, log)

	src, err := w.deps.Store.GetSource(context.WithoutCancel(ctx), task.SourceID)
	if err != nil {
		return "", storeErr("load source", err)
	}
	if src.Tier == crawler.TierInactive {
		log.Info("source inactive, skipping crawl")
		return "skipped", nil
	}
	tier := task.Tier
	if tier == crawler.TierInactive {
		tier = src.Tier
	}
	run := &crawlRun{
		task:           task,
		src:            src,
		owner:          owner,
		log:            log.With(zap.Int("tier", int(tier))),
		offset:         src.CursorOffset,
		saved:          src.CursorOffset,
		lastCheckpoint: start,
		deadline:       start.Add(w.cfg.budget(tier)),
		throttle:       ratelimit.NewThrottle(w.cfg.ThrottleEvery, w.cfg.ThrottlePause, w.deps.Sleep),
	}

	if task.Type == crawler.TaskCrawlRecent {
		if reason, ok := w.seekRecent(ctx, run); !ok {
			return w.finish(ctx, run, reason)
		}
	}
	return w.finish(ctx, run, w.fetchLoop(ctx, run))
}

// seekRecent moves the start offset to RecentWindow messages behind the
// newest one, never backward.
func (w *Worker) seekRecent(ctx context.Context, run *crawlRun) (stopReason, bool) {
	meta, out := w.sourceInfo(ctx, run.src.Ref(), run.deadline)
	if out.Action != 0 {
		run.err = out.Err
		return reasonFor(ctx, out), false
	}
	if from := meta.LastMessageID - w.cfg.RecentWindow; from > run.offset {
		run.offset = from
	}
	run.obs.MemberCount = meta.MemberCount
	return stopCaughtUp, true
}

func (w *Worker) fetchLoop(ctx context.Context, run *crawlRun) stopReason {
	for {
		if reason, stop := w.interrupted(ctx, run); stop {
			return reason
		}
		var page []crawler.Message
		req := crawler.HistoryRequest{Offset: run.offset, Direction: crawler.Forward, Limit: w.cfg.PageSize}
		out := w.call(ctx, run.deadline, func(c context.Context) error {
			var err error
			page, err = w.deps.Provider.History(c, run.src.Ref(), req)
			return err
		})
		if out.Action != 0 {
			run.err = out.Err
			return reasonFor(ctx, out)
		}

		progressed := false
		for _, msg := range page {
			if reason, stop := w.interrupted(ctx, run); stop {
				return reason
			}
			if msg.ID <= run.offset {
				continue
			}
			if err := w.process(ctx, run, msg); err != nil {
				run.err = err
				if errors.Is(err, crawler.ErrStoreUnavailable) {
					return stopFailed
				}
				return stopAborted
			}
			progressed = true
			if _, err := run.throttle.Tick(ctx); err != nil {
				return stopShutdown
			}
			if err := w.maybeCheckpoint(ctx, run); err != nil {
				run.err = err
				return stopFailed
			}
		}
		if !progressed || len(page) < w.cfg.PageSize {
			return stopCaughtUp
		}
	}
}

// interrupted is checked between items only.
func (w *Worker) interrupted(ctx context.Context, run *crawlRun) (stopReason, bool) {
	if ctx.Err() != nil {
		return stopShutdown, true
	}
	if w.deps.Clock.Now().After(run.deadline) {
		return stopBudget, true
	}
	return stopCaughtUp, false
}

func reasonFor(ctx context.Context, out backoff.Outcome) stopReason {
	switch out.Action {
	case backoff.ActionTerminal:
		return stopUnavailable
	case backoff.ActionFatal:
		return stopFailed
	default:
		if ctx.Err() != nil {
			return stopShutdown
		}
		if out.BudgetExceeded {
			return stopBudget
		}
		return stopAborted
	}
}

func (w *Worker) process(ctx context.Context, run *crawlRun, msg crawler.Message) error {
	run.obs.Messages++
	run.sinceCheckpoint++
	if w.deps.Emitter != nil {
		for _, c := range discovery.Extract(msg, run.src.Ref(), w.deps.Clock.Now()) {
			w.deps.Emitter.Emit(c)
		}
	}
	item, ok, err := w.itemFrom(run.src.ID, msg)
	if err != nil {
		return err
	}
	if !ok {
		run.offset = msg.ID
		return nil
	}
	res, err := w.ingest(ctx, item)
	if err != nil {
		return err
	}
	run.obs.Items++
	if msg.Date.After(run.obs.LastItemAt) {
		run.obs.LastItemAt = msg.Date
	}
	if res == crawler.Duplicate {
		run.duplicates++
	} else {
		run.ingested++
		run.pendingItems++
	}
	run.offset = msg.ID
	return nil
}

func (w *Worker) itemFrom(sourceID string, msg crawler.Message) (crawler.Item, bool, error) {
	m := msg.Media
	if m == nil || m.FileUniqueID == "" || !w.tracked[m.Kind] {
		return crawler.Item{}, false, nil
	}
	id, err := w.deps.Hasher.Hash([]byte(m.FileUniqueID))
	if err != nil {
		return crawler.Item{}, false, fmt.Errorf("hash item: %w", err)
	}
	meta := make(map[string]string)
	if m.FileName != "" {
		meta["file_name"] = m.FileName
	}
	if m.MimeType != "" {
		meta["mime_type"] = m.MimeType
	}
	if m.Size > 0 {
		meta["size"] = strconv.FormatInt(m.Size, 10)
	}
	if msg.Text != "" {
		meta["caption"] = msg.Text
	}
	return crawler.Item{
		ID:        id,
		SourceID:  sourceID,
		MessageID: msg.ID,
		Kind:      m.Kind,
		PostedAt:  msg.Date,
		Metadata:  meta,
	}, true, nil
}

// ingest skips known ids, retries the ingestor at item granularity and
// records the id once the ingestor accepted it.
func (w *Worker) ingest(ctx context.Context, item crawler.Item) (crawler.IngestResult, error) {
	bg := context.WithoutCancel(ctx)
	seen, err := w.deps.Dedup.Contains(bg, w.cfg.DedupNamespace, item.ID)
	if err != nil {
		return 0, storeErr("dedup lookup", err)
	}
	if seen {
		return crawler.Duplicate, nil
	}
	var res crawler.IngestResult
	out := w.deps.Backoff.Do(ctx, func() error {
		var err error
		res, err = w.deps.Ingestor.Ingest(bg, item)
		return err
	}, func(d backoff.Decision) {
		w.logger.Warn("ingest retry", zap.String("item_id", item.ID), zap.Duration("wait", d.Wait))
	})
	if out.Action != 0 {
		return 0, fmt.Errorf("ingest item %s: %w", item.ID, out.Err)
	}
	if _, err := w.deps.Dedup.Add(bg, w.cfg.DedupNamespace, item.ID); err != nil {
		return 0, storeErr("dedup add", err)
	}
	return res, nil
}

func (w *Worker) maybeCheckpoint(ctx context.Context, run *crawlRun) error {
	if run.offset == run.saved {
		return nil
	}
	if run.sinceCheckpoint < w.cfg.CheckpointItems &&
		w.deps.Clock.Now().Sub(run.lastCheckpoint) < w.cfg.CheckpointInterval {
		return nil
	}
	return w.checkpoint(ctx, run, time.Time{})
}

// checkpoint persists the offset reached; a non-zero at also stamps the
// cursor date.
func (w *Worker) checkpoint(ctx context.Context, run *crawlRun, at time.Time) error {
	if at.IsZero() && run.offset == run.saved && run.pendingItems == 0 {
		return nil
	}
	err := w.deps.Store.SaveCursor(context.WithoutCancel(ctx), run.src.ID, run.offset, at, run.pendingItems)
	if err != nil {
		return storeErr("save cursor", err)
	}
	run.saved = run.offset
	run.pendingItems = 0
	run.sinceCheckpoint = 0
	run.lastCheckpoint = w.deps.Clock.Now()
	run.log.Debug("checkpoint saved", zap.Int64("offset", run.offset))
	return nil
}

func (w *Worker) finish(ctx context.Context, run *crawlRun, reason stopReason) (string, error) {
	bg := context.WithoutCancel(ctx)
	now := w.deps.Clock.Now()
	metrics.ObserveItems(w.cfg.Identity, "ingested", run.ingested)
	metrics.ObserveItems(w.cfg.Identity, "duplicate", run.duplicates)

	switch reason {
	case stopFailed:
		if err := w.checkpoint(ctx, run, time.Time{}); err != nil {
			run.log.Warn("checkpoint after failure did not persist", zap.Error(err))
		}
		return reason.String(), run.err
	case stopUnavailable:
		if err := w.deps.Store.Deactivate(bg, run.src.ID); err != nil {
			return stopFailed.String(), storeErr("deactivate source", err)
		}
		if err := w.checkpoint(ctx, run, now); err != nil {
			return stopFailed.String(), err
		}
		run.log.Warn("source unavailable, deactivated", zap.Error(run.err))
		return reason.String(), nil
	}

	var at time.Time
	if reason.stampsCursorDate() {
		at = now
	}
	if err := w.checkpoint(ctx, run, at); err != nil {
		return stopFailed.String(), err
	}
	if stats, ok := w.crawlStats(ctx, run, reason, now); ok {
		if err := w.deps.Store.SaveStats(bg, run.src.ID, stats); err != nil {
			return stopFailed.String(), storeErr("save stats", err)
		}
	}
	fields := []zap.Field{
		zap.String("reason", reason.String()),
		zap.Int64("offset", run.offset),
		zap.Int("ingested", run.ingested),
		zap.Int("duplicates", run.duplicates),
	}
	if run.err != nil {
		fields = append(fields, zap.Error(run.err))
		run.log.Warn("crawl ended early", fields...)
	} else {
		run.log.Info("crawl finished", fields...)
	}
	return reason.String(), nil
}

// crawlStats folds the crawl into the stored sample. A source that was never
// sampled only gets stats once they reach the scorer floor; otherwise a
// caught-up crawl seeds them from the newest history page, and any other
// stop leaves them unset so the source keeps its tier until a later crawl.
func (w *Worker) crawlStats(ctx context.Context, run *crawlRun, reason stopReason, now time.Time) (crawler.SourceStats, bool) {
	stats := run.src.Stats.Merge(run.obs, w.cfg.StatsSampleCap, now)
	if !run.src.Stats.UpdatedAt.IsZero() || w.deps.Scorer.Sampled(stats) {
		return stats, true
	}
	if reason != stopCaughtUp {
		return stats, false
	}
	members := run.obs.MemberCount
	if members == 0 {
		meta, out := w.sourceInfo(ctx, run.src.Ref(), run.deadline)
		if out.Action != 0 {
			run.log.Warn("stats sample not seeded", zap.Error(out.Err))
			return stats, false
		}
		members = meta.MemberCount
	}
	obs, out := w.sample(ctx, run.src.Ref(), members, run.deadline)
	if out.Action != 0 {
		run.log.Warn("stats sample not seeded", zap.Error(out.Err))
		return stats, false
	}
	if obs.Messages < run.obs.Messages {
		stats.MemberCount = members
		return stats, true
	}
	if run.obs.LastItemAt.After(obs.LastItemAt) {
		obs.LastItemAt = run.obs.LastItemAt
	}
	run.log.Debug("stats sample seeded", zap.Int64("messages", obs.Messages), zap.Int64("items", obs.Items))
	return crawler.SourceStats{}.Merge(obs, w.cfg.StatsSampleCap, now), true
}

func (w *Worker) release(ctx context.Context, id, owner string, log *zap.Logger) {
	if err := w.deps.Store.ReleaseLock(context.WithoutCancel(ctx), id, owner); err != nil {
		log.Error("release lock failed", zap.Error(err))
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, crawler.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return crawler.StoreError(op, err)
}
