package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/metrics"
	"github.com/JakeFAU/feedindex-crawler/internal/policy/backoff"
)

// checkCandidate samples a discovered source and either creates it with the
// scored tier or discards it. Re-running it for a resolved ref is harmless.
func (w *Worker) checkCandidate(ctx context.Context, task crawler.Task) (string, error) {
	ref := task.SourceRef
	if ref == "" {
		ref = task.SourceID
	}
	log := w.logger.With(zap.String("task_id", task.ID), zap.String("ref", ref))
	if w.deps.Candidates == nil {
		log.Warn("no candidate store configured, dropping task")
		return "invalid", nil
	}
	bg := context.WithoutCancel(ctx)

	meta, out := w.sourceInfo(ctx, ref, time.Time{})
	if out.Action != 0 {
		return w.candidateStopped(ctx, ref, out, log)
	}

	if _, err := w.deps.Store.GetSource(bg, meta.ID); err == nil {
		log.Debug("candidate already tracked", zap.String("source_id", meta.ID))
		return "known", w.resolve(bg, ref, crawler.CandidateValidated)
	} else if !errors.Is(err, crawler.ErrNotFound) {
		return "failed", storeErr("lookup source", err)
	}

	obs, out := w.sample(ctx, ref, meta.MemberCount, time.Time{})
	if out.Action != 0 {
		return w.candidateStopped(ctx, ref, out, log)
	}

	now := w.deps.Clock.Now()
	stats := crawler.SourceStats{}.Merge(obs, w.cfg.StatsSampleCap, now)
	res := w.deps.Scorer.ScoreStats(stats, now)
	if res.Tier == crawler.TierInactive {
		metrics.ObserveCandidates("discarded", 1)
		log.Info("candidate discarded", zap.String("reason", res.Reason), zap.Int64("messages", obs.Messages))
		return "discarded", w.resolve(bg, ref, crawler.CandidateDiscarded)
	}

	handle := meta.Handle
	if handle == "" {
		handle = ref
	}
	src := crawler.Source{
		ID:        meta.ID,
		Handle:    handle,
		Tier:      res.Tier,
		Stats:     stats,
		CreatedAt: now,
	}
	if err := w.deps.Store.UpsertSource(bg, src); err != nil {
		return "failed", storeErr("create source", err)
	}
	metrics.ObserveCandidates("validated", 1)
	log.Info("candidate validated",
		zap.String("source_id", src.ID),
		zap.Int("tier", int(res.Tier)),
		zap.Float64("score", res.Score),
	)
	return "validated", w.resolve(bg, ref, crawler.CandidateValidated)
}

func (w *Worker) sourceInfo(ctx context.Context, ref string, deadline time.Time) (crawler.SourceMeta, backoff.Outcome) {
	var meta crawler.SourceMeta
	out := w.call(ctx, deadline, func(c context.Context) error {
		var err error
		meta, err = w.deps.Provider.GetSourceInfo(c, ref)
		return err
	})
	return meta, out
}

// sample observes the newest SampleSize messages of ref.
func (w *Worker) sample(ctx context.Context, ref string, members int64, deadline time.Time) (crawler.Observation, backoff.Outcome) {
	var page []crawler.Message
	out := w.call(ctx, deadline, func(c context.Context) error {
		var err error
		page, err = w.deps.Provider.History(c, ref, crawler.HistoryRequest{
			Direction: crawler.Backward,
			Limit:     w.cfg.SampleSize,
		})
		return err
	})
	obs := crawler.Observation{Messages: int64(len(page)), MemberCount: members}
	for _, msg := range page {
		if msg.Media == nil || !w.tracked[msg.Media.Kind] {
			continue
		}
		obs.Items++
		if msg.Date.After(obs.LastItemAt) {
			obs.LastItemAt = msg.Date
		}
	}
	return obs, out
}

func (w *Worker) candidateStopped(ctx context.Context, ref string, out backoff.Outcome, log *zap.Logger) (string, error) {
	switch out.Action {
	case backoff.ActionTerminal:
		metrics.ObserveCandidates("discarded", 1)
		log.Info("candidate unavailable, discarded", zap.Error(out.Err))
		return "discarded", w.resolve(context.WithoutCancel(ctx), ref, crawler.CandidateDiscarded)
	case backoff.ActionFatal:
		return "failed", out.Err
	default:
		log.Warn("candidate check aborted, left pending", zap.Error(out.Err))
		return "aborted", nil
	}
}

func (w *Worker) resolve(ctx context.Context, ref string, status crawler.CandidateStatus) error {
	if err := w.deps.Candidates.ResolveCandidate(ctx, ref, status); err != nil {
		return storeErr("resolve candidate", err)
	}
	return nil
}
