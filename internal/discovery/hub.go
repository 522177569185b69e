package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatch: flush once this many candidates queue (default 200).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 2s).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type Config struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	Logger       *zap.Logger   `mapstructure:"-"`
}

const (
	defaultBufferSize   = 1024
	defaultMaxBatch     = 200
	defaultMaxBatchWait = 2 * time.Second
	defaultSinkTimeout  = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Hub buffers candidates and flushes them to sinks from one goroutine. It
// implements crawler.CandidateEmitter and is safe for concurrent use.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan crawler.CandidateSource
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

var _ crawler.CandidateEmitter = (*Hub)(nil)

// NewHub starts the batching goroutine with the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan crawler.CandidateSource, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues a candidate. When the buffer is full the candidate is
// dropped; it will be mentioned again by a later crawl.
func (h *Hub) Emit(c crawler.CandidateSource) {
	if h == nil || h.closed.Load() {
		return
	}
	if c.Ref == "" {
		return
	}
	select {
	case h.events <- c:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("candidates dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains buffered candidates, flushes and closes the sinks. It is
// safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("discovery hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]crawler.CandidateSource, 0, h.cfg.MaxBatch)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case c := <-h.events:
			batch = append(batch, c)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(h.cfg.MaxBatchWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			stopTimer(timer, &timerActive)
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []crawler.CandidateSource) {
	for {
		select {
		case c := <-h.events:
			batch = append(batch, c)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

func (h *Hub) flush(batch []crawler.CandidateSource) {
	merged := Merge(batch)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, merged); err != nil {
			h.logger.Warn("candidate sink consume failed", zap.Int("candidates", len(merged)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("candidate sink close failed", zap.Error(err))
	}
}

// Merge collapses candidates sharing a ref, summing mentions and keeping
// the earliest sighting. Order follows first appearance.
func Merge(batch []crawler.CandidateSource) []crawler.CandidateSource {
	index := make(map[string]int, len(batch))
	out := make([]crawler.CandidateSource, 0, len(batch))
	for _, c := range batch {
		if c.Mentions <= 0 {
			c.Mentions = 1
		}
		i, ok := index[c.Ref]
		if !ok {
			index[c.Ref] = len(out)
			out = append(out, c)
			continue
		}
		cur := &out[i]
		cur.Mentions += c.Mentions
		if !c.FirstSeenAt.IsZero() && (cur.FirstSeenAt.IsZero() || c.FirstSeenAt.Before(cur.FirstSeenAt)) {
			cur.FirstSeenAt = c.FirstSeenAt
			cur.DiscoveredFrom = c.DiscoveredFrom
		}
	}
	return out
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
